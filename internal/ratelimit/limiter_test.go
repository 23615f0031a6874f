package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

type fakeProber struct {
	// seconds[offset] is what RateLimitProbe returns for that offset.
	seconds map[int]*float64
}

func (f *fakeProber) RateLimitProbe(_ context.Context, _ string, _ time.Duration, offset int) (*float64, error) {
	return f.seconds[offset], nil
}

func secs(v float64) *float64 { return &v }

func TestNotLimitedWhenProbeEmpty(t *testing.T) {
	l := New(&fakeProber{seconds: map[int]*float64{}})
	limited, err := l.IsLimited(context.Background(), "build", []domain.RateLimit{
		{MaxCount: 3, Interval: 10 * time.Second},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if limited {
		t.Error("expected not limited when probe returns no row")
	}
}

func TestLimitedWhenWindowStillOpen(t *testing.T) {
	l := New(&fakeProber{seconds: map[int]*float64{2: secs(5)}})
	now := time.Now()
	until, err := l.Check(context.Background(), "build", []domain.RateLimit{
		{MaxCount: 3, Interval: 10 * time.Second},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !until.After(now) {
		t.Error("expected a future retry instant")
	}
	if got := until.Sub(now); got < 4*time.Second || got > 6*time.Second {
		t.Errorf("retry delay = %v, want ~5s", got)
	}
}

func TestNotLimitedWhenWindowAlreadyElapsed(t *testing.T) {
	l := New(&fakeProber{seconds: map[int]*float64{2: secs(-1)}})
	limited, err := l.IsLimited(context.Background(), "build", []domain.RateLimit{
		{MaxCount: 3, Interval: 10 * time.Second},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if limited {
		t.Error("expected not limited once the window has elapsed")
	}
}

func TestMultipleLimitsTakeTheStrictest(t *testing.T) {
	l := New(&fakeProber{seconds: map[int]*float64{2: secs(3), 9: secs(50)}})
	now := time.Now()
	until, err := l.Check(context.Background(), "build", []domain.RateLimit{
		{MaxCount: 3, Interval: 10 * time.Second},
		{MaxCount: 10, Interval: time.Minute},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if got := until.Sub(now); got < 49*time.Second || got > 51*time.Second {
		t.Errorf("retry delay = %v, want ~50s (the stricter limit)", got)
	}
}
