// Package ratelimit implements the per-plan sliding-window limiter: a
// plan is rate-limited if within the last duration the job table
// already recorded max_count starts.
//
// This is a thin wrapper over internal/workshopqueue's probe statement
// plus arithmetic, so it stays on the standard library — there is no
// library concern here beyond the one SQL query workshopqueue already
// owns.
package ratelimit

import (
	"context"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

// Prober is the one query this package needs from workshopqueue.Repo,
// kept as an interface so ratelimit has no import-time dependency on
// the database package and is trivially fakeable in tests.
type Prober interface {
	RateLimitProbe(ctx context.Context, planName string, window time.Duration, offset int) (*float64, error)
}

// Limiter decides whether a plan's configured rate limits currently
// permit another start.
type Limiter struct {
	prober Prober
}

func New(prober Prober) *Limiter {
	return &Limiter{prober: prober}
}

// Check evaluates every limit in limits against planName's recent start
// history. It reports the soonest instant at which the plan will no
// longer be rate-limited (zero time if it isn't limited right now).
func (l *Limiter) Check(ctx context.Context, planName string, limits []domain.RateLimit, now time.Time) (time.Time, error) {
	var retryAt time.Time

	for _, rl := range limits {
		if rl.MaxCount <= 0 {
			continue
		}
		seconds, err := l.prober.RateLimitProbe(ctx, planName, rl.Interval, rl.MaxCount-1)
		if err != nil {
			return time.Time{}, err
		}
		if seconds == nil || *seconds <= 0 {
			continue
		}
		until := now.Add(time.Duration(*seconds * float64(time.Second)))
		if until.After(retryAt) {
			retryAt = until
		}
	}

	return retryAt, nil
}

// IsLimited reports whether planName is currently rate-limited.
func (l *Limiter) IsLimited(ctx context.Context, planName string, limits []domain.RateLimit, now time.Time) (bool, error) {
	until, err := l.Check(ctx, planName, limits, now)
	if err != nil {
		return false, err
	}
	return until.After(now), nil
}
