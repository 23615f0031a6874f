package operator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

// recordingRepo captures every Progress and RefreshTimeout call so
// tests can assert on the parsed values and the write gating.
type recordingRepo struct {
	mu        sync.Mutex
	progress  []int
	refreshes int
}

func (r *recordingRepo) Progress(_ context.Context, _ string, progress int, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progress)
	return nil
}
func (r *recordingRepo) RefreshTimeout(context.Context, string, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return nil
}
func (r *recordingRepo) SetEnv(context.Context, string, string) error { return nil }
func (r *recordingRepo) Again(context.Context, string, time.Duration, string) error {
	return nil
}
func (r *recordingRepo) Done(context.Context, string, int, string, time.Duration) error {
	return nil
}

func (r *recordingRepo) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

func (r *recordingRepo) refreshCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

func testOperator(repo Repo) *Operator {
	job := &domain.WorkshopJob{ID: "job-1"}
	plan := &domain.Plan{Name: "p", Args: []string{"/bin/true"}}
	return New(job, plan, repo, nil, nil, nil, nil, "node-a", nil)
}

func TestProgressWriterParsesDigitRuns(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	w := op.newProgressWriter()
	if _, err := w.Write([]byte("abc42xx99\nhello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := repo.values()
	if len(got) != 2 || got[0] != 42 || got[1] != 99 {
		t.Errorf("progress values = %v, want [42 99]", got)
	}
}

func TestProgressWriterIgnoresValuesOverHundred(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	w := op.newProgressWriter()
	if _, err := w.Write([]byte("142x9999x101x100x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := repo.values()
	if len(got) != 1 || got[0] != 100 {
		t.Errorf("progress values = %v, want [100]", got)
	}
}

func TestProgressWriterSurvivesSplitWrites(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	w := op.newProgressWriter()
	for _, chunk := range []string{"done 4", "2 percent\n"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	got := repo.values()
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("progress values = %v, want [42] (digit run split across writes)", got)
	}
}

// TestProgressUnchangedValueOnlyRefreshesLease: a repeated identical
// percentage must not rewrite the progress column; it only renews the
// node_timeout lease.
func TestProgressUnchangedValueOnlyRefreshesLease(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	ctx := context.Background()
	op.onProgress(ctx, 42)
	op.onProgress(ctx, 42)
	op.onProgress(ctx, 42)
	op.onProgress(ctx, 43)

	got := repo.values()
	if len(got) != 2 || got[0] != 42 || got[1] != 43 {
		t.Errorf("progress writes = %v, want [42 43] (repeats must be gated)", got)
	}
	if repo.refreshCount() != 2 {
		t.Errorf("lease refreshes = %d, want 2 (one per unchanged signal)", repo.refreshCount())
	}
}

func TestProgressWriterNoDigits(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	w := op.newProgressWriter()
	if _, err := w.Write([]byte("no percentages here\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := repo.values(); len(got) != 0 {
		t.Errorf("progress values = %v, want none", got)
	}
}
