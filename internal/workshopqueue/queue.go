package workshopqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/metrics"
)

// SelectLimit is the fixed batch size of one queue run.
const SelectLimit = 16

// ExpiryCheckInterval is how often the expiry UPDATE runs.
const ExpiryCheckInterval = 60 * time.Second

// MaxWakeDelay caps the adaptive re-wake sleep.
const MaxWakeDelay = 600 * time.Second

// Handler decides, per candidate row, whether this node should attempt
// to run it right now (library lookup, rate-limit gate, workplace
// fullness), and is handed the job once this node successfully claims
// it.
type Handler interface {
	// ShouldRun reports whether the partition is willing to attempt
	// job. plan is nil if the plan library doesn't have planName loaded
	// (ShouldRun should return false in that case).
	ShouldRun(job *domain.WorkshopJob) bool
	// Dispatch hands a newly-claimed job to the workplace.
	Dispatch(job *domain.WorkshopJob)
	// Filters returns the current (include, exclude, lowprio) Postgres
	// array literals, recomputed from the library/rate-limiter/
	// workplace state.
	Filters() (include, exclude, lowprio string)
}

// Queue drives one partition's workshop queue-run loop.
type Queue struct {
	repo     *Repo
	nodeName string
	logger   *slog.Logger

	nextExpireCheck time.Time
}

func NewQueue(repo *Repo, nodeName string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{repo: repo, nodeName: nodeName, logger: logger}
}

// RunResult reports how the caller should schedule the next wake.
type RunResult struct {
	// HitLimit is true if the batch hit SelectLimit rows.
	HitLimit bool
	// Interrupted is true if the filter changed mid-run (the caller
	// should re-run immediately rather than sleep).
	Interrupted bool
	// NextWake is the absolute instant to next run, when neither
	// HitLimit nor Interrupted apply.
	NextWake time.Time
	Released int64
}

// Run executes one queue run: optional expiry sweep, bounded select,
// per-row claim-or-drop, low-priority re-query, and computes the next
// wake.
func (q *Queue) Run(ctx context.Context, now time.Time, h Handler, nodeTimeout time.Duration) (RunResult, error) {
	var result RunResult

	if !now.Before(q.nextExpireCheck) {
		released, err := q.repo.ReleaseExpired(ctx, q.nodeName)
		if err != nil {
			return result, err
		}
		result.Released = released
		q.nextExpireCheck = now.Add(ExpiryCheckInterval)
	}

	include, exclude, lowprio := h.Filters()
	claimed, hitLimit, err := q.runOnce(ctx, h, include, exclude, lowprio, SelectLimit, nodeTimeout)
	if err != nil {
		return result, err
	}
	result.HitLimit = hitLimit

	if !hitLimit && lowprio != "{}" {
		lpClaimed, lpHit, err := q.runOnce(ctx, h, lowprio, exclude, "{}", SelectLimit-claimed, nodeTimeout)
		if err != nil {
			return result, err
		}
		claimed += lpClaimed
		result.HitLimit = result.HitLimit || lpHit
	}

	if result.HitLimit {
		result.NextWake = now.Add(time.Second)
		return result, nil
	}

	newInclude, _, _ := h.Filters()
	if newInclude != include {
		result.Interrupted = true
		return result, nil
	}

	minScheduled, err := q.repo.MinScheduledTime(ctx, include)
	if err != nil {
		return result, err
	}
	if minScheduled == nil {
		result.NextWake = now.Add(MaxWakeDelay)
	} else {
		wake := *minScheduled
		if latest := now.Add(MaxWakeDelay); wake.After(latest) {
			wake = latest
		}
		result.NextWake = wake
	}
	return result, nil
}

// runOnce selects up to limit rows and attempts to claim each one that
// the handler approves, returning how many it claimed and whether it
// hit limit.
func (q *Queue) runOnce(ctx context.Context, h Handler, include, exclude, lowprio string, limit int, nodeTimeout time.Duration) (claimed int, hitLimit bool, err error) {
	if limit <= 0 {
		return 0, false, nil
	}
	if nodeTimeout <= 0 {
		nodeTimeout = defaultNodeTimeout
	}
	jobs, err := q.repo.Select(ctx, include, exclude, lowprio, limit)
	if err != nil {
		return 0, false, err
	}
	hitLimit = len(jobs) >= limit

	for _, job := range jobs {
		if !h.ShouldRun(job) {
			continue
		}
		claimStart := time.Now()
		if err := q.repo.Claim(ctx, job.ID, q.nodeName, nodeTimeout); err != nil {
			if errors.Is(err, domain.ErrLostRace) {
				metrics.ClaimLostRaceTotal.Inc()
				q.logger.Debug("lost claim race", "job_id", job.ID)
				continue
			}
			return claimed, hitLimit, err
		}
		metrics.ClaimLatency.Observe(time.Since(claimStart).Seconds())
		claimed++
		h.Dispatch(job)
	}
	return claimed, hitLimit, nil
}

// defaultNodeTimeout is the ownership lease duration granted at claim
// time; the operator refreshes it on every progress report.
const defaultNodeTimeout = 5 * time.Minute
