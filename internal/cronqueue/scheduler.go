package cronqueue

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cm4all-oss/workshopd/internal/cronschedule"
	"github.com/cm4all-oss/workshopd/internal/domain"
)

// SchedulerBatchSize is how many next_run-less rows one scheduler tick
// computes.
const SchedulerBatchSize = 1000

// SchedulerJitterWindow is the scheduler timer's randomization window.
const SchedulerJitterWindow = 5 * time.Second

// ScheduleParser resolves a CronJob's raw schedule string, caching
// parsed Schedule values the way the plan library caches plans; kept as
// an interface so the scheduler doesn't need to know about parse
// failures beyond "skip this row".
type ScheduleParser interface {
	Parse(job *domain.CronJob) (*cronschedule.Schedule, error)
}

// Scheduler is the "fill in next_run" timer.
type Scheduler struct {
	repo   *Repo
	parser ScheduleParser
	logger *slog.Logger
	rng    *rand.Rand

	// suspended is true once a tick finds nothing left to compute; it
	// re-arms on the next NOTIFY cronjobs_modified.
	suspended bool
}

func NewScheduler(repo *Repo, parser ScheduleParser, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{repo: repo, parser: parser, logger: logger, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Rearm clears the suspended flag; called on NOTIFY cronjobs_modified.
func (s *Scheduler) Rearm() { s.suspended = false }

// Suspended reports whether the timer has nothing left to do until
// rearmed.
func (s *Scheduler) Suspended() bool { return s.suspended }

// Tick computes next_run for up to SchedulerBatchSize rows. Returns how
// many rows it attempted, so the caller can decide to suspend.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.repo.PendingNextRunUnset(ctx, SchedulerBatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		s.suspended = true
		return 0, nil
	}

	for _, job := range jobs {
		sched, err := s.parser.Parse(job)
		if err != nil {
			s.logger.Warn("invalid cron schedule, skipping", "cron_job_id", job.ID, "error", err)
			continue
		}

		oldDelay := time.Duration(0)
		if job.Delay != nil {
			oldDelay = *job.Delay
		}
		last := time.Time{}
		if job.LastRun != nil {
			last = job.LastRun.Add(-oldDelay)
		}

		next := sched.Next(last, now)

		// The jitter delay is rolled once per schedule and persisted;
		// every later recomputation reuses the stored value.
		delay := oldDelay
		if job.Delay == nil {
			if sched.DelayRange > 0 {
				delay = time.Duration(s.rng.Int63n(int64(sched.DelayRange)))
			}
			written, err := s.repo.SetDelay(ctx, job.ID, job.Schedule, delay, sched.DelayRange)
			if err != nil {
				return len(jobs), err
			}
			if !written {
				// Another node rolled first or the schedule changed
				// under us; leave the row for the next tick.
				continue
			}
		}

		var nextRun *time.Time
		if !cronschedule.IsInfinity(next) {
			t := next.Add(delay)
			nextRun = &t
		}

		if _, err := s.repo.WriteNextRun(ctx, job, nextRun); err != nil {
			return len(jobs), err
		}
	}

	return len(jobs), nil
}

// NextTick returns when the scheduler timer should next fire, honoring
// its 5-second jitter window, unless Suspended().
func (s *Scheduler) NextTick(now time.Time) time.Time {
	jitter := time.Duration(s.rng.Int63n(int64(SchedulerJitterWindow)))
	return now.Add(jitter)
}
