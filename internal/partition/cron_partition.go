package partition

import (
	"context"
	"log/slog"
	"time"

	"github.com/cm4all-oss/workshopd/internal/cronqueue"
	"github.com/cm4all-oss/workshopd/internal/pgqueue"
	"github.com/jackc/pgx/v5"
)

// CronNotifyChannel is the channel a row INSERT/UPDATE trigger notifies
// on to rearm a suspended scheduler timer.
const CronNotifyChannel = "cronjobs_modified"

// CronPartition binds one database connection to the cron scheduling
// and claim timers.
//
// The "fill in next_run" scheduler and the "claim and dispatch"
// claimer are two independent timers sharing one connection; this keeps
// that shape as two phases of one loop iteration.
type CronPartition struct {
	Name string

	db        *pgqueue.DB
	repo      *cronqueue.Repo
	scheduler *cronqueue.Scheduler
	claimer   *cronqueue.Claimer
	nodeName  string
	logger    *slog.Logger

	State *State

	wakeCh          chan struct{}
	nextExpireCheck time.Time
}

// NewCronPartition constructs a CronPartition. db must not yet be
// connected; Run performs the connection.
func NewCronPartition(name string, db *pgqueue.DB, repo *cronqueue.Repo, scheduler *cronqueue.Scheduler, claimer *cronqueue.Claimer, nodeName string, logger *slog.Logger) *CronPartition {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronPartition{
		Name:      name,
		db:        db,
		repo:      repo,
		scheduler: scheduler,
		claimer:   claimer,
		nodeName:  nodeName,
		logger:    logger.With("component", "cron_partition", "partition", name),
		State:     newState(),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Reload rearms the scheduler timer and wakes the loop; wired to the
// daemon's reload signal.
func (cp *CronPartition) Reload() {
	cp.scheduler.Rearm()
	cp.Wake()
}

// Wake requests an out-of-band claim check, e.g. after a Dispatch
// completes and might have changed scheduling state.
func (cp *CronPartition) Wake() {
	select {
	case cp.wakeCh <- struct{}{}:
	default:
	}
}

// OnNotify is wired as the pgqueue.DB's NotifyHandler: any notification
// on CronNotifyChannel rearms a suspended scheduler and wakes the loop.
func (cp *CronPartition) OnNotify(channel, payload string) {
	if channel == CronNotifyChannel {
		cp.scheduler.Rearm()
	}
	cp.Wake()
}

// Run connects the database and drives the scheduler+claimer loop
// until ctx is canceled.
func (cp *CronPartition) Run(ctx context.Context) error {
	cp.db.OnNotify(cp.OnNotify)
	cp.db.OnConnect(func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+CronNotifyChannel); err != nil {
			return err
		}
		cp.scheduler.Rearm()
		return cp.repo.ReleaseOwn(ctx, cp.nodeName)
	})

	if err := cp.db.Connect(ctx); err != nil {
		return err
	}

	nextWake := time.Now()
	for {
		if err := cp.db.WaitWake(ctx, nextWake, cp.wakeCh); err != nil && ctx.Err() == nil {
			cp.logger.Warn("notification wait ended, will resume once reconnected", "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cp.State.Enabled() {
			nextWake = time.Now().Add(time.Second)
			continue
		}

		now := time.Now()
		next, err := cp.tick(ctx, now)
		if err != nil {
			cp.logger.Error("cron tick failed", "error", err)
			nextWake = now.Add(ReconnectQueueBackoff)
			continue
		}
		nextWake = next
	}
}

// cronExpiryCheckInterval is how often abandoned cron rows are swept.
const cronExpiryCheckInterval = 60 * time.Second

// tick runs the expiry sweep (at most once a minute), one scheduler
// pass (if not suspended), then one claimer pass, and returns the
// earliest next wake.
func (cp *CronPartition) tick(ctx context.Context, now time.Time) (time.Time, error) {
	if !now.Before(cp.nextExpireCheck) {
		if _, err := cp.repo.ReleaseExpired(ctx, cp.nodeName); err != nil {
			return time.Time{}, err
		}
		cp.nextExpireCheck = now.Add(cronExpiryCheckInterval)
	}

	schedulerWake := now.Add(24 * time.Hour)
	if !cp.scheduler.Suspended() {
		n, err := cp.scheduler.Tick(ctx, now)
		if err != nil {
			return time.Time{}, err
		}
		if n >= cronqueue.SchedulerBatchSize {
			schedulerWake = now
		} else {
			schedulerWake = cp.scheduler.NextTick(now)
		}
	}

	claimWake, err := cp.claimer.Wake(ctx, now, cp.nodeName)
	if err != nil {
		return time.Time{}, err
	}
	cp.db.CheckNotify(ctx)

	next := schedulerWake
	if claimWake != nil {
		// Whether the claimer found a due row (claimed, lost the race,
		// or routed elsewhere) or a future next_run, jitter the next
		// wake so competing nodes don't hammer the row in lockstep.
		wake := *claimWake
		if wake.Before(now) {
			wake = now
		}
		wake = cp.claimer.NextWake(wake)
		if wake.Before(next) {
			next = wake
		}
	}
	if cp.nextExpireCheck.Before(next) {
		next = cp.nextExpireCheck
	}
	return next, nil
}
