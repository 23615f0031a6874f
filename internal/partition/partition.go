// Package partition binds one database connection, one plan library,
// and one workplace: it reacts to new-job notifications, runs the
// workshop queue algorithm, and maintains the queue's include/exclude/
// lowprio filter as the library and workplace state changes.
package partition

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/library"
	"github.com/cm4all-oss/workshopd/internal/operator"
	"github.com/cm4all-oss/workshopd/internal/pgqueue"
	"github.com/cm4all-oss/workshopd/internal/ratelimit"
	"github.com/cm4all-oss/workshopd/internal/workplace"
	"github.com/cm4all-oss/workshopd/internal/workshopqueue"
	"github.com/jackc/pgx/v5"
)

// ReconnectQueueBackoff is how long Run waits before retrying after a
// queue-run error (distinct from pgqueue's own connection-level
// reconnect policy).
const ReconnectQueueBackoff = 5 * time.Second

// State holds the queue's enablement flags; the queue runs iff all
// three permit.
type State struct {
	mu                sync.Mutex
	enabledByStateDir bool
	enabledByAdmin    bool
	full              bool
}

func newState() *State {
	return &State{enabledByStateDir: true, enabledByAdmin: true}
}

// Enabled reports whether the queue is currently permitted to run.
func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledByStateDir && s.enabledByAdmin && !s.full
}

// SetAdminEnabled implements the control protocol's ENABLE_QUEUE /
// DISABLE_QUEUE verbs.
func (s *State) SetAdminEnabled(enabled bool) {
	s.mu.Lock()
	s.enabledByAdmin = enabled
	s.mu.Unlock()
}

func (s *State) setFull(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

// Partition is one database+plan-library+workplace triple.
type Partition struct {
	Name string

	db          *pgqueue.DB
	repo        *workshopqueue.Repo
	queue       *workshopqueue.Queue
	library     *library.MultiLibrary
	workplace   *workplace.Workplace
	ratelimiter *ratelimit.Limiter
	nodeName    string
	nodeTimeout time.Duration
	logger      *slog.Logger

	State *State

	mu        sync.Mutex
	running   bool
	interrupt bool
	wakeCh    chan struct{}
}

// SetWorkplace binds the workplace this partition dispatches to. The
// workplace's constructor takes the Partition itself as its
// workplace.ExitNotifier, so callers construct a Partition with a nil
// workplace, build the Workplace with that Partition as the notifier,
// then bind it here before calling Run.
func (p *Partition) SetWorkplace(wp *workplace.Workplace) {
	p.workplace = wp
}

// New constructs a Partition. Callers must call Run to actually start
// it; NewRepo/NewQueue bindings happen once the pgqueue.DB connects.
// wp may be nil, to be filled in later via SetWorkplace.
func New(name string, db *pgqueue.DB, repo *workshopqueue.Repo, queue *workshopqueue.Queue, lib *library.MultiLibrary, wp *workplace.Workplace, rl *ratelimit.Limiter, nodeName string, nodeTimeout time.Duration, logger *slog.Logger) *Partition {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partition{
		Name:        name,
		db:          db,
		repo:        repo,
		queue:       queue,
		library:     lib,
		workplace:   wp,
		ratelimiter: rl,
		nodeName:    nodeName,
		nodeTimeout: nodeTimeout,
		logger:      logger.With("component", "partition", "partition", name),
		State:       newState(),
		wakeCh:      make(chan struct{}, 1),
	}
}

// DB returns this partition's database connection, for the admin API's
// health checker.
func (p *Partition) DB() *pgqueue.DB {
	return p.db
}

// Reload forces a plan-library rescan and schedules a queue run; wired
// to the daemon's reload signal. Safe to call from any goroutine, the
// library serializes internally.
func (p *Partition) Reload() {
	if _, err := p.library.Update(time.Now(), true); err != nil {
		p.logger.Warn("forced plan library update failed", "error", err)
	}
	p.Wake()
}

// Wake requests an out-of-band queue run, e.g. on NOTIFY new_job or a
// workplace slot freeing up.
func (p *Partition) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// VisitOperators calls f for every operator currently running in this
// partition's workplace, for the admin API's introspection endpoints.
func (p *Partition) VisitOperators(f func(op *operator.Operator)) {
	p.workplace.VisitOperators(f)
}

// VisitPlans calls f for every plan this partition's library currently
// serves, alongside its live running count on this node.
func (p *Partition) VisitPlans(now time.Time, f func(name string, concurrency uint, priority int, running int)) {
	p.library.VisitAvailable(now, func(name string, plan *domain.Plan) {
		f(name, plan.Concurrency, plan.Priority, p.workplace.PlanRunning(name))
	})
}

// OnNotify is wired as the pgqueue.DB's NotifyHandler.
func (p *Partition) OnNotify(channel, payload string) {
	p.logger.Debug("received notification", "channel", channel, "payload", payload)
	p.Wake()
}

// OnWorkplaceExit implements workplace.ExitNotifier: a freed slot may
// un-saturate a plan's concurrency limit, so the filter is stale and a
// new run should happen. Plans with a reap_finished retention window
// also get their completed rows swept here.
func (p *Partition) OnWorkplaceExit(job *domain.WorkshopJob, plan *domain.Plan) {
	if plan.ReapFinished > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.repo.Reap(ctx, plan.Name, plan.ReapFinished); err != nil {
			p.logger.Warn("reaping finished jobs failed", "plan", plan.Name, "error", err)
		}
	}
	p.Wake()
}

// Run connects the database and drives the queue-run loop until ctx is
// canceled.
func (p *Partition) Run(ctx context.Context) error {
	p.db.OnNotify(p.OnNotify)
	p.db.OnConnect(func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN new_job"); err != nil {
			return err
		}
		return p.repo.ReleaseOwn(ctx, p.nodeName)
	})

	if err := p.db.Connect(ctx); err != nil {
		return err
	}

	nextWake := time.Now()
	for {
		// The connection is single-owner: waiting for NOTIFY and
		// running queries are phases of this one loop, never
		// concurrent.
		if err := p.db.WaitWake(ctx, nextWake, p.wakeCh); err != nil && ctx.Err() == nil {
			p.logger.Warn("notification wait ended, will resume once reconnected", "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.State.Enabled() {
			nextWake = time.Now().Add(time.Second)
			continue
		}

		if _, err := p.library.Update(time.Now(), false); err != nil {
			p.logger.Warn("plan library update failed", "error", err)
		}

		result, err := p.runOnce(ctx)
		if err != nil {
			p.logger.Error("queue run failed", "error", err)
			nextWake = time.Now().Add(ReconnectQueueBackoff)
			continue
		}
		p.State.setFull(p.workplace.IsFull())

		if result.Interrupted {
			nextWake = time.Now()
		} else {
			nextWake = result.NextWake
		}
	}
}

// runOnce serializes queue runs: a run already in progress sets the
// interrupt flag instead of overlapping.
func (p *Partition) runOnce(ctx context.Context) (workshopqueue.RunResult, error) {
	p.mu.Lock()
	if p.running {
		p.interrupt = true
		p.mu.Unlock()
		return workshopqueue.RunResult{Interrupted: true}, nil
	}
	p.running = true
	p.mu.Unlock()

	result, err := p.queue.Run(ctx, time.Now(), p, p.nodeTimeout)
	p.db.CheckNotify(ctx)

	p.mu.Lock()
	p.running = false
	if p.interrupt {
		result.Interrupted = true
		p.interrupt = false
	}
	p.mu.Unlock()

	return result, err
}
