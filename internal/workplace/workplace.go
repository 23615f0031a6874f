// Package workplace is the per-partition bounded pool of concurrently
// running workshop operators: a fixed concurrency budget, per-plan
// slot accounting, and the two Postgres-array filter strings the
// workshop queue uses to exclude saturated plans from its next select.
package workplace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cm4all-oss/workshopd/internal/cgroup"
	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/operator"
	"github.com/cm4all-oss/workshopd/internal/pgarray"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
	"github.com/cm4all-oss/workshopd/internal/translate"
)

// ExitNotifier is told whenever an operator finishes, so a Partition can
// re-enable a previously-full queue filter and schedule reaping.
type ExitNotifier interface {
	OnWorkplaceExit(job *domain.WorkshopJob, plan *domain.Plan)
}

// Workplace bounds how many operators run simultaneously in one
// partition and tracks per-plan running counts.
type Workplace struct {
	maxOperators int

	repo       operator.Repo
	spawner    spawnclient.Spawner
	cgroupRead *cgroup.Reader
	translator translate.Client
	nodeName   string
	logger     *slog.Logger
	notify     ExitNotifier

	mu        sync.Mutex
	operators map[string]*operator.Operator // by job ID
	running   map[string]int                // by plan name
}

// New constructs a Workplace with the given concurrency budget.
func New(maxOperators int, repo operator.Repo, spawner spawnclient.Spawner, cgroupRead *cgroup.Reader, translator translate.Client, nodeName string, notify ExitNotifier, logger *slog.Logger) *Workplace {
	if logger == nil {
		logger = slog.Default()
	}
	if maxOperators <= 0 {
		maxOperators = 1
	}
	return &Workplace{
		maxOperators: maxOperators,
		repo:         repo,
		spawner:      spawner,
		cgroupRead:   cgroupRead,
		translator:   translator,
		nodeName:     nodeName,
		notify:       notify,
		logger:       logger.With("component", "workplace"),
		operators:    make(map[string]*operator.Operator),
		running:      make(map[string]int),
	}
}

// IsFull reports whether the global concurrency budget is exhausted.
func (w *Workplace) IsFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.operators) >= w.maxOperators
}

// Count returns the number of operators currently running.
func (w *Workplace) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.operators)
}

// PlanRunning reports how many operators are currently running plan.
func (w *Workplace) PlanRunning(planName string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running[planName]
}

// IsPlanFull reports whether plan's own concurrency cap (0 = unlimited)
// has been reached on this node.
func (w *Workplace) IsPlanFull(plan *domain.Plan) bool {
	if plan.Concurrency == 0 {
		return false
	}
	return uint(w.PlanRunning(plan.Name)) >= plan.Concurrency
}

// Start builds and launches a new Operator for job under plan,
// registering it in the intrusive operator list. Callers must have
// already claimed the row in the database and already checked IsFull /
// IsPlanFull.
func (w *Workplace) Start(ctx context.Context, job *domain.WorkshopJob, plan *domain.Plan) (*operator.Operator, error) {
	w.mu.Lock()
	if len(w.operators) >= w.maxOperators {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %d/%d operators running", domain.ErrWorkplaceFull, len(w.operators), w.maxOperators)
	}
	w.mu.Unlock()

	op := operator.New(job, plan, w.repo, w.spawner, w.cgroupRead, w.translator, w, w.nodeName, w.logger)

	w.mu.Lock()
	w.operators[job.ID] = op
	w.running[plan.Name]++
	metrics.OperatorsRunning.Set(float64(len(w.operators)))
	w.mu.Unlock()

	if err := op.Start(ctx); err != nil {
		w.remove(job.ID, plan.Name)
		return nil, err
	}
	return op, nil
}

// OnOperatorExit implements operator.ExitHandler: removes the finished
// operator from the intrusive list and notifies the partition.
func (w *Workplace) OnOperatorExit(op *operator.Operator) {
	w.remove(op.Job.ID, op.Plan.Name)
	if w.notify != nil {
		w.notify.OnWorkplaceExit(op.Job, op.Plan)
	}
}

func (w *Workplace) remove(jobID, planName string) {
	w.mu.Lock()
	if _, ok := w.operators[jobID]; ok {
		delete(w.operators, jobID)
		if w.running[planName] > 0 {
			w.running[planName]--
		}
		metrics.OperatorsRunning.Set(float64(len(w.operators)))
	}
	w.mu.Unlock()
}

// GetRunningPlanNames returns the Postgres-array-encoded list of
// distinct plan names currently running.
func (w *Workplace) GetRunningPlanNames() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for name, count := range w.running {
		if count > 0 {
			names = append(names, name)
		}
	}
	return pgarray.Encode(names)
}

// GetFullPlanNames returns the Postgres-array-encoded subset of running
// plans whose running count has reached their configured concurrency
// cap; only plans with a non-zero limit participate.
func (w *Workplace) GetFullPlanNames(limits map[string]uint) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for name, count := range w.running {
		limit, ok := limits[name]
		if !ok || limit == 0 {
			continue
		}
		if uint(count) >= limit {
			names = append(names, name)
		}
	}
	return pgarray.Encode(names)
}

// VisitOperators calls f for every currently running operator, for the
// control protocol's terminate-by-tag command and the admin API's
// introspection endpoints.
func (w *Workplace) VisitOperators(f func(op *operator.Operator)) {
	w.mu.Lock()
	ops := make([]*operator.Operator, 0, len(w.operators))
	for _, op := range w.operators {
		ops = append(ops, op)
	}
	w.mu.Unlock()
	for _, op := range ops {
		f(op)
	}
}
