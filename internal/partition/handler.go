package partition

import (
	"context"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/pgarray"
)

// Filters implements workshopqueue.Handler: include is every plan name
// the library currently serves, exclude is the subset whose
// concurrency cap is already saturated on this node, and lowprio is
// the subset currently rate-limited (a rate-limited plan is still
// select-eligible in the low-priority re-query so ShouldRun's
// authoritative gate, not SQL set membership, decides whether it
// actually runs once it is no longer limited).
func (p *Partition) Filters() (include, exclude, lowprio string) {
	now := time.Now()

	var available []string
	limits := make(map[string]uint)
	plans := make(map[string]*domain.Plan)
	p.library.VisitAvailable(now, func(name string, plan *domain.Plan) {
		available = append(available, name)
		limits[name] = plan.Concurrency
		plans[name] = plan
	})

	include = pgarray.Encode(available)
	exclude = p.workplace.GetFullPlanNames(limits)

	var lp []string
	for _, name := range available {
		plan := plans[name]
		if len(plan.RateLimits) == 0 {
			continue
		}
		limited, err := p.ratelimiter.IsLimited(context.Background(), name, plan.RateLimits, now)
		if err != nil {
			p.logger.Warn("rate limit probe failed", "plan", name, "error", err)
			continue
		}
		if limited {
			metrics.RateLimitRejectedTotal.WithLabelValues(name).Inc()
			lp = append(lp, name)
		}
	}
	lowprio = pgarray.Encode(lp)

	metrics.QueueDepth.WithLabelValues(p.Name).Set(float64(len(available)))
	return include, exclude, lowprio
}

// ShouldRun is the authoritative per-row gate: it re-checks the plan's
// concurrency cap, the global workplace budget, and its rate limit
// right before claiming, since the Filters snapshot can be stale by
// the time a row is reached.
func (p *Partition) ShouldRun(job *domain.WorkshopJob) bool {
	now := time.Now()
	plan, err := p.library.Get(job.PlanName, now)
	if err != nil {
		return false
	}

	if p.workplace.IsFull() {
		return false
	}
	if p.workplace.IsPlanFull(plan) {
		metrics.ConcurrencyRejectedTotal.WithLabelValues(plan.Name).Inc()
		return false
	}

	if len(plan.RateLimits) > 0 {
		limited, err := p.ratelimiter.IsLimited(context.Background(), plan.Name, plan.RateLimits, now)
		if err != nil {
			p.logger.Warn("rate limit probe failed", "plan", plan.Name, "error", err)
			return false
		}
		if limited {
			metrics.RateLimitRejectedTotal.WithLabelValues(plan.Name).Inc()
			return false
		}
	}

	return true
}

// Dispatch hands a newly-claimed job to the workplace, satisfying
// workshopqueue.Handler.
func (p *Partition) Dispatch(job *domain.WorkshopJob) {
	now := time.Now()
	plan, err := p.library.Get(job.PlanName, now)
	if err != nil {
		p.logger.Error("plan vanished between claim and dispatch", "plan", job.PlanName, "job_id", job.ID, "error", err)
		return
	}
	if _, err := p.workplace.Start(context.Background(), job, plan); err != nil {
		p.logger.Error("starting operator failed", "job_id", job.ID, "plan", plan.Name, "error", err)
	}
}
