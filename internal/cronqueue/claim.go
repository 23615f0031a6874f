package cronqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/metrics"
)

// ClaimJitterWindow is the claim timer's randomization window, a
// uniform random jitter that reduces thundering-herd across nodes.
const ClaimJitterWindow = 30 * time.Second

// ClaimNodeTimeout is the ownership lease granted at claim time.
const ClaimNodeTimeout = 5 * time.Minute

// StickyRouter decides, for a sticky cron job, whether this node is the
// one that should run it (internal/sticky.Manager satisfies this).
type StickyRouter interface {
	IsLocal(stickySource string) (nodeName string, isOurOwn bool)
}

// Dispatcher hands a claimed cron job off to the operator layer
// (internal/cronoperator).
type Dispatcher interface {
	Dispatch(job *domain.CronJob)
}

// Claimer is the "find the earliest next_run, sleep, claim, dispatch"
// timer.
type Claimer struct {
	repo   *Repo
	sticky StickyRouter
	disp   Dispatcher
	logger *slog.Logger
	rng    *rand.Rand
}

func NewClaimer(repo *Repo, sticky StickyRouter, disp Dispatcher, logger *slog.Logger) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{repo: repo, sticky: sticky, disp: disp, logger: logger, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Wake performs one claim-timer cycle: find the earliest pending row,
// and if it is due (and sticky-routed to this node, if sticky), claim
// and dispatch it. Returns the next wake instant.
func (c *Claimer) Wake(ctx context.Context, now time.Time, selfNode string) (*time.Time, error) {
	job, err := c.repo.EarliestPending(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.NextRun.After(now) {
		wake := *job.NextRun
		return &wake, nil
	}

	if len(job.Sticky) > 0 && c.sticky != nil {
		nodeName, isLocal := c.sticky.IsLocal(string(job.Sticky))
		if !isLocal {
			metrics.StickyRoutingDecisionsTotal.WithLabelValues("remote").Inc()
			c.logger.Debug("sticky cron job routed elsewhere", "cron_job_id", job.ID, "node", nodeName)
			immediate := now
			return &immediate, nil
		}
		metrics.StickyRoutingDecisionsTotal.WithLabelValues("local").Inc()
	}

	if err := c.repo.Claim(ctx, job.ID, selfNode, ClaimNodeTimeout); err != nil {
		if errors.Is(err, domain.ErrLostRace) {
			c.logger.Debug("lost cron claim race", "cron_job_id", job.ID)
			immediate := now
			return &immediate, nil
		}
		return nil, err
	}

	c.disp.Dispatch(job)
	immediate := now
	return &immediate, nil
}

// NextWake adds the claim timer's 30-second jitter window to an
// already-due instant, to break ties between nodes.
func (c *Claimer) NextWake(base time.Time) time.Time {
	jitter := time.Duration(c.rng.Int63n(int64(ClaimJitterWindow)))
	return base.Add(jitter)
}
