// Package cronoperator runs one cron job to completion: either a
// spawned subprocess (shell command or resolved translation token) or
// an HTTP GET, then writes the result row and fires any configured
// notification.
//
// Commands run either through the shell/urn: spawn path or, for
// http(s):// commands, the HTTP GET path.
package cronoperator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/notify"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
	"github.com/cm4all-oss/workshopd/internal/translate"
)

// Repo is the subset of cronqueue.Repo a Runner needs.
type Repo interface {
	Finish(ctx context.Context, job *domain.CronJob, result domain.CronResult) error
}

// HTTPTimeout is the HTTP variant's hard cap.
const HTTPTimeout = 5 * time.Minute

// MaxHTTPBodyBytes bounds the captured response body.
const MaxHTTPBodyBytes = 8 * 1024

// Runner implements cronqueue.Dispatcher: it is handed a freshly-claimed
// CronJob and drives it to completion asynchronously.
type Runner struct {
	repo       Repo
	spawner    spawnclient.Spawner
	translator translate.Client
	notifier   *notify.Notifier
	httpClient *http.Client
	nodeName   string
	logger     *slog.Logger
}

// New constructs a Runner. translator may be nil if no translation
// server is configured (urn: commands will then fail with a recorded
// error).
func New(repo Repo, spawner spawnclient.Spawner, translator translate.Client, notifier *notify.Notifier, nodeName string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repo:       repo,
		spawner:    spawner,
		translator: translator,
		notifier:   notifier,
		nodeName:   nodeName,
		logger:     logger.With("component", "cronoperator"),
		httpClient: newHTTPClient(),
	}
}

// Dispatch runs job asynchronously, satisfying cronqueue.Dispatcher.
func (r *Runner) Dispatch(job *domain.CronJob) {
	go r.run(context.Background(), job)
}

func isHTTPCommand(command string) bool {
	return strings.HasPrefix(command, "http://") || strings.HasPrefix(command, "https://")
}

func (r *Runner) run(ctx context.Context, job *domain.CronJob) {
	dueAt := time.Now()
	if job.NextRun != nil {
		metrics.CronDispatchLatency.Observe(dueAt.Sub(*job.NextRun).Seconds())
	}

	start := time.Now()
	var result domain.CronResult
	if isHTTPCommand(job.Command) {
		result = r.runHTTP(ctx, job, start)
	} else {
		result = r.runSpawn(ctx, job, start)
	}
	result.CronJobID = job.ID
	result.NodeName = r.nodeName
	result.StartTime = start
	result.FinishTime = time.Now()

	if err := r.repo.Finish(ctx, job, result); err != nil {
		r.logger.Error("recording cron result failed", "cron_job_id", job.ID, "error", err)
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, job, result)
	}
}
