// Package instance owns everything one daemon process runs: the
// workshop partitions, the single cron partition, the control-UDP
// surface, the admin HTTP API, and orderly startup/shutdown.
//
// An Instance owns N workshop partitions, an optional cron partition,
// the control socket, the admin API, and the metrics server, and winds
// them all down on shutdown.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cm4all-oss/workshopd/config"
	"github.com/cm4all-oss/workshopd/internal/adminapi"
	"github.com/cm4all-oss/workshopd/internal/cgroup"
	"github.com/cm4all-oss/workshopd/internal/control"
	"github.com/cm4all-oss/workshopd/internal/cronoperator"
	"github.com/cm4all-oss/workshopd/internal/cronqueue"
	"github.com/cm4all-oss/workshopd/internal/email"
	"github.com/cm4all-oss/workshopd/internal/health"
	"github.com/cm4all-oss/workshopd/internal/library"
	"github.com/cm4all-oss/workshopd/internal/logging"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/notify"
	"github.com/cm4all-oss/workshopd/internal/operator"
	"github.com/cm4all-oss/workshopd/internal/partition"
	"github.com/cm4all-oss/workshopd/internal/pgqueue"
	"github.com/cm4all-oss/workshopd/internal/qmqp"
	"github.com/cm4all-oss/workshopd/internal/ratelimit"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
	"github.com/cm4all-oss/workshopd/internal/sticky"
	"github.com/cm4all-oss/workshopd/internal/translate"
	"github.com/cm4all-oss/workshopd/internal/workplace"
	"github.com/cm4all-oss/workshopd/internal/workshopqueue"
	"github.com/prometheus/client_golang/prometheus"
)

// cgroupBase is the standard cgroup v2 mount point; CPU accounting
// reads "<base>/<cgroup_name>/cpu.stat".
const cgroupBase = "/sys/fs/cgroup"

// dbPinger adapts pgqueue.DB to health.Pinger.
type dbPinger struct{ db *pgqueue.DB }

func (p dbPinger) Ping(ctx context.Context) error {
	return p.db.Pool().Ping(ctx)
}

// Instance is one running daemon process.
type Instance struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	partitions     []*partition.Partition
	cronPartitions []*partition.CronPartition

	controlSrv    *control.Server
	metricsServer *http.Server
	adminServer   *http.Server

	wg sync.WaitGroup
}

// New builds every subsystem of the daemon from cfg but starts
// nothing; call Run to start it all.
func New(cfg *config.Config) (*Instance, error) {
	level := &slog.LevelVar{}
	level.Set(cfg.SlogLevel())
	logger := logging.New(cfg.Env, level)

	spawner := spawnclient.NewExecSpawner()
	cgroupReader := cgroup.NewReader(cgroupBase)

	var translator translate.Client = translate.Unconfigured{}
	if cfg.TranslationServerAddr != "" {
		// No wire implementation of the translation protocol ships in
		// this tree; once one exists it plugs in here.
		translator = translate.Unconfigured{}
	}

	mailSender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	var relay qmqp.Relay // no wire implementation ships in this tree
	notifier := notify.New(relay, mailSender, cfg.ResendFrom, logger)

	inst := &Instance{cfg: cfg, logger: logger, level: level}

	for i := 0; i < cfg.Partitions; i++ {
		name := fmt.Sprintf("p%d", i)
		db, err := pgqueue.New(cfg.DatabaseURL, logger.With("partition", name))
		if err != nil {
			return nil, err
		}
		repo := workshopqueue.NewRepo(db.Pool())
		queue := workshopqueue.NewQueue(repo, cfg.NodeName, logger.With("partition", name))
		lib := library.NewMulti(cfg.LibraryPaths, logger.With("partition", name))
		rl := ratelimit.New(repo)

		p := partition.New(name, db, repo, queue, lib, nil, rl, cfg.NodeName, 0, logger)
		wp := workplace.New(cfg.MaxOperators, repo, spawner, cgroupReader, translator, cfg.NodeName, p, logger.With("partition", name))
		p.SetWorkplace(wp)

		inst.partitions = append(inst.partitions, p)
	}

	stickyMgr := sticky.NewManager()
	stickyMgr.Update(cfg.NodeName, cfg.NodeName, 1.0, true)

	cronDB, err := pgqueue.New(cfg.DatabaseURL, logger.With("partition", "cron"))
	if err != nil {
		return nil, err
	}
	cronRepo := cronqueue.NewRepo(cronDB.Pool())
	scheduleParser := cronqueue.NewCachingScheduleParser()
	scheduler := cronqueue.NewScheduler(cronRepo, scheduleParser, logger.With("partition", "cron"))
	runner := cronoperator.New(cronRepo, spawner, translator, notifier, cfg.NodeName, logger.With("partition", "cron"))
	claimer := cronqueue.NewClaimer(cronRepo, stickyMgr, runner, logger.With("partition", "cron"))
	cronPartition := partition.NewCronPartition("cron", cronDB, cronRepo, scheduler, claimer, cfg.NodeName, logger)
	inst.cronPartitions = append(inst.cronPartitions, cronPartition)

	checker := health.NewChecker(dbPinger{db: inst.partitions[0].DB()}, logger, prometheus.DefaultRegisterer)

	handlers := adminapi.NewHandlers(inst.partitions, inst.cronPartitions, checker, inst.setVerbose)

	if cfg.ControlSocketPath != "" {
		srv, err := control.NewServer(cfg.ControlSocketPath, adminapi.NewControlHandler(handlers), logger)
		if err != nil {
			return nil, fmt.Errorf("instance: control server: %w", err)
		}
		inst.controlSrv = srv
	}

	inst.adminServer = &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: adminapi.NewRouter(handlers, logger, "", []byte(cfg.AdminJWTSecret)),
	}
	inst.metricsServer = metrics.NewServer(cfg.MetricsListenAddr)

	return inst, nil
}

// Reload forces every partition to rescan its plan libraries and
// recompute scheduling state, without restarting the process.
func (inst *Instance) Reload() {
	inst.logger.Info("reloading")
	for _, p := range inst.partitions {
		p.Reload()
	}
	for _, cp := range inst.cronPartitions {
		cp.Reload()
	}
}

func (inst *Instance) setVerbose(level int) {
	switch {
	case level <= 0:
		inst.level.Set(slog.LevelError)
	case level == 1:
		inst.level.Set(slog.LevelWarn)
	case level == 2:
		inst.level.Set(slog.LevelInfo)
	default:
		inst.level.Set(slog.LevelDebug)
	}
}

// Run starts every subsystem and blocks until ctx is canceled, then
// shuts down in reverse order.
func (inst *Instance) Run(ctx context.Context) error {
	metrics.InstanceStartTime.Set(float64(time.Now().Unix()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range inst.partitions {
		p := p
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			if err := p.Run(runCtx); err != nil && runCtx.Err() == nil {
				inst.logger.Error("partition stopped unexpectedly", "partition", p.Name, "error", err)
			}
		}()
	}

	for _, cp := range inst.cronPartitions {
		cp := cp
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			if err := cp.Run(runCtx); err != nil && runCtx.Err() == nil {
				inst.logger.Error("cron partition stopped unexpectedly", "partition", cp.Name, "error", err)
			}
		}()
	}

	if inst.controlSrv != nil {
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			if err := inst.controlSrv.Serve(runCtx); err != nil && runCtx.Err() == nil {
				inst.logger.Error("control server stopped unexpectedly", "error", err)
			}
		}()
	}

	inst.wg.Add(1)
	go func() {
		defer inst.wg.Done()
		if err := inst.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			inst.logger.Error("admin server stopped unexpectedly", "error", err)
		}
	}()

	inst.wg.Add(1)
	go func() {
		defer inst.wg.Done()
		if err := inst.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			inst.logger.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	return inst.shutdown()
}

// shutdown tears down every subsystem, waiting up to 30 seconds for
// running operators to be killed and reaped.
func (inst *Instance) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if inst.controlSrv != nil {
		inst.controlSrv.Close()
	}
	_ = inst.adminServer.Shutdown(shutdownCtx)
	_ = inst.metricsServer.Shutdown(shutdownCtx)

	for _, p := range inst.partitions {
		p.VisitOperators(func(op *operator.Operator) { op.Kill() })
	}

	done := make(chan struct{})
	go func() {
		inst.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		inst.logger.Warn("shutdown timed out waiting for subsystems")
	}
	return nil
}
