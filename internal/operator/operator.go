// Package operator supervises one running workshop job child process:
// timeout enforcement, progress tracking, log capture, CPU accounting,
// and the control-channel RPC surface a child can use to talk back to
// the daemon.
//
// Child process execution goes through the narrow
// internal/spawnclient.Spawner boundary; CPU accounting reads
// internal/cgroup; everything else is this package's own state machine.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cm4all-oss/workshopd/internal/cgroup"
	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/logging"
	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
	"github.com/cm4all-oss/workshopd/internal/translate"
)

// MaxLogBytes bounds the ring buffer retained for the "log" column.
const MaxLogBytes = 64 * 1024

// Repo is the subset of workshopqueue.Repo an Operator needs; kept
// narrow so this package never imports the database layer directly.
type Repo interface {
	Progress(ctx context.Context, id string, progress int, nodeTimeout time.Duration) error
	RefreshTimeout(ctx context.Context, id string, nodeTimeout time.Duration) error
	SetEnv(ctx context.Context, id, assignment string) error
	Again(ctx context.Context, id string, delay time.Duration, log string) error
	Done(ctx context.Context, id string, exitStatus int, log string, cpuUsage time.Duration) error
}

// ExitHandler is the narrow, non-owning capability a Workplace exposes
// to the Operator it owns. Operator holds no reference to the
// Workplace's concrete type, only this interface (see DESIGN.md "cyclic
// / back-references").
type ExitHandler interface {
	OnOperatorExit(op *Operator)
}

// NodeTimeoutLease is the ownership lease duration granted at claim
// time and refreshed on every progress report.
const NodeTimeoutLease = 5 * time.Minute

// Operator owns one running child and all state needed to supervise
// it to completion.
type Operator struct {
	Job  *domain.WorkshopJob
	Plan *domain.Plan

	repo       Repo
	spawner    spawnclient.Spawner
	cgroupRead *cgroup.Reader
	translator translate.Client
	exitOn     ExitHandler
	logger     *slog.Logger
	nodeName   string

	mu            sync.Mutex
	child         spawnclient.Child
	controlSrv    *controlServer
	lastProgress  int
	env           []string
	again         *time.Duration
	cpuStart      uint64
	startTime     time.Time
	log           *logRing
	spawnChildren []spawnclient.Child

	timeoutTimer *time.Timer
	cancelRun    context.CancelFunc
}

// New constructs an Operator for job running under plan. Start must be
// called to actually spawn the child.
func New(job *domain.WorkshopJob, plan *domain.Plan, repo Repo, spawner spawnclient.Spawner, cgroupRead *cgroup.Reader, translator translate.Client, exitOn ExitHandler, nodeName string, logger *slog.Logger) *Operator {
	if logger == nil {
		logger = slog.Default()
	}
	env := make([]string, len(job.Env))
	copy(env, job.Env)
	return &Operator{
		Job:        job,
		Plan:       plan,
		repo:       repo,
		spawner:    spawner,
		cgroupRead: cgroupRead,
		translator: translator,
		exitOn:     exitOn,
		nodeName:   nodeName,
		logger:     logger.With("component", "operator", "job_id", job.ID, "plan", plan.Name),
		env:        env,
		log:        newLogRing(MaxLogBytes),
	}
}

// expandArgs substitutes ${0}, ${NODE}, ${JOB}, ${PLAN} in a plan's
// argv, then appends the job's own args.
func expandArgs(plan *domain.Plan, job *domain.WorkshopJob, nodeName string) []string {
	repl := strings.NewReplacer(
		"${0}", plan.Args[0],
		"${NODE}", nodeName,
		"${JOB}", job.ID,
		"${PLAN}", plan.Name,
	)
	args := make([]string, 0, len(plan.Args)+len(job.Args))
	for _, a := range plan.Args {
		args = append(args, repl.Replace(a))
	}
	args = append(args, job.Args...)
	return args
}

// filterEnv drops any entry starting with "LD_".
func filterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "LD_") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Start builds the PreparedChildProcess, submits it to the spawner, and
// begins supervising the child asynchronously. It returns once the
// child has been accepted by the spawner, not once it exits.
func (op *Operator) Start(ctx context.Context) error {
	op.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	op.cancelRun = cancel

	p := spawnclient.PreparedChildProcess{
		Args:              expandArgs(op.Plan, op.Job, op.nodeName),
		Env:               filterEnv(op.env),
		UID:               op.Plan.UID,
		GID:               op.Plan.GID,
		Groups:            op.Plan.Groups,
		Chroot:            op.Plan.Chroot,
		Umask:             op.Plan.Umask,
		CPUSecondsLimit:   op.Plan.Rlimits.CPUSeconds,
		AddressSpaceLimit: op.Plan.Rlimits.AddressSpaceBytes,
		NumFilesLimit:     op.Plan.Rlimits.NumFiles,
		NumProcsLimit:     op.Plan.Rlimits.NumProcs,
		Priority:          op.Plan.Priority,
		SchedIdle:         op.Plan.SchedIdle,
		IOPrioIdle:        op.Plan.IOPrioIdle,
		PrivateNetwork:    op.Plan.PrivateNetwork,
		PrivateTmp:        op.Plan.PrivateTmp,
		NoNewPrivs:        true,
		CgroupName:        op.Plan.Name,
	}

	if op.Plan.ControlChannel {
		// A single pipe is shared stdout+stderr when the control
		// channel is enabled.
		w, _ := op.newCaptureWriter(true)
		p.Stdout = w
		p.Stderr = w
	} else {
		// Without a control channel, stdout instead carries the
		// legacy digit-run progress stream and only stderr is
		// captured to the log.
		p.Stdout = op.newProgressWriter()
		w, _ := op.newCaptureWriter(true)
		p.Stderr = w
	}

	if len(op.Job.Stdin) > 0 {
		p.Stdin = strings.NewReader(string(op.Job.Stdin))
	}

	if op.Plan.ControlChannel {
		srv, sock, err := newControlServer(op)
		if err != nil {
			return fmt.Errorf("operator: control channel: %w", err)
		}
		op.controlSrv = srv
		p.ControlSocket = sock
		go srv.Serve(runCtx)
	}

	if op.cgroupRead != nil {
		if usage, err := op.cgroupRead.UsageUsec(op.Plan.Name); err == nil {
			op.cpuStart = usage
		}
	}

	child, err := op.spawner.Spawn(ctx, op.Job.ID, p)
	if err != nil {
		op.cleanupCapture()
		cancel()
		return fmt.Errorf("spawn job %s: %w", op.Job.ID, err)
	}
	op.mu.Lock()
	op.child = child
	op.mu.Unlock()

	op.armTimeout(runCtx)

	go op.wait(runCtx)
	return nil
}

func (op *Operator) armTimeout(ctx context.Context) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.timeoutTimer != nil {
		op.timeoutTimer.Stop()
	}
	timeout := op.Plan.ParsedTimeout
	if timeout <= 0 {
		timeout = domain.DefaultParsedTimeout
	}
	op.timeoutTimer = time.AfterFunc(timeout, func() {
		op.logger.Warn("job timed out", "timeout", timeout)
		op.onTimeout(ctx)
	})
}

func (op *Operator) onTimeout(ctx context.Context) {
	_ = op.repo.Done(ctx, op.Job.ID, -1, "Timeout", op.cpuUsage())
	op.killChild()
}

func (op *Operator) killChild() {
	op.mu.Lock()
	child := op.child
	op.mu.Unlock()
	if child != nil {
		_ = child.Kill()
	}
}

// wait blocks for the child's exit and records the result.
func (op *Operator) wait(ctx context.Context) {
	op.mu.Lock()
	child := op.child
	op.mu.Unlock()

	result, err := child.Wait(ctx)
	op.mu.Lock()
	if op.timeoutTimer != nil {
		op.timeoutTimer.Stop()
	}
	op.mu.Unlock()

	if op.controlSrv != nil {
		op.controlSrv.Close()
	}
	op.cleanupCapture()
	op.killSpawnedChildren()

	if err != nil {
		op.logger.Error("wait for child failed", "error", err)
	}
	if result.Signal != 0 {
		op.logger.Warn("child died from signal",
			"signal", result.Signal,
			"core_dumped", result.CoreDump,
		)
	}

	logText := op.log.Sanitized()
	cpu := op.cpuUsage()

	done := ctx
	bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if done.Err() != nil {
		done = bgCtx
	}

	metrics.OperatorDuration.WithLabelValues(op.Plan.Name).Observe(time.Since(op.startTime).Seconds())

	op.mu.Lock()
	again := op.again
	op.mu.Unlock()

	var writeErr error
	outcome := "done"
	if again != nil {
		writeErr = op.repo.Again(done, op.Job.ID, *again, logText)
		outcome = "again"
	} else {
		writeErr = op.repo.Done(done, op.Job.ID, result.ExitStatus, logText, cpu)
		if result.Signal != 0 {
			outcome = "signaled"
		} else if result.ExitStatus != 0 {
			outcome = "failed"
		}
	}
	if writeErr != nil {
		op.logger.Error("recording job result", "error", writeErr)
	}
	metrics.JobsCompletedTotal.WithLabelValues(op.Plan.Name, outcome).Inc()

	if op.cancelRun != nil {
		op.cancelRun()
	}

	if op.exitOn != nil {
		op.exitOn.OnOperatorExit(op)
	}
}

func (op *Operator) cpuUsage() time.Duration {
	if op.cgroupRead == nil {
		return 0
	}
	delta, _, err := op.cgroupRead.Delta(op.Plan.Name, op.cpuStart)
	if err != nil {
		return 0
	}
	return delta
}

func (op *Operator) killSpawnedChildren() {
	op.mu.Lock()
	kids := op.spawnChildren
	op.spawnChildren = nil
	op.mu.Unlock()
	for _, c := range kids {
		_ = c.Kill()
	}
}

// onProgress: the node_timeout lease is refreshed on every received
// signal, but the progress column is only written when the value
// actually changed.
func (op *Operator) onProgress(ctx context.Context, value int) {
	if value < 0 || value > 100 {
		return
	}
	op.armTimeout(ctx)

	op.mu.Lock()
	changed := value != op.lastProgress
	if changed {
		op.lastProgress = value
	}
	op.mu.Unlock()

	if !changed {
		if err := op.repo.RefreshTimeout(ctx, op.Job.ID, NodeTimeoutLease); err != nil {
			op.logger.Error("node timeout refresh failed", "error", err)
		}
		return
	}
	if err := op.repo.Progress(ctx, op.Job.ID, value, NodeTimeoutLease); err != nil {
		op.logger.Error("progress update failed", "error", err)
	}
}

func (op *Operator) onSetEnv(ctx context.Context, assignment string) error {
	eq := strings.IndexByte(assignment, '=')
	if eq < 0 {
		return fmt.Errorf("setenv: missing '='")
	}
	op.mu.Lock()
	key := assignment[:eq+1]
	filtered := op.env[:0:0]
	for _, e := range op.env {
		if !strings.HasPrefix(e, key) {
			filtered = append(filtered, e)
		}
	}
	op.env = append(filtered, assignment)
	op.mu.Unlock()
	return op.repo.SetEnv(ctx, op.Job.ID, assignment)
}

func (op *Operator) onAgain(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	const maxAgainDelay = 86400 * time.Second
	if delay > maxAgainDelay {
		delay = maxAgainDelay
	}
	op.mu.Lock()
	op.again = &delay
	op.mu.Unlock()
}

// onSpawn handles the control-channel "spawn" verb: resolve a
// translation token and launch a further, tracked child, refused
// unless control_channel && allow_spawn.
func (op *Operator) onSpawn(ctx context.Context, token, param string) error {
	if !op.Plan.ControlChannel || !op.Plan.AllowSpawn {
		return errors.New("spawn not permitted for this plan")
	}
	if op.translator == nil {
		return errors.New("no translation server configured")
	}
	resolved, err := op.translator.Resolve(ctx, token, param)
	if err != nil {
		return fmt.Errorf("resolve spawn token: %w", err)
	}
	p := spawnclient.PreparedChildProcess{
		Args: resolved.Args,
		Env:  resolved.Env,
		UID:  op.Plan.UID,
		GID:  op.Plan.GID,
	}
	child, err := op.spawner.Spawn(ctx, op.Job.ID+"/spawn", p)
	if err != nil {
		return fmt.Errorf("spawn child process: %w", err)
	}
	op.mu.Lock()
	op.spawnChildren = append(op.spawnChildren, child)
	op.mu.Unlock()
	go func() { _, _ = child.Wait(ctx) }()
	return nil
}

// Kill terminates the operator's child immediately, used by the
// "terminate-children" control command.
func (op *Operator) Kill() {
	op.killChild()
}

// StartTime reports when the operator's child was spawned, for
// introspection endpoints.
func (op *Operator) StartTime() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.startTime
}

// LogContext returns a context carrying this operator's job/node
// identifiers for structured logging from subordinate goroutines.
func (op *Operator) LogContext(ctx context.Context) context.Context {
	ctx = logging.WithJobID(ctx, op.Job.ID)
	return logging.WithNodeName(ctx, op.nodeName)
}
