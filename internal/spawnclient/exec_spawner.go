//go:build linux

package spawnclient

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecSpawner is the unprivileged fallback Spawner: a direct
// os/exec.Cmd, with uid/gid, groups, chroot, rlimits and priority
// applied via syscall.SysProcAttr and Setrlimit. It does not implement
// network/mount namespace isolation or cgroup placement; a real
// deployment swaps this for a client of the privileged spawn service,
// which satisfies the same Spawner interface.
type ExecSpawner struct{}

func NewExecSpawner() *ExecSpawner { return &ExecSpawner{} }

func (s *ExecSpawner) Spawn(ctx context.Context, jobID string, p PreparedChildProcess) (Child, error) {
	if len(p.Args) == 0 {
		return nil, fmt.Errorf("spawnclient: empty argv for job %s", jobID)
	}

	cmd := exec.Command(p.Args[0], p.Args[1:]...)
	cmd.Env = p.Env
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}
	if p.UID != 0 || p.GID != 0 {
		groups := make([]uint32, len(p.Groups))
		copy(groups, p.Groups)
		attr.Credential = &syscall.Credential{
			Uid:    p.UID,
			Gid:    p.GID,
			Groups: groups,
		}
	}
	if p.Chroot != "" {
		attr.Chroot = p.Chroot
	}
	if p.NoNewPrivs {
		attr.NoNewPrivs = true
	}
	cmd.SysProcAttr = attr

	if p.Umask != 0 {
		old := syscall.Umask(int(p.Umask))
		defer syscall.Umask(old)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawnclient: start job %s: %w", jobID, err)
	}

	applyRlimits(cmd.Process.Pid, p)
	if p.Priority != 0 {
		_ = syscall.Setpriority(syscall.PRIO_PROCESS, cmd.Process.Pid, p.Priority)
	}

	return &execChild{cmd: cmd}, nil
}

func applyRlimits(pid int, p PreparedChildProcess) {
	// Best-effort: Go's os/exec has no pre-exec hook, so the limits are
	// applied to the already-running child via prlimit(2). The spawn
	// service sets them before exec instead.
	set := func(resource int, limit *uint64) {
		if limit == nil {
			return
		}
		rlim := unix.Rlimit{Cur: *limit, Max: *limit}
		_ = unix.Prlimit(pid, resource, &rlim, nil)
	}
	set(unix.RLIMIT_CPU, p.CPUSecondsLimit)
	set(unix.RLIMIT_AS, p.AddressSpaceLimit)
	set(unix.RLIMIT_NOFILE, p.NumFilesLimit)
	set(unix.RLIMIT_NPROC, p.NumProcsLimit)
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Wait(ctx context.Context) (ExitResult, error) {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = c.Kill()
		<-done
		return ExitResult{}, ctx.Err()
	case err := <-done:
		return decodeExit(err), nil
	}
}

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)
}

func decodeExit(err error) ExitResult {
	if err == nil {
		return ExitResult{ExitStatus: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitResult{ExitStatus: -1}
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitResult{ExitStatus: exitErr.ExitCode()}
	}
	if status.Signaled() {
		return ExitResult{
			ExitStatus: -1,
			Signal:     int(status.Signal()),
			CoreDump:   status.CoreDump(),
		}
	}
	return ExitResult{ExitStatus: status.ExitStatus()}
}
