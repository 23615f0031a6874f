// Package spawnclient is the narrow boundary between the operator layer
// and whatever actually forks a child process. The privileged spawn
// helper ("cm4all-spawn") lives outside this repository: this
// package only defines the interface workplace/operator code calls
// into (PreparedChildProcess, Spawner, Child) plus one concrete,
// unprivileged implementation built on os/exec for the parts that do
// not require a separate privileged process (working directory, env,
// uid/gid, groups, chroot, rlimits, priority).
package spawnclient

import (
	"context"
	"io"
	"time"
)

// PreparedChildProcess is everything a plan file can ask of a child
// process, independent of any particular job.
type PreparedChildProcess struct {
	Args []string
	Env  []string

	UID    uint32
	GID    uint32
	Groups []uint32
	Chroot string
	Umask  uint32

	CPUSecondsLimit   *uint64
	AddressSpaceLimit *uint64
	NumFilesLimit     *uint64
	NumProcsLimit     *uint64

	Priority       int
	SchedIdle      bool
	IOPrioIdle     bool
	PrivateNetwork bool
	PrivateTmp     bool
	NoNewPrivs     bool

	// CgroupName, if set, is the name of a per-plan cgroup the spawn
	// service should place the child into for CPU accounting.
	CgroupName string

	Stdin          io.Reader
	Stdout, Stderr io.Writer

	// ControlSocket, if non-nil, is handed to the child as fd 3, a
	// SOCK_SEQPACKET socketpair peer.
	ControlSocket ControlSocket
}

// ControlSocket is the child-facing half of a control channel socketpair.
type ControlSocket interface {
	// Fd returns the file descriptor to pass to the child as fd 3.
	Fd() uintptr
	Close() error
}

// ExitResult reports how a spawned child terminated.
type ExitResult struct {
	// ExitStatus is the process exit code, or -1 if the process died
	// from a signal.
	ExitStatus int
	// Signal is set (non-zero) when the process was killed by a signal.
	Signal int
	// CoreDump reports whether the kernel wrote a core file.
	CoreDump bool
}

// Child is a running (or just-exited) spawned process.
type Child interface {
	PID() int
	// Wait blocks until the child exits or ctx is done.
	Wait(ctx context.Context) (ExitResult, error)
	Kill() error
}

// Spawner creates child processes from a PreparedChildProcess. jobID is
// passed through for logging/correlation only.
type Spawner interface {
	Spawn(ctx context.Context, jobID string, p PreparedChildProcess) (Child, error)
}

// KillGracePeriod is how long Workplace waits after SIGTERM before
// escalating to SIGKILL when a partition shuts down.
const KillGracePeriod = 5 * time.Second
