package domain

import "time"

// RateLimit is one "rate_limit <count>/<interval>" clause from a plan file.
type RateLimit struct {
	MaxCount int
	Interval time.Duration
}

// Rlimits carries the subset of POSIX resource limits a plan may set on its
// child. Zero value means "not set, inherit the daemon's default".
type Rlimits struct {
	CPUSeconds        *uint64
	AddressSpaceBytes *uint64
	NumFiles          *uint64
	NumProcs          *uint64
}

// Plan is the immutable, shared recipe for one class of workshop job.
// A Plan is never mutated after LoadPlanFile returns it; a LibraryEntry
// replaces its Plan by whole-value swap, never in place.
type Plan struct {
	// Name is the plan's file name in its library directory.
	Name string

	// Args is argv; Args[0] is the executable path. Never empty once loaded.
	Args []string

	// Timeout is the raw interval string as it will be written to the
	// database (e.g. "10 minutes"); ParsedTimeout is its parsed form.
	Timeout       string
	ParsedTimeout time.Duration

	// ReapFinished, if non-zero, is how long a completed row survives
	// before the reap statement deletes it.
	ReapFinished time.Duration

	UID    uint32
	GID    uint32
	Groups []uint32
	Chroot string
	Umask  uint32

	Rlimits Rlimits

	// Priority is the scheduling "nice" value; also used as the SQL
	// ORDER BY priority column default for jobs launched under this plan.
	Priority int

	SchedIdle      bool
	IOPrioIdle     bool
	PrivateNetwork bool
	PrivateTmp     bool

	// Concurrency caps simultaneous running instances of this plan on
	// this node; 0 means unlimited.
	Concurrency uint

	RateLimits []RateLimit

	// ControlChannel: whether a SEQPACKET control socket is handed to
	// the child.
	ControlChannel bool

	// AllowSpawn: whether the child may issue "spawn" control-channel
	// requests. Only meaningful when ControlChannel is true.
	AllowSpawn bool
}

// DefaultTimeout is written when a plan file has no "timeout" keyword.
const DefaultTimeout = "10 minutes"

// DefaultParsedTimeout is DefaultTimeout parsed, since Postgres "10 minutes"
// isn't something time.ParseDuration understands natively.
const DefaultParsedTimeout = 10 * time.Minute

// NobodyUID and NobodyGID are the fallback identity a plan runs under when
// no "user" keyword is given — the historical "nobody"/65534 pair.
const (
	NobodyUID uint32 = 65534
	NobodyGID uint32 = 65534
)
