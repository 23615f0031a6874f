package domain

import "time"

// WorkshopJob mirrors one row of the "jobs" table. A row is
// pending iff Enabled && NodeName == nil && TimeDone == nil &&
// ExitStatus == nil && (ScheduledTime == nil || now >= *ScheduledTime).
type WorkshopJob struct {
	ID       string
	PlanName string
	Args     []string
	Env      []string
	Stdin    []byte

	SyslogServer string
	Priority     int

	TimeCreated   time.Time
	TimeStarted   *time.Time
	TimeDone      *time.Time
	TimeModified  time.Time
	ScheduledTime *time.Time

	NodeName    *string
	NodeTimeout *time.Time

	Progress   int
	ExitStatus *int
	Enabled    bool
	Log        string
	CPUUsage   time.Duration
}

// IsPending reports whether the row is currently eligible to be claimed,
// evaluated against the instant "now".
func (j *WorkshopJob) IsPending(now time.Time) bool {
	return j.Enabled &&
		j.NodeName == nil &&
		j.TimeDone == nil &&
		j.ExitStatus == nil &&
		(j.ScheduledTime == nil || !now.Before(*j.ScheduledTime))
}

// IsClaimedBy reports whether node is the current owner of the row.
func (j *WorkshopJob) IsClaimedBy(node string) bool {
	return j.NodeName != nil && *j.NodeName == node && j.TimeDone == nil
}

// IsDone reports whether the row has finished.
func (j *WorkshopJob) IsDone() bool {
	return j.TimeDone != nil
}

// IsExpired reports whether the row's ownership has timed out and may be
// forcibly released by a node other than the current owner.
func (j *WorkshopJob) IsExpired(now time.Time, self string) bool {
	return j.NodeName != nil && *j.NodeName != self &&
		j.NodeTimeout != nil && j.NodeTimeout.Before(now)
}
