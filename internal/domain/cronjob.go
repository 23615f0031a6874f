package domain

import "time"

// CronJob mirrors one row of the "cronjobs" table.
type CronJob struct {
	ID             string
	AccountID      string
	Command        string // shell string, "http(s)://..." URL, or "urn:..." token
	TranslateParam string
	Notification   string // email address, empty = no notification
	Schedule       string // crontab string or "@macro"
	TZ             string
	Timeout        time.Duration
	Sticky         []byte // optional sticky routing source bytes

	Delay      *time.Duration
	DelayRange time.Duration

	LastRun *time.Time
	NextRun *time.Time // nil means "infinity" (never again, @once already ran)

	NodeName    *string
	NodeTimeout *time.Time

	Enabled bool
}

// IsPending reports whether the row is due to be claimed.
func (c *CronJob) IsPending(now time.Time) bool {
	return c.Enabled &&
		c.NodeName == nil &&
		c.NextRun != nil &&
		!c.NextRun.After(now)
}

// CronResult mirrors one row of the "cronresults" table.
type CronResult struct {
	CronJobID  string
	NodeName   string
	StartTime  time.Time
	FinishTime time.Time
	ExitStatus int
	Log        string
}
