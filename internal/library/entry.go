// Package library caches workshop plans loaded from one or more
// directories, reloading changed files and disabling broken ones for a
// cooldown window.
package library

import (
	"regexp"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

// Cooldowns applied when a plan fails to load.
const (
	missingFileCooldown  = 60 * time.Second
	parseFailureCooldown = 600 * time.Second
)

var validPlanName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is one plan name's bookkeeping within a Library.
type Entry struct {
	Plan          *domain.Plan
	Mtime         time.Time
	Deinstalled   bool
	DisabledUntil time.Time
	generation    int
}

// IsDisabled reports whether the entry is within its cooldown window.
func (e *Entry) IsDisabled(now time.Time) bool {
	return now.Before(e.DisabledUntil)
}

func (e *Entry) disable(now time.Time, d time.Duration) {
	e.DisabledUntil = now.Add(d)
}
