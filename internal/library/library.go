package library

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/pgarray"
	"github.com/cm4all-oss/workshopd/internal/planfile"
)

// Library caches the plans found in one directory.
type Library struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	plans map[string]*Entry

	dirMtime       time.Time
	nextPlansCheck time.Time
	generation     int

	namesCache     string
	nextNamesCheck time.Time
}

// New constructs a Library bound to path. It performs no I/O until Update
// is first called.
func New(path string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		path:   path,
		logger: logger,
		plans:  make(map[string]*Entry),
	}
}

// Path returns the library's directory.
func (l *Library) Path() string { return l.path }

// Update rereads the directory if its mtime changed or the 60s revisit
// window elapsed (unless force is set), and returns whether anything
// changed.
func (l *Library) Update(now time.Time, force bool) (bool, error) {
	st, err := os.Stat(l.path)
	if err != nil {
		return false, err
	}
	if !st.IsDir() {
		return false, &os.PathError{Op: "update", Path: l.path, Err: os.ErrInvalid}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && st.ModTime().Equal(l.dirMtime) && now.Before(l.nextPlansCheck) {
		return false, nil
	}

	changed, err := l.rescan(now)
	if err != nil {
		return changed, err
	}

	l.dirMtime = st.ModTime()
	l.nextPlansCheck = now.Add(60 * time.Second)
	return changed, nil
}

func (l *Library) rescan(now time.Time) (bool, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return false, err
	}

	l.generation++
	changed := false

	for _, de := range entries {
		name := de.Name()
		if !validPlanName.MatchString(name) {
			continue
		}
		entry, ok := l.plans[name]
		if !ok {
			entry = &Entry{}
			l.plans[name] = entry
			changed = true
		}
		if l.refreshEntry(name, entry, now) {
			changed = true
		}
		entry.generation = l.generation
	}

	for name, entry := range l.plans {
		if entry.generation != l.generation {
			l.logger.Warn("removed plan", "plan", name)
			delete(l.plans, name)
			l.nextNamesCheck = time.Time{}
			changed = true
		}
	}

	return changed, nil
}

// refreshEntry reloads one plan file if its mtime changed, applying
// the cooldown policy.
func (l *Library) refreshEntry(name string, entry *Entry, now time.Time) bool {
	full := filepath.Join(l.path, name)
	st, err := os.Stat(full)
	if err != nil || !st.Mode().IsRegular() {
		if entry.Plan != nil || !entry.DisabledUntil.IsZero() {
			entry.Plan = nil
			entry.disable(now, missingFileCooldown)
			return true
		}
		entry.disable(now, missingFileCooldown)
		return false
	}

	if entry.Plan != nil && st.ModTime().Equal(entry.Mtime) {
		return false
	}

	p, err := planfile.Load(full)
	if err != nil {
		l.logger.Warn("failed to load plan", "plan", name, "error", err)
		entry.Plan = nil
		entry.disable(now, parseFailureCooldown)
		return true
	}

	p.Name = name
	entry.Plan = p
	entry.Mtime = st.ModTime()
	entry.Deinstalled = false
	entry.DisabledUntil = time.Time{}
	return true
}

// Get returns the named plan, or an error if it is absent or disabled.
func (l *Library) Get(name string, now time.Time) (*domain.Plan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.plans[name]
	if !ok || entry.Plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	if entry.Deinstalled || entry.IsDisabled(now) {
		return nil, domain.ErrPlanDisabled
	}
	return entry.Plan, nil
}

// MarkInvalid marks name as deinstalled after a runtime validation
// failure (e.g. executable missing on disk at spawn time); the entry
// also gets the short cooldown unless the error is ENOENT.
func (l *Library) MarkInvalid(name string, now time.Time, isNotExist bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.plans[name]
	if !ok {
		return
	}
	entry.Deinstalled = true
	if !isNotExist {
		entry.disable(now, missingFileCooldown)
	}
}

// VisitAvailable calls f for every entry that is neither deinstalled nor
// currently disabled.
func (l *Library) VisitAvailable(now time.Time, f func(name string, plan *domain.Plan)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, entry := range l.plans {
		if entry.Plan == nil || entry.Deinstalled || entry.IsDisabled(now) {
			continue
		}
		f(name, entry.Plan)
	}
}

// PlanNames returns the cached Postgres-array-encoded list of currently
// available plan names, refreshing it at most once every 60s.
func (l *Library) PlanNames(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.namesCache != "" && now.Before(l.nextNamesCheck) {
		return l.namesCache
	}

	var names []string
	for name, entry := range l.plans {
		if entry.Plan != nil && !entry.Deinstalled && !entry.IsDisabled(now) {
			names = append(names, name)
		}
	}
	l.namesCache = pgarray.Encode(names)
	l.nextNamesCheck = now.Add(60 * time.Second)
	return l.namesCache
}
