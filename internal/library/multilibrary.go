package library

import (
	"log/slog"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/pgarray"
)

// MultiLibrary holds an ordered list of Library directories. The first
// directory that has a plan of a given name wins (most specific
// directory first).
type MultiLibrary struct {
	libraries []*Library
}

// NewMulti builds a MultiLibrary over the given directories, in search
// order.
func NewMulti(paths []string, logger *slog.Logger) *MultiLibrary {
	m := &MultiLibrary{}
	for _, p := range paths {
		m.libraries = append(m.libraries, New(p, logger))
	}
	return m
}

// Update refreshes every directory, returning whether any of them
// changed.
func (m *MultiLibrary) Update(now time.Time, force bool) (bool, error) {
	changed := false
	for _, l := range m.libraries {
		c, err := l.Update(now, force)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// Get searches the libraries in order and returns the first match.
func (m *MultiLibrary) Get(name string, now time.Time) (*domain.Plan, error) {
	var firstErr error
	for _, l := range m.libraries {
		p, err := l.Get(name, now)
		if err == nil {
			return p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = domain.ErrPlanNotFound
	}
	return nil, firstErr
}

// MarkInvalid forwards to whichever library currently serves name.
func (m *MultiLibrary) MarkInvalid(name string, now time.Time, isNotExist bool) {
	for _, l := range m.libraries {
		if _, err := l.Get(name, now); err == nil {
			l.MarkInvalid(name, now, isNotExist)
			return
		}
	}
}

// VisitAvailable visits every available plan across all directories,
// skipping names already seen in an earlier (higher-priority) directory.
func (m *MultiLibrary) VisitAvailable(now time.Time, f func(name string, plan *domain.Plan)) {
	seen := make(map[string]bool)
	for _, l := range m.libraries {
		l.VisitAvailable(now, func(name string, plan *domain.Plan) {
			if seen[name] {
				return
			}
			seen[name] = true
			f(name, plan)
		})
	}
}

// PlanNames returns the union of all available plan names across every
// directory, encoded as a Postgres array literal.
func (m *MultiLibrary) PlanNames(now time.Time) string {
	var names []string
	m.VisitAvailable(now, func(name string, _ *domain.Plan) {
		names = append(names, name)
	})
	return pgarray.Encode(names)
}
