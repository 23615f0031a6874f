package cronqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cm4all-oss/workshopd/internal/cronschedule"
	"github.com/cm4all-oss/workshopd/internal/domain"
)

// CachingScheduleParser parses a CronJob's Schedule/TZ pair once per
// distinct (schedule, tz) combination, mirroring internal/library's
// reload-on-change caching so a scheduler tick over a thousand rows
// doesn't reparse the same handful of crontab strings every time.
type CachingScheduleParser struct {
	mu    sync.Mutex
	cache map[string]*cronschedule.Schedule
}

// NewCachingScheduleParser returns an empty parser cache.
func NewCachingScheduleParser() *CachingScheduleParser {
	return &CachingScheduleParser{cache: make(map[string]*cronschedule.Schedule)}
}

// Parse implements cronqueue.ScheduleParser.
func (p *CachingScheduleParser) Parse(job *domain.CronJob) (*cronschedule.Schedule, error) {
	key := job.Schedule + "\x00" + job.TZ

	p.mu.Lock()
	if sched, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return sched, nil
	}
	p.mu.Unlock()

	loc := time.UTC
	if job.TZ != "" {
		l, err := time.LoadLocation(job.TZ)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.TZ, err)
		}
		loc = l
	}

	sched, err := cronschedule.Parse(job.Schedule, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidSchedule, err)
	}

	p.mu.Lock()
	p.cache[key] = sched
	p.mu.Unlock()
	return sched, nil
}
