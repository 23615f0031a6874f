package domain

import "errors"

var (
	// ErrJobNotFound is returned when a workshop job id has no matching row.
	ErrJobNotFound = errors.New("workshop: job not found")

	// ErrLostRace is returned by a claim attempt that affected zero rows
	// because another node claimed the row first. Callers treat this as
	// a normal, silent outcome, never as a failure.
	ErrLostRace = errors.New("workshop: lost race to claim row")

	// ErrPlanNotFound is returned when a plan name has no library entry.
	ErrPlanNotFound = errors.New("workshop: plan not found")

	// ErrPlanDisabled is returned when a plan entry exists but is
	// currently cooling down after a load or validation failure.
	ErrPlanDisabled = errors.New("workshop: plan is disabled")

	// ErrInvalidPlan is returned by the plan file parser.
	ErrInvalidPlan = errors.New("workshop: invalid plan file")

	// ErrInvalidSchedule is returned by the crontab parser.
	ErrInvalidSchedule = errors.New("workshop: invalid schedule")

	// ErrControlAuth is returned when a control datagram arrives from a
	// peer whose UID is neither 0 nor the daemon's own effective UID.
	ErrControlAuth = errors.New("workshop: control peer not authorized")

	// ErrControlProtocol is returned for malformed control datagram framing.
	ErrControlProtocol = errors.New("workshop: control protocol error")

	// ErrRateLimited is returned by the rate limiter gate.
	ErrRateLimited = errors.New("workshop: plan is rate limited")

	// ErrWorkplaceFull is returned when the concurrency budget is exhausted.
	ErrWorkplaceFull = errors.New("workshop: workplace is full")
)
