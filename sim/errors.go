package sim

import "errors"

// Sentinel errors returned by the kernel. Callers match them with errors.Is;
// the kernel always wraps them with the offending name or time.
var (
	// ErrInvalidTime is returned when an event is scheduled before the current
	// simulation time, or when a run horizon lies in the past.
	ErrInvalidTime = errors.New("invalid simulation time")

	// ErrResourceSaturated reports a seize that found neither a free server
	// nor room in the queue. Arrivals never see it as an error: it turns into
	// a rejection.
	ErrResourceSaturated = errors.New("resource saturated")

	// ErrUnknownResource is returned for a resource name that was never added.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnknownSignal is returned for a signal name that was never declared.
	ErrUnknownSignal = errors.New("unknown signal")

	// ErrUnknownSource is returned for a source name that was never added.
	ErrUnknownSource = errors.New("unknown source")

	// ErrInvalidTrajectory is returned by trajectory construction.
	ErrInvalidTrajectory = errors.New("invalid trajectory")

	// ErrInvalidArgument covers bad parameters and bad callable results
	// (negative durations, out-of-range branch options, over-release).
	ErrInvalidArgument = errors.New("invalid argument")
)
