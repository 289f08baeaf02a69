package trialstate

import "errors"

var (
	// ErrCorruptState is returned when persisted experiment files are
	// unreadable or inconsistent. It is never repaired automatically.
	ErrCorruptState = errors.New("corrupt experiment state")

	// ErrNoCurrentExperiment is returned by Resume when no resumption
	// pointer exists.
	ErrNoCurrentExperiment = errors.New("no current experiment")

	// ErrExperimentNotFound is returned when an experiment directory has no
	// experiment.json.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrTrialNotFound is returned for an unknown trial ID.
	ErrTrialNotFound = errors.New("trial not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the trial's current state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidSelection is returned by Create and AddModels for empty or
	// duplicate selections.
	ErrInvalidSelection = errors.New("invalid selection")
)

// IsCorrupt reports whether err indicates corrupt persisted state.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptState)
}

// IsInvalidTransition reports whether err is a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
