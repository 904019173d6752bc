package investigation

import "errors"

// Failure taxonomy. Callers branch with errors.Is; everything the
// orchestrator returns wraps one of these.
var (
	// ErrClassificationDegraded marks a router verdict produced without
	// semantic context. Never fatal; surfaced as a report flag.
	ErrClassificationDegraded = errors.New("classification degraded")

	// ErrWorkerFailure marks a single worker evaluation that errored or
	// panicked. Contained at task level; never fails an investigation.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrStageExhausted marks a stage whose policy was not satisfiable
	// even after reflection.
	ErrStageExhausted = errors.New("stage exhausted")

	// ErrPlanningExhausted marks planning that could not produce a single
	// viable stage. The only pre-dispatch path to a failed investigation.
	ErrPlanningExhausted = errors.New("planning exhausted")

	// ErrPersistence marks a final save that kept failing after the retry
	// budget. The only post-dispatch path to a failed investigation.
	ErrPersistence = errors.New("persistence failure")

	ErrNotFound        = errors.New("investigation not found")
	ErrAlreadyFinished = errors.New("investigation already finished")
)
