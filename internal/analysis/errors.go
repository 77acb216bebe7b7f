package analysis

import "errors"

// Sentinel errors raised by a single aggregation pass. Callers match with
// errors.Is; bulk passes isolate them per task so one bad task cannot abort
// its siblings.
var (
	// ErrConfiguration means no matching rules could be resolved for the
	// task's template.
	ErrConfiguration = errors.New("no matching template rules")

	// ErrInsufficientData means the task has no submitted answers at all.
	// Analysing an answer-less task is a caller error.
	ErrInsufficientData = errors.New("no task runs to analyse")

	// ErrMalformedTarget means a region selector or task target could not be
	// parsed. The pass aborts rather than guess.
	ErrMalformedTarget = errors.New("malformed target")

	// ErrResultConflict means a concurrent pass updated the same result
	// between our read and write.
	ErrResultConflict = errors.New("result modified concurrently")
)
