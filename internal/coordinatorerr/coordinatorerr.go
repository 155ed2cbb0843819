// Package coordinatorerr defines the error "kinds" shared across the
// coordinator engine (spec.md section 7, ERROR HANDLING DESIGN). Every
// other internal package wraps its failures in one of these sentinels
// with errors.Is/errors.As so the orchestrator can classify a failure
// without depending on the package that produced it.
package coordinatorerr

import "errors"

// Kind-level sentinels. Use errors.Is(err, coordinatorerr.Transient)
// etc. to classify a wrapped error.
var (
	// Configuration errors are a structural mismatch between the
	// coordinator and the backup (node count, AZ count). Fatal for the
	// current operation.
	Configuration = errors.New("configuration error")

	// Transient errors are network/remote hiccups absorbed by retry
	// policies; exceeding a retry budget promotes them to op-failed.
	Transient = errors.New("transient error")

	// LockLost is raised when a relock sees a failure outcome. Fatal
	// for the operation; it aborts and releases.
	LockLost = errors.New("lock lost")

	// StepFailed is raised by a step that cannot proceed. Fatal for
	// the pipeline; recorded as the operation's failure cause.
	StepFailed = errors.New("step failed")

	// Cancelled marks an externally cancelled operation; never retried.
	Cancelled = errors.New("cancelled")

	// ProgrammingError marks an invariant violation (e.g. a duplicate
	// write into a StepsContext slot).
	ProgrammingError = errors.New("programming error")

	// Unsupported marks a feature a plugin declines to implement,
	// surfaced verbatim rather than silently degraded (spec.md design
	// note iii).
	Unsupported = errors.New("unsupported")
)
