// Package steps provides the sequential pipeline framework every
// backup and restore runs on: a context that carries one result per
// step and a runner that stops at the first failing step.
//
// Grounded on astacus/coordinator/plugins/base.py's Step/StepsContext,
// translated from a class-keyed dict (Dict[Type[Step], Any]) into a
// string-keyed one since Go has no runtime class-identity equivalent;
// each slot is still written at most once, enforced the same way.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
)

// backupNamePrefix mirrors astacus.common.magic.JSON_BACKUP_PREFIX:
// every backup manifest is named with this prefix followed by an
// ISO-8601, second-precision timestamp, so lexicographic name order
// matches chronological order.
const backupNamePrefix = "backup-"

// Context is threaded through every step of one operation attempt. A
// step writes its result into its own named slot at most once;
// attempting to overwrite a slot is a programming error, not a runtime
// condition a step should ever hit in production.
type Context struct {
	Attempt      int
	AttemptStart time.Time

	results map[string]interface{}
}

// NewContext starts a fresh StepsContext for attempt number attempt.
func NewContext(attempt int, attemptStart time.Time) *Context {
	return &Context{
		Attempt:      attempt,
		AttemptStart: attemptStart,
		results:      make(map[string]interface{}),
	}
}

// BackupName derives this attempt's backup manifest name from its
// start time, prefixed the same way every stored manifest is.
func (c *Context) BackupName() string {
	return backupNamePrefix + c.AttemptStart.UTC().Format("2006-01-02T15:04:05")
}

// BackupNamePrefix exposes the naming prefix for callers that need to
// recognize or strip it (e.g. resolving a bare backup name from a
// restore request).
func BackupNamePrefix() string { return backupNamePrefix }

// SetResult records step's output under its own key. Panics with a
// wrapped coordinatorerr.ProgrammingError if called twice for the same
// key, mirroring StepsContext.set_result's RuntimeError.
func SetResult[T any](c *Context, key string, value T) {
	if _, exists := c.results[key]; exists {
		panic(fmt.Errorf("%w: result already set for step %q", coordinatorerr.ProgrammingError, key))
	}
	c.results[key] = value
}

// GetResult retrieves a prior step's output by key, type-asserting it
// to T. Panics if the key is missing or holds the wrong type — a step
// that depends on another's output via the wrong key is a pipeline
// wiring bug, not a recoverable condition.
func GetResult[T any](c *Context, key string) T {
	raw, ok := c.results[key]
	if !ok {
		panic(fmt.Errorf("%w: no result set for step %q", coordinatorerr.ProgrammingError, key))
	}
	v, ok := raw.(T)
	if !ok {
		panic(fmt.Errorf("%w: result for step %q has wrong type", coordinatorerr.ProgrammingError, key))
	}
	return v
}

// Step is one stage of a backup or restore pipeline. Name labels the
// step in the errors Run returns; Run performs the work, writing its
// result into ctx itself (via SetResult, under a slot key of its own)
// if later steps depend on it.
type Step interface {
	Name() string
	Run(ctx context.Context, stepsCtx *Context) error
}

// Run executes steps in order, stopping at the first one that returns
// an error. Matches the original's plain sequential await loop: there
// is no parallelism between steps, only within a step's own fan-out.
//
// A step's error is returned wrapped with its name but otherwise
// unchanged, so the orchestrator's attempt loop can still classify it
// with errors.Is(err, coordinatorerr.Transient) and retry; any error
// that does not wrap coordinatorerr.Transient (StepFailed,
// Configuration, and so on) is not retried.
func Run(ctx context.Context, stepsCtx *Context, pipeline []Step) error {
	for _, step := range pipeline {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", step.Name(), coordinatorerr.Cancelled)
		}
		if err := step.Run(ctx, stepsCtx); err != nil {
			return fmt.Errorf("step %q: %w", step.Name(), err)
		}
	}
	return nil
}
