// Package operation implements the coordinator's operation registry
// (spec.md 4.A): monotonic id allocation, status tracking, and the
// task-boundary recovery that keeps a failing operation from crashing
// the coordinator process.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/logging"
)

// Status is an operation's lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Name identifies which kind of operation a record represents.
type Name string

const (
	NameBackup  Name = "backup"
	NameRestore Name = "restore"
	NameCleanup Name = "cleanup"
	NameLock    Name = "lock"
	NameUnlock  Name = "unlock"
)

// ErrUnknownOp is returned by Get when no operation matches the given
// id and name (spec.md 4.A).
var ErrUnknownOp = errors.New("unknown_op")

// ProgressSnapshotter is implemented by operations that can report a
// progress snapshot (backup/restore), matching spec.md section 6:
// "progress present iff op is backup/restore".
type ProgressSnapshotter interface {
	ProgressSnapshot() (handled, total, failed int, final, failedFinal bool)
}

// Op is a single registered operation record. Mutated only by the task
// that owns it (spec.md section 3, "Ownership").
type Op struct {
	ID        int
	Name      Name
	Status    Status
	StartTime time.Time
	LastError string

	mu       sync.RWMutex
	progress ProgressSnapshotter

	cancel context.CancelFunc
}

// StartResult is returned to API callers when an operation is started
// (spec.md 4.A, mirroring the original's Op.StartResult).
type StartResult struct {
	OpID      int    `json:"op_id"`
	StatusURL string `json:"status_url"`
}

// StatusInfo is the JSON shape served by GET /{op_name}/{op_id}.
type StatusInfo struct {
	State    Status    `json:"state"`
	Progress *progress `json:"progress,omitempty"`
}

type progress struct {
	Handled        int  `json:"handled"`
	Total          int  `json:"total"`
	Failed         int  `json:"failed"`
	Final          bool `json:"final"`
	FinishedFailed bool `json:"finished_failed"`
}

// SetProgressSource registers the object the registry consults for a
// live progress snapshot. Called once by the coordinator's backup and
// restore handlers, right after Registry.Start has registered the op.
func (o *Op) SetProgressSource(p ProgressSnapshotter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = p
}

func (o *Op) snapshot() *progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.progress == nil {
		return nil
	}
	handled, total, failed, final, failedFinal := o.progress.ProgressSnapshot()
	return &progress{Handled: handled, Total: total, Failed: failed, Final: final, FinishedFailed: failedFinal}
}

func (o *Op) setStatus(s Status) {
	o.mu.Lock()
	o.Status = s
	o.mu.Unlock()
}

func (o *Op) setFailed(err error) {
	o.mu.Lock()
	o.Status = StatusFailed
	o.LastError = err.Error()
	o.mu.Unlock()
}

func (o *Op) status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Status
}

func (o *Op) lastError() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.LastError
}

// Cancel requests cooperative cancellation of the operation's task, per
// spec.md section 5 ("Cancellation: an operation may be cancelled by
// the operation registry").
func (o *Op) Cancel() {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Registry allocates operation ids and tracks their status. A single
// mutex protects id allocation and the operation map (spec.md section 5).
type Registry struct {
	statusURLPrefix string

	mu     sync.Mutex
	nextID int
	ops    map[int]*Op
}

// NewRegistry creates an empty registry. statusURLPrefix is prepended
// to "{op_name}/{op_id}" to build the opaque status_url handed back to
// clients (spec.md 4.A: "Status URLs are opaque strings the client
// polls").
func NewRegistry(statusURLPrefix string) *Registry {
	return &Registry{
		statusURLPrefix: statusURLPrefix,
		ops:             make(map[int]*Op),
	}
}

// AllocateID returns a fresh, monotonically increasing operation id.
// Guaranteed unique within the process for the registry's lifetime
// (spec.md 8, "Id uniqueness").
func (r *Registry) AllocateID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Start registers op under (opName, op.ID), launches fn as a background
// task, and returns the opaque StartResult. fn's panics and errors are
// both captured onto the operation rather than propagating (spec.md
// 4.A: "exceptions do not propagate past the task boundary").
func (r *Registry) Start(opName Name, opID int, ctx context.Context, fn func(ctx context.Context) error) StartResult {
	log := logging.WithComponent("operation-registry")

	op := &Op{ID: opID, Name: opName, Status: StatusStarting, StartTime: time.Now().UTC()}
	taskCtx, cancel := context.WithCancel(ctx)
	op.cancel = cancel

	r.mu.Lock()
	r.ops[opID] = op
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("%w: panic in operation task: %v", coordinatorerr.ProgrammingError, rec)
				op.setFailed(err)
				log.Error().Interface("panic", rec).Int("op_id", opID).Msg("operation task panicked")
			}
		}()

		op.setStatus(StatusRunning)
		err := fn(taskCtx)
		switch {
		case err == nil:
			op.setStatus(StatusDone)
		case errors.Is(err, coordinatorerr.Cancelled):
			op.setStatus(StatusCancelled)
		default:
			op.setFailed(err)
		}
	}()

	return StartResult{OpID: opID, StatusURL: fmt.Sprintf("%s%s/%d", r.statusURLPrefix, opName, opID)}
}

// Get looks up an operation by id, verifying its name matches opName
// (spec.md 4.A: "unknown_op if id not found or name mismatches").
func (r *Registry) Get(opID int, opName Name) (*Op, error) {
	r.mu.Lock()
	op, ok := r.ops[opID]
	r.mu.Unlock()
	if !ok || op.Name != opName {
		return nil, fmt.Errorf("%w: op %d/%s", ErrUnknownOp, opID, opName)
	}
	return op, nil
}

// StatusOf builds the JSON-ready StatusInfo for an operation, including
// a progress snapshot only for backup/restore ops (spec.md section 6).
func (r *Registry) StatusOf(op *Op) StatusInfo {
	info := StatusInfo{State: op.status()}
	if op.Name == NameBackup || op.Name == NameRestore {
		info.Progress = op.snapshot()
	}
	return info
}

// LastError returns the operation's last recorded failure message, if
// any.
func (r *Registry) LastError(op *Op) string {
	return op.lastError()
}
