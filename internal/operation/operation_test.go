package operation

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
)

func TestAllocateIDIsMonotonicAndUnique(t *testing.T) {
	r := NewRegistry("/")
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		id := r.AllocateID()
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
}

func TestStartRunsToDone(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()
	done := make(chan struct{})

	start := r.Start(NameBackup, id, context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	})
	assert.Equal(t, id, start.OpID)
	assert.Equal(t, "/backup/"+strconv.Itoa(id), start.StatusURL)

	<-done
	op, err := r.Get(id, NameBackup)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return op.status() == StatusDone }, time.Second, time.Millisecond)
}

func TestStartRecordsFailure(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()
	wantErr := errors.New("boom")

	r.Start(NameRestore, id, context.Background(), func(ctx context.Context) error {
		return wantErr
	})

	op, err := r.Get(id, NameRestore)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return op.status() == StatusFailed }, time.Second, time.Millisecond)
	assert.Equal(t, wantErr.Error(), op.lastError())
}

func TestStartRecordsCancelled(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()

	r.Start(NameBackup, id, context.Background(), func(ctx context.Context) error {
		return coordinatorerr.Cancelled
	})

	op, err := r.Get(id, NameBackup)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return op.status() == StatusCancelled }, time.Second, time.Millisecond)
}

func TestStartRecoversPanic(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()

	r.Start(NameBackup, id, context.Background(), func(ctx context.Context) error {
		panic("nope")
	})

	op, err := r.Get(id, NameBackup)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return op.status() == StatusFailed }, time.Second, time.Millisecond)
	assert.Contains(t, op.lastError(), "panic in operation task")
}

func TestGetUnknownOp(t *testing.T) {
	r := NewRegistry("/")
	_, err := r.Get(999, NameBackup)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestGetNameMismatchIsUnknownOp(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()
	r.Start(NameBackup, id, context.Background(), func(ctx context.Context) error { return nil })

	_, err := r.Get(id, NameRestore)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestStatusOfOnlyCarriesProgressForBackupAndRestore(t *testing.T) {
	r := NewRegistry("/")

	lockID := r.AllocateID()
	r.Start(NameLock, lockID, context.Background(), func(ctx context.Context) error { return nil })
	lockOp, err := r.Get(lockID, NameLock)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return lockOp.status() == StatusDone }, time.Second, time.Millisecond)
	assert.Nil(t, r.StatusOf(lockOp).Progress)

	backupID := r.AllocateID()
	block := make(chan struct{})
	r.Start(NameBackup, backupID, context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	backupOp, err := r.Get(backupID, NameBackup)
	require.NoError(t, err)
	backupOp.SetProgressSource(&fakeProgress{handled: 3, total: 10})
	assert.Eventually(t, func() bool { return r.StatusOf(backupOp).Progress != nil }, time.Second, time.Millisecond)

	info := r.StatusOf(backupOp)
	require.NotNil(t, info.Progress)
	assert.Equal(t, 3, info.Progress.Handled)
	assert.Equal(t, 10, info.Progress.Total)
	close(block)
}

func TestCancelInvokesTaskContext(t *testing.T) {
	r := NewRegistry("/")
	id := r.AllocateID()
	cancelled := make(chan struct{})

	r.Start(NameRestore, id, context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	op, err := r.Get(id, NameRestore)
	require.NoError(t, err)
	op.Cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel did not propagate to task context")
	}
}

type fakeProgress struct {
	mu      sync.Mutex
	handled int
	total   int
}

func (f *fakeProgress) ProgressSnapshot() (handled, total, failed int, final, failedFinal bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handled, f.total, 0, false, false
}

