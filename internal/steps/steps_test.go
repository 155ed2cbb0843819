package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
)

type recordingStep struct {
	name string
	fn   func(ctx context.Context, sc *Context) error
}

func (s *recordingStep) Name() string { return s.name }
func (s *recordingStep) Run(ctx context.Context, sc *Context) error {
	return s.fn(ctx, sc)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var ran []string
	pipeline := []Step{
		&recordingStep{name: "a", fn: func(ctx context.Context, sc *Context) error {
			ran = append(ran, "a")
			return nil
		}},
		&recordingStep{name: "b", fn: func(ctx context.Context, sc *Context) error {
			ran = append(ran, "b")
			return coordinatorerr.Transient
		}},
		&recordingStep{name: "c", fn: func(ctx context.Context, sc *Context) error {
			ran = append(ran, "c")
			return nil
		}},
	}

	err := Run(context.Background(), NewContext(1, time.Now()), pipeline)
	require.Error(t, err)
	assert.True(t, errors.Is(err, coordinatorerr.Transient))
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestSetAndGetResult(t *testing.T) {
	sc := NewContext(1, time.Now())
	SetResult(sc, "numbers", []int{1, 2, 3})
	assert.Equal(t, []int{1, 2, 3}, GetResult[[]int](sc, "numbers"))
}

func TestSetResultTwicePanics(t *testing.T) {
	sc := NewContext(1, time.Now())
	SetResult(sc, "once", 1)
	assert.Panics(t, func() { SetResult(sc, "once", 2) })
}

func TestBackupNameIsLexicographicallyOrdered(t *testing.T) {
	earlier := NewContext(1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	later := NewContext(1, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	assert.Less(t, earlier.BackupName(), later.BackupName())
	assert.True(t, len(earlier.BackupName()) > len(BackupNamePrefix()))
}
