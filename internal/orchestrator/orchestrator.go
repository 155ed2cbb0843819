// Package orchestrator ties the cluster lock protocol and the steps
// pipeline together into the lifecycle of one backup, restore,
// cleanup, lock, or unlock operation: acquire the
// cluster lock, keep it refreshed for as long as the operation runs,
// retry transient pipeline failures up to a configured attempt budget,
// and release the lock (best-effort) on the way out.
//
// Grounded on astacus/coordinator/api.py's acquire_cluster_lock and the
// backup/restore/cleanup handlers (spec.md 4.F); the refresher
// goroutine's ticker/cancel/WaitGroup shape is adapted from
// johnjansen-torua/internal/coordinator/health_monitor.go's
// Start/Stop pattern, restructured around relock semantics instead of
// a plain health-check GET.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RommelLayco/astacus/internal/cluster"
	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/logging"
	"github.com/RommelLayco/astacus/internal/manifest"
	"github.com/RommelLayco/astacus/internal/steps"
)

// Orchestrator owns the lifecycle shared by every long-running
// coordinator operation: lock acquisition and refresh, attempt retry,
// and lock release.
type Orchestrator struct {
	Cluster      *cluster.Cluster
	LockTTL      int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// New builds an Orchestrator over cluster with the given lock TTL
// (seconds), maximum pipeline attempts, and inter-attempt backoff.
func New(c *cluster.Cluster, lockTTL, maxAttempts int, retryBackoff time.Duration) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{Cluster: c, LockTTL: lockTTL, MaxAttempts: maxAttempts, RetryBackoff: retryBackoff}
}

// Lock performs a one-shot cluster lock acquisition for the explicit
// POST /lock operation. Unlike RunWithLock, no refresher is started:
// the lock is held until the client calls /unlock or its TTL expires
// (spec.md section 6).
func (o *Orchestrator) Lock(ctx context.Context, locker string, ttl int) error {
	result := o.Cluster.RequestLock(ctx, locker, ttl)
	if result != cluster.LockOK {
		return fmt.Errorf("%w: lock result %v", coordinatorerr.LockLost, result)
	}
	return nil
}

// Unlock releases a previously acquired cluster lock for the explicit
// POST /unlock operation.
func (o *Orchestrator) Unlock(ctx context.Context, locker string) error {
	result := o.Cluster.RequestUnlock(ctx, locker)
	if result != cluster.LockOK {
		return fmt.Errorf("%w: unlock result %v", coordinatorerr.LockLost, result)
	}
	return nil
}

// RunWithLock acquires a fresh cluster lock, starts its background
// refresher, runs fn under it, and always releases the lock
// (best-effort) before returning. If the refresher ever observes a
// relock failure, fn's context is cancelled and the operation fails
// with coordinatorerr.LockLost even if fn itself was about to succeed
// (spec.md 4.C: "a node that returns failure for relock causes the
// whole operation to fail").
func (o *Orchestrator) RunWithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	locker := cluster.NewLockerToken()
	log := logging.WithLocker(logging.WithComponent("orchestrator"), locker)

	lockResult := o.Cluster.RequestLock(ctx, locker, o.LockTTL)
	if lockResult != cluster.LockOK {
		return fmt.Errorf("%w: acquire cluster lock: result %v", coordinatorerr.LockLost, lockResult)
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	// lockLost is closed exactly once, by the refresher, the moment a
	// relock fails. Closing (rather than sending) lets every reader —
	// the run-cancelling watcher below and the final status check —
	// observe the loss independently instead of racing to drain a
	// single value off the channel.
	lockLost := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go o.refreshLock(refreshCtx, &wg, locker, lockLost)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-lockLost:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	err := fn(runCtx)

	stopRefresh()
	wg.Wait()

	unlockCtx, cancelUnlock := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelUnlock()
	if result := o.Cluster.RequestUnlock(unlockCtx, locker); result != cluster.LockOK {
		log.Warn().Str("result", result.String()).Msg("best-effort unlock did not succeed; relying on TTL expiry")
	}

	// A lost lock is the authoritative cause of failure even if fn's
	// own error is just the side effect of its context being cancelled
	// out from under it (spec.md 4.C: losing the lock is fatal for the
	// operation regardless of what fn was doing at the time).
	select {
	case <-lockLost:
		return fmt.Errorf("%w: lock lost during operation: %v", coordinatorerr.LockLost, err)
	default:
	}
	return err
}

// refreshLock relocks every ttl/2 seconds until ctx is cancelled. A
// relock that resolves to LockFailure is fatal: it closes lockLost
// once and stops, mirroring "a node that returns failure for relock
// causes the whole operation to fail and transition to failed"
// (spec.md 4.C). A relock that resolves to LockException is retried
// at the next tick without signaling anything.
func (o *Orchestrator) refreshLock(ctx context.Context, wg *sync.WaitGroup, locker string, lockLost chan struct{}) {
	defer wg.Done()
	log := logging.WithLocker(logging.WithComponent("lock-refresher"), locker)

	interval := time.Duration(o.LockTTL) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := o.Cluster.RequestRelock(ctx, locker, o.LockTTL)
			switch result {
			case cluster.LockFailure:
				log.Error().Msg("relock failed, lock is lost")
				close(lockLost)
				return
			case cluster.LockException:
				log.Warn().Msg("relock exception, will retry next tick")
			case cluster.LockOK:
			}
		}
	}
}

// RunAttempts runs pipeline through up to MaxAttempts fresh
// StepsContexts, retrying after RetryBackoff whenever an attempt fails
// with a transient error and attempts remain (spec.md 4.F). Any other
// failure, or exhausting the attempt budget, returns that attempt's
// error.
func (o *Orchestrator) RunAttempts(ctx context.Context, pipeline []steps.Step) (*steps.Context, error) {
	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		sc := steps.NewContext(attempt, time.Now().UTC())
		err := steps.Run(ctx, sc, pipeline)
		if err == nil {
			return sc, nil
		}
		lastErr = err

		retryable := errors.Is(err, coordinatorerr.Transient) && !errors.Is(err, coordinatorerr.Cancelled)
		if !retryable || attempt == o.MaxAttempts {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", coordinatorerr.Cancelled, ctx.Err())
		case <-time.After(o.RetryBackoff):
		}
	}
	return nil, lastErr
}

// Backup runs pipeline under a freshly acquired cluster lock, retrying
// transient failures per the attempt budget, and returns the name of
// the backup manifest written by the attempt that succeeded. pipeline
// is built once (it does not vary across attempts); only the
// StepsContext is recreated per attempt.
func (o *Orchestrator) Backup(ctx context.Context, pipeline []steps.Step) (string, error) {
	var backupName string
	err := o.RunWithLock(ctx, func(ctx context.Context) error {
		sc, err := o.RunAttempts(ctx, pipeline)
		if err != nil {
			return err
		}
		backupName = sc.BackupName()
		return nil
	})
	return backupName, err
}

// Restore runs pipeline under a freshly acquired cluster lock, with
// the same attempt/retry semantics as Backup.
func (o *Orchestrator) Restore(ctx context.Context, pipeline []steps.Step) error {
	return o.RunWithLock(ctx, func(ctx context.Context) error {
		_, err := o.RunAttempts(ctx, pipeline)
		return err
	})
}

// Cleanup prunes backup manifests beyond retentionCount, keeping the
// lexicographically (== chronologically) newest ones, under a freshly
// acquired cluster lock. retentionCount <= 0 means "keep everything".
func (o *Orchestrator) Cleanup(ctx context.Context, storage manifest.JSONStorage, retentionCount int) error {
	return o.RunWithLock(ctx, func(ctx context.Context) error {
		names, err := storage.ListJSONs(ctx)
		if err != nil {
			return fmt.Errorf("%w: list backups for cleanup: %v", coordinatorerr.Transient, err)
		}
		if retentionCount <= 0 || len(names) <= retentionCount {
			return nil
		}
		sort.Strings(names)
		stale := names[:len(names)-retentionCount]
		for _, name := range stale {
			if err := storage.DeleteJSON(ctx, name); err != nil {
				return fmt.Errorf("%w: delete backup %s: %v", coordinatorerr.Transient, name, err)
			}
		}
		return nil
	})
}
