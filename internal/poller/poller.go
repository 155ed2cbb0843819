// Package poller waits for a set of node-side operations to finish by
// repeatedly polling their status URLs with exponential backoff,
// merging progress as results arrive and bailing out on the first sign
// of real trouble rather than waiting out the full duration.
//
// Grounded on astacus/coordinator/cluster.py's Cluster.wait_successful_results
// and its exponential_backoff/AsyncSleeper helpers from astacus/common/utils.py.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RommelLayco/astacus/internal/config"
	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/logging"
	"github.com/RommelLayco/astacus/internal/metrics"
)

// Sentinel errors naming the poller's failure conditions (spec.md 4.D).
var (
	ErrIncorrectStartResult = errors.New("incorrect_start_result")
	ErrIncorrectCount       = errors.New("incorrect_count")
	ErrTooManyFailures      = errors.New("too_many_failures")
	ErrTimedOut             = errors.New("timed_out")
	ErrNodeReportedFailure  = errors.New("node_reported_failure")
)

// StartResult is the subset of operation.StartResult the poller needs;
// defined locally to avoid an import cycle with internal/operation.
type StartResult struct {
	OpID      int
	StatusURL string
}

// Sleeper lets an external waker cut a backoff sleep short, mirroring
// AsyncSleeper/subresult_sleeper: a PUT to the sub-result endpoint
// sends on Wake so the poller immediately rechecks every slot instead
// of waiting out its current delay.
type Sleeper struct {
	wake chan struct{}
}

// NewSleeper creates a Sleeper ready to be passed to Wait.
func NewSleeper() *Sleeper {
	return &Sleeper{wake: make(chan struct{}, 1)}
}

// Wake signals a waiting poller to recheck immediately. Non-blocking;
// a pending wake is coalesced if the poller hasn't consumed it yet.
func (s *Sleeper) Wake() {
	if s == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sleeper) sleep(ctx context.Context, d time.Duration) error {
	if s == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	case <-s.wake:
		return nil
	}
}

// Poller waits for a set of start results to complete, per-slot,
// merging progress as it goes.
type Poller struct {
	cfg        config.PollConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// New creates a Poller using cfg's backoff/timeout tunables.
func New(cfg config.PollConfig, m *metrics.Metrics) *Poller {
	return &Poller{
		cfg:        cfg,
		httpClient: &http.Client{},
		metrics:    m,
	}
}

// ProgressHandler is invoked with the merged progress of every slot
// decoded so far, each time a new result arrives.
type ProgressHandler func(ipc.Progress)

// Wait polls every start result's StatusURL until each reports a final
// progress, applying exponential backoff between rounds and honoring
// requiredSuccesses/sleeper/onProgress as optional refinements. Returns
// one decoded ipc.SnapshotResult per slot, in the same order as starts.
func (p *Poller) Wait(ctx context.Context, starts []StartResult, requiredSuccesses *int, sleeper *Sleeper, onProgress ProgressHandler) ([]ipc.SnapshotResult, error) {
	log := logging.WithComponent("poller")

	for i, s := range starts {
		if s.StatusURL == "" {
			return nil, fmt.Errorf("%w: slot #%d/%d", ErrIncorrectStartResult, i+1, len(starts))
		}
	}
	if requiredSuccesses != nil && len(starts) != *requiredSuccesses {
		return nil, fmt.Errorf("%w: %d vs %d", ErrIncorrectCount, len(starts), *requiredSuccesses)
	}

	results := make([]*ipc.SnapshotResult, len(starts))
	failures := make([]int, len(starts))

	delay := p.cfg.DelayStart
	start := time.Now()
	deadline := start.Add(time.Duration(p.cfg.Duration * float64(time.Second)))
	outcome := "ok"
	defer func() {
		if p.metrics != nil {
			p.metrics.PollWaitSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}()

	for {
		if time.Now().After(deadline) {
			outcome = "timed_out"
			return nil, ErrTimedOut
		}

		for i, s := range starts {
			if results[i] != nil && results[i].Progress.Final {
				continue
			}
			result, err := p.pollOnce(ctx, s.StatusURL)
			if err != nil {
				failures[i]++
				log.Debug().Str("status_url", s.StatusURL).Int("failures", failures[i]).Err(err).Msg("poll attempt failed")
				if failures[i] >= p.cfg.MaximumFailures {
					outcome = "too_many_failures"
					return nil, fmt.Errorf("%w: slot #%d after %d attempts", ErrTooManyFailures, i+1, failures[i])
				}
				continue
			}
			failures[i] = 0
			results[i] = result

			if onProgress != nil {
				onProgress(mergeDecoded(results))
			}
			if result.Progress.FinishedFailed {
				outcome = "node_reported_failure"
				return nil, fmt.Errorf("%w: slot #%d", ErrNodeReportedFailure, i+1)
			}
		}

		if allFinal(results) {
			break
		}

		if err := sleeper.sleep(ctx, time.Duration(delay*float64(time.Second))); err != nil {
			outcome = "cancelled"
			return nil, fmt.Errorf("%w: %v", coordinatorerr.Cancelled, err)
		}
		delay *= p.cfg.DelayMultiplier
		if delay > p.cfg.DelayMax {
			delay = p.cfg.DelayMax
		}
	}

	out := make([]ipc.SnapshotResult, len(results))
	for i, r := range results {
		out[i] = *r
	}
	return out, nil
}

func allFinal(results []*ipc.SnapshotResult) bool {
	for _, r := range results {
		if r == nil || !r.Progress.Final {
			return false
		}
	}
	return true
}

func mergeDecoded(results []*ipc.SnapshotResult) ipc.Progress {
	progresses := make([]ipc.Progress, 0, len(results))
	for _, r := range results {
		if r != nil {
			progresses = append(progresses, r.Progress)
		}
	}
	return ipc.MergeProgress(progresses)
}

func (p *Poller) pollOnce(ctx context.Context, statusURL string) (*ipc.SnapshotResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ResultTimeout*float64(time.Second)))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build poll request: %v", coordinatorerr.Transient, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll %s: %v", coordinatorerr.Transient, statusURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s replied %d: %s", coordinatorerr.Transient, statusURL, resp.StatusCode, string(data))
	}
	var result ipc.SnapshotResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode poll result from %s: %v", coordinatorerr.Transient, statusURL, err)
	}
	return &result, nil
}
