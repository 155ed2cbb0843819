// Package cluster talks to the node agents that make up a database
// cluster: fanning a request out to every node and gathering the
// results (or exceptions) without letting one node's failure cancel
// its siblings, and running the lock/relock/unlock protocol that gives
// an operation exclusive ownership of the cluster for its duration.
//
// Grounded on astacus/coordinator/cluster.py's Cluster class for the
// gather-with-exceptions and lock-aggregation semantics, and on
// johnjansen-torua/internal/cluster/types.go for the shared http.Client
// plus JSON request/response helper idiom.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RommelLayco/astacus/internal/config"
	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/logging"
	"github.com/RommelLayco/astacus/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// defaultHTTPTimeout bounds a single node call; the poller, not this
// client, owns the long-running wait for a result to materialize.
const defaultHTTPTimeout = 30 * time.Second

// Cluster is the coordinator's view of the database nodes it manages,
// ordered exactly as configured (spec.md section 3: node order is
// significant for placement).
type Cluster struct {
	Nodes      []config.NodeDescriptor
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// New builds a Cluster over the configured nodes.
func New(nodes []config.NodeDescriptor, m *metrics.Metrics) *Cluster {
	return &Cluster{
		Nodes:      nodes,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		metrics:    m,
	}
}

// StartResult is the {op_id, status_url} body a node agent replies with
// when it accepts a long-running request, mirroring operation.StartResult.
// Defined locally (rather than imported) to avoid a cluster<->operation
// import cycle; the coordinator's operation package has the same shape.
type StartResult struct {
	OpID      int    `json:"op_id"`
	StatusURL string `json:"status_url"`
}

// NodeResult pairs one node with either its decoded start result or the
// error calling it produced. A NodeResult list preserves node order,
// mirroring request_from_nodes's "one result per node, in order,
// exceptions included" contract rather than failing the whole gather.
type NodeResult struct {
	Node  config.NodeDescriptor
	Start StartResult
	Err   error
}

// callFailure distinguishes a transport-level failure (the node was
// never reached, or never replied) from an explicit non-2xx reply (the
// node was reached and declined). The lock protocol treats these
// differently: an explicit decline is a LockFailure, an unreachable
// node is a LockException.
type callFailure struct {
	transport bool
	err       error
}

func (f *callFailure) Error() string { return f.err.Error() }
func (f *callFailure) Unwrap() error { return f.err }

// postJSON sends body as a JSON POST to url and decodes the response
// into out (if non-nil), following the shared-client idiom the teacher
// repo uses for every node call.
func (c *Cluster) postJSON(ctx context.Context, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", coordinatorerr.ProgrammingError, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return &callFailure{transport: true, err: fmt.Errorf("%w: build request to %s: %v", coordinatorerr.Transient, url, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &callFailure{transport: true, err: fmt.Errorf("%w: call %s: %v", coordinatorerr.Transient, url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &callFailure{transport: false, err: fmt.Errorf("%w: %s replied %d: %s", coordinatorerr.Transient, url, resp.StatusCode, string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &callFailure{transport: false, err: fmt.Errorf("%w: decode response from %s: %v", coordinatorerr.Transient, url, err)}
	}
	return nil
}

// RequestFromNodes calls path on every node concurrently with body,
// returning one NodeResult per node in node order. A single node's
// failure never cancels its siblings' in-flight calls — this mirrors
// asyncio.gather(..., return_exceptions=True) in the original
// coordinator, which golang.org/x/sync/errgroup does not give you for
// free (errgroup.Wait returns only the first error and its Context
// cancels the rest), so each goroutine's error is captured into its own
// slot instead of being surfaced through the group.
func (c *Cluster) RequestFromNodes(ctx context.Context, path string, body ipc.NodeRequest, resultURLFor func(node config.NodeDescriptor) string) []NodeResult {
	results := make([]NodeResult, len(c.Nodes))
	g, gctx := errgroup.WithContext(ctx)

	for i, node := range c.Nodes {
		i, node := i, node
		results[i] = NodeResult{Node: node}
		g.Go(func() error {
			nodeBody := body
			if nodeBody != nil && resultURLFor != nil {
				nodeBody.SetResultURL(resultURLFor(node))
			}
			var start StartResult
			err := c.postJSON(gctx, node.URL+path, nodeBody, &start)
			results[i].Start = start
			results[i].Err = err
			return nil
		})
	}
	// Every goroutine above returns nil, so Wait can never fail or
	// cancel a sibling; it only blocks until all are done.
	_ = g.Wait()
	return results
}

// RequestOne calls path on a single node, used where a step addresses
// one node at a time (e.g. restore/upload placement, which assigns
// distinct work per node rather than broadcasting one request).
func (c *Cluster) RequestOne(ctx context.Context, node config.NodeDescriptor, path string, body ipc.NodeRequest) NodeResult {
	var start StartResult
	err := c.postJSON(ctx, node.URL+path, body, &start)
	return NodeResult{Node: node, Start: start, Err: err}
}

// LockResult is the three-way outcome of one lock/relock/unlock call,
// matching astacus.coordinator.cluster.LockResult: ok (node agreed),
// failure (node explicitly refused), or exception (the call itself
// could not be completed, e.g. network error or timeout).
type LockResult int

const (
	LockOK LockResult = iota
	LockFailure
	LockException
)

func (r LockResult) String() string {
	switch r {
	case LockOK:
		return "ok"
	case LockFailure:
		return "failure"
	case LockException:
		return "exception"
	default:
		return "unknown"
	}
}

// lockRequestBody is the JSON body sent to a node's lock endpoints.
type lockRequestBody struct {
	baseLockFields
}

type baseLockFields struct {
	Locker string `json:"locker"`
	TTL    int    `json:"ttl,omitempty"`
}

func (b *baseLockFields) SetResultURL(string) {}

// aggregateLockResults reduces a set of per-node LockResults to one
// cluster-wide verdict: failure is sticky over exception, and only an
// all-ok set of results counts as ok. This is a direct port of the
// original's rule that a single explicit refusal is treated as more
// serious than a node merely being unreachable.
func aggregateLockResults(results []LockResult) LockResult {
	sawException := false
	for _, r := range results {
		switch r {
		case LockFailure:
			return LockFailure
		case LockException:
			sawException = true
		}
	}
	if sawException {
		return LockException
	}
	return LockOK
}

func classifyLockErr(err error) LockResult {
	if err == nil {
		return LockOK
	}
	// A node that replies (even with a non-2xx) has made an explicit
	// decision; only a transport-level failure (unreachable, timed
	// out, connection refused) is merely an "exception".
	var cf *callFailure
	if errors.As(err, &cf) && cf.transport {
		return LockException
	}
	return LockFailure
}

// NewLockerToken generates a fresh, unguessable locker identity for a
// lock acquisition (spec.md 10.5: uuid for locker tokens, never for
// operation ids).
func NewLockerToken() string {
	return uuid.NewString()
}

// lockResponseBody is the {"locked": bool} payload every lock-family
// node endpoint must reply with (spec.md 4.C); anything else received
// from a reachable node is an explicit LockFailure, not an exception.
type lockResponseBody struct {
	Locked bool `json:"locked"`
}

// RequestLock asks every node to acquire the cluster lock under locker
// with the given ttl (seconds), returning the aggregated result and
// emitting astacus_lock_call_failure on failure (spec.md 4.C).
func (c *Cluster) RequestLock(ctx context.Context, locker string, ttl int) LockResult {
	return c.requestLockCall(ctx, "lock", "/lock", locker, ttl, true)
}

// RequestRelock refreshes the lock's TTL under locker. A relock that
// resolves to failure means the lock was lost and the operation must
// abort (spec.md 4.C, coordinatorerr.LockLost).
func (c *Cluster) RequestRelock(ctx context.Context, locker string, ttl int) LockResult {
	return c.requestLockCall(ctx, "relock", "/relock", locker, ttl, true)
}

// RequestUnlock releases the lock under locker. Best-effort: callers
// typically ignore its result beyond logging, since the lock will also
// expire on its own via TTL.
func (c *Cluster) RequestUnlock(ctx context.Context, locker string) LockResult {
	return c.requestLockCall(ctx, "unlock", "/unlock", locker, 0, false)
}

func (c *Cluster) requestLockCall(ctx context.Context, call, path, locker string, ttl int, wantLocked bool) LockResult {
	log := logging.WithLocker(logging.WithComponent("cluster-lock"), locker)

	body := &lockRequestBody{baseLockFields{Locker: locker, TTL: ttl}}
	g, gctx := errgroup.WithContext(ctx)
	lockResults := make([]LockResult, len(c.Nodes))

	for i, node := range c.Nodes {
		i, node := i, node
		g.Go(func() error {
			url := node.URL + path
			var resp lockResponseBody
			err := c.postJSON(gctx, url, body, &resp)
			switch {
			case err != nil:
				lockResults[i] = classifyLockErr(err)
				log.Warn().Str("node", node.URL).Str("call", call).Err(err).Msg("lock call failed")
			case resp.Locked != wantLocked:
				lockResults[i] = LockFailure
				log.Warn().Str("node", node.URL).Str("call", call).Bool("locked", resp.Locked).Msg("lock call returned unexpected payload")
			default:
				lockResults[i] = LockOK
			}
			return nil
		})
	}
	_ = g.Wait()

	result := aggregateLockResults(lockResults)
	if result == LockFailure && c.metrics != nil {
		c.metrics.LockCallFailures.WithLabelValues(call, locker).Inc()
	}
	return result
}
