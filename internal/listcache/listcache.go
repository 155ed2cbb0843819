// Package listcache implements the single-flight caching handshake
// behind GET /list: a cached response is served while it is fresh and
// matches the incoming request; otherwise exactly one caller builds a
// fresh response while every concurrent caller is rejected outright
// rather than piggybacking on the in-flight build.
//
// Grounded on astacus/coordinator/api.py's _list_backups handler and
// astacus/coordinator/state.py's CachedListResponse (referenced but not
// present in the retrieved source; reconstructed from its usage in
// api.py: list_request/list_response/timestamp fields guarded by a
// plain lock).
package listcache

import (
	"context"
	"sync"
	"time"
)

// ErrBusy is returned when a build is already in flight. Deliberately
// not golang.org/x/sync/singleflight: that package collapses concurrent
// callers into one shared result, but /list's contract is to reject
// concurrent callers with a 429 instead (api.py raises HTTPException
// 429 rather than waiting), so a plain mutex-guarded flag models it
// more faithfully than the pack's single-flight primitive would.
var ErrBusy = &busyError{}

type busyError struct{}

func (*busyError) Error() string { return "busy" }

// Build computes a fresh listing. Requests equal to the one passed to
// Cache.Get are compared with Request.Equal.
type Build[Req any, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Request is implemented by the cache key type so the cache can tell
// whether a cached response still answers an incoming request.
type Request[Req any] interface {
	Equal(other Req) bool
}

// Cache holds the most recent listing response and serves it to
// requests that match it within ttl, otherwise running build for
// exactly one caller at a time.
type Cache[Req Request[Req], Resp any] struct {
	ttl time.Duration

	mu        sync.Mutex
	building  bool
	hasCached bool
	cachedReq Req
	cached    Resp
	cachedAt  time.Time
}

// New creates an empty Cache with the given freshness window.
func New[Req Request[Req], Resp any](ttl time.Duration) *Cache[Req, Resp] {
	return &Cache[Req, Resp]{ttl: ttl}
}

// Get serves req from cache if it is fresh and matches, otherwise runs
// build to produce a fresh response — unless another build is already
// in flight, in which case it returns ErrBusy immediately.
func (c *Cache[Req, Resp]) Get(ctx context.Context, req Req, build Build[Req, Resp]) (Resp, error) {
	c.mu.Lock()
	if c.hasCached && time.Since(c.cachedAt) < c.ttl && c.cachedReq.Equal(req) {
		resp := c.cached
		c.mu.Unlock()
		return resp, nil
	}
	if c.building {
		c.mu.Unlock()
		var zero Resp
		return zero, ErrBusy
	}
	c.building = true
	c.mu.Unlock()

	resp, err := build(ctx, req)

	c.mu.Lock()
	c.building = false
	if err == nil {
		c.hasCached = true
		c.cachedReq = req
		c.cached = resp
		c.cachedAt = time.Now()
	}
	c.mu.Unlock()

	return resp, err
}
