package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommelLayco/astacus/internal/config"
	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/metrics"
)

func newTestMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.New(prometheus.NewRegistry())
}

func TestRequestFromNodesGathersExceptionsAsValues(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StartResult{OpID: 1, StatusURL: "http://x/status/1"})
	}))
	defer okServer.Close()

	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failServer.Close()

	c := New([]config.NodeDescriptor{
		{URL: okServer.URL},
		{URL: failServer.URL},
		{URL: "http://127.0.0.1:1"}, // unreachable
	}, newTestMetrics(t))

	results := c.RequestFromNodes(context.Background(), "/snapshot", &ipc.SnapshotRequest{}, nil)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
	// One node's failure must not have prevented the others from being
	// called: node 0 succeeded despite node 1 and 2 failing.
	assert.Equal(t, okServer.URL, results[0].Node.URL)
}

func TestRequestLockAllOK(t *testing.T) {
	var gotLocker string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body lockRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotLocker = body.Locker
		_ = json.NewEncoder(w).Encode(lockResponseBody{Locked: true})
	}))
	defer server.Close()

	c := New([]config.NodeDescriptor{{URL: server.URL}, {URL: server.URL}}, newTestMetrics(t))
	locker := NewLockerToken()
	result := c.RequestLock(context.Background(), locker, 60)

	assert.Equal(t, LockOK, result)
	assert.Equal(t, locker, gotLocker)
}

func TestRequestLockOneFailureIsSticky(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lockResponseBody{Locked: true})
	}))
	defer ok.Close()
	refuse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer refuse.Close()

	m := newTestMetrics(t)
	c := New([]config.NodeDescriptor{
		{URL: ok.URL},
		{URL: refuse.URL},
		{URL: "http://127.0.0.1:1"}, // unreachable -> exception
	}, m)

	result := c.RequestLock(context.Background(), NewLockerToken(), 60)

	// A single explicit refusal beats an unreachable node: failure is
	// reported even though one node was merely unreachable.
	assert.Equal(t, LockFailure, result)

	assert.Equal(t, 1, testutil.CollectAndCount(m.LockCallFailures))
}

func TestRequestLockExceptionWithoutFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lockResponseBody{Locked: true})
	}))
	defer ok.Close()

	c := New([]config.NodeDescriptor{
		{URL: ok.URL},
		{URL: "http://127.0.0.1:1"},
	}, newTestMetrics(t))

	result := c.RequestLock(context.Background(), NewLockerToken(), 60)
	assert.Equal(t, LockException, result)
}

func TestRequestLockUnexpectedPayloadIsFailure(t *testing.T) {
	// A node that replies 200 but with locked:false (e.g. it declined
	// to take the lock) is a failure, not an ok: status code alone
	// isn't enough, the payload has to match what a lock call expects.
	declines := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lockResponseBody{Locked: false})
	}))
	defer declines.Close()

	m := newTestMetrics(t)
	c := New([]config.NodeDescriptor{{URL: declines.URL}}, m)

	result := c.RequestLock(context.Background(), NewLockerToken(), 60)
	assert.Equal(t, LockFailure, result)
	assert.Equal(t, 1, testutil.CollectAndCount(m.LockCallFailures))
}
