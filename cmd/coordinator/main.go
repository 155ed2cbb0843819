// Command coordinator runs the backup/restore coordinator HTTP API
// described in spec.md section 6: lock/unlock, backup/restore/cleanup
// operation starts, status polling, the listing cache, and the
// sub-result wake endpoint. It wires together every internal package —
// cluster, poller, orchestrator, operation registry, manifest storage,
// listcache and the files plugin — the way johnjansen-torua's
// cmd/coordinator/main.go wires its own server: a mutex-guarded state
// struct, http.ServeMux, and signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RommelLayco/astacus/internal/cluster"
	"github.com/RommelLayco/astacus/internal/config"
	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/listcache"
	"github.com/RommelLayco/astacus/internal/logging"
	"github.com/RommelLayco/astacus/internal/manifest"
	"github.com/RommelLayco/astacus/internal/metrics"
	"github.com/RommelLayco/astacus/internal/operation"
	"github.com/RommelLayco/astacus/internal/orchestrator"
	"github.com/RommelLayco/astacus/internal/placement"
	"github.com/RommelLayco/astacus/internal/plugin"
	"github.com/RommelLayco/astacus/internal/poller"
)

func main() {
	logging.Init(logging.Config{
		Level:      logging.Level(getenv("COORDINATOR_LOG_LEVEL", "info")),
		JSONOutput: getenv("COORDINATOR_LOG_JSON", "") != "",
	})
	log := logging.WithComponent("coordinator")

	cfg, err := config.Load(getenv("COORDINATOR_CONFIG", "coordinator.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	reg := prometheus.NewRegistry()
	srv := newServer(cfg, metrics.New(reg))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", srv.handleRoot)
	mux.HandleFunc("POST /lock", srv.handleLock)
	mux.HandleFunc("POST /unlock", srv.handleUnlock)
	mux.HandleFunc("POST /backup", srv.handleBackup)
	mux.HandleFunc("POST /restore", srv.handleRestore)
	mux.HandleFunc("POST /cleanup", srv.handleCleanup)
	mux.HandleFunc("GET /list", srv.handleList)
	mux.HandleFunc("GET /{op_name}/{op_id}", srv.handleStatus)
	mux.HandleFunc("PUT /{op_name}/{op_id}/sub-result", srv.handleSubResult)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := getenv("COORDINATOR_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	log.Info().Msg("coordinator stopped")
}

// server holds every dependency the HTTP handlers share. Built once in
// newServer and never replaced; per-operation state (sleepers) is the
// only thing that's added to and removed from at request time.
type server struct {
	cfg          config.Config
	cluster      *cluster.Cluster
	poller       *poller.Poller
	orchestrator *orchestrator.Orchestrator
	registry     *operation.Registry
	jsonStorage  manifest.JSONStorage
	blobStorage  manifest.BlobStorage
	plugin       plugin.Plugin
	listCache    *listcache.Cache[ipc.ListRequest, ipc.ListResponse]

	mu       sync.Mutex
	sleepers map[int]*poller.Sleeper
}

func newServer(cfg config.Config, m *metrics.Metrics) *server {
	cl := cluster.New(cfg.Nodes, m)
	return &server{
		cfg:          cfg,
		cluster:      cl,
		poller:       poller.New(cfg.Poll, m),
		orchestrator: orchestrator.New(cl, cfg.LockTTL, cfg.MaxAttempts, time.Duration(cfg.RetryBackoff*float64(time.Second))),
		registry:     operation.NewRegistry("/"),
		jsonStorage:  manifest.NewMemoryJSONStorage(),
		blobStorage:  manifest.NewMemoryBlobStorage(),
		plugin:       plugin.FilesPlugin{},
		listCache:    listcache.New[ipc.ListRequest, ipc.ListResponse](time.Duration(cfg.ListTTL * float64(time.Second))),
		sleepers:     make(map[int]*poller.Sleeper),
	}
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleLock starts a lock operation for POST /lock?locker=&ttl=,
// returning the unlock_url convenience field alongside the usual
// op_id/status_url (spec.md section 6; SPEC_FULL.md 13).
func (s *server) handleLock(w http.ResponseWriter, r *http.Request) {
	locker := r.URL.Query().Get("locker")
	if locker == "" {
		http.Error(w, "locker is required", http.StatusBadRequest)
		return
	}
	ttl := s.cfg.LockTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = parsed
	}

	opID := s.registry.AllocateID()
	start := s.registry.Start(operation.NameLock, opID, context.Background(), func(ctx context.Context) error {
		return s.orchestrator.Lock(ctx, locker, ttl)
	})
	writeJSON(w, http.StatusOK, ipc.LockStartResult{
		OpID:      start.OpID,
		StatusURL: start.StatusURL,
		UnlockURL: "/unlock?locker=" + url.QueryEscape(locker),
	})
}

func (s *server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	locker := r.URL.Query().Get("locker")
	if locker == "" {
		http.Error(w, "locker is required", http.StatusBadRequest)
		return
	}
	opID := s.registry.AllocateID()
	start := s.registry.Start(operation.NameUnlock, opID, context.Background(), func(ctx context.Context) error {
		return s.orchestrator.Unlock(ctx, locker)
	})
	writeJSON(w, http.StatusOK, start)
}

func (s *server) handleBackup(w http.ResponseWriter, _ *http.Request) {
	opID := s.registry.AllocateID()
	tracker := newProgressTracker()
	sleeper := s.newSleeper(opID)

	opts := plugin.Options{
		Cluster:     s.cluster,
		Poller:      s.poller,
		JSONStorage: s.jsonStorage,
		BlobStorage: s.blobStorage,
		StorageName: s.cfg.StorageName,
		Sleeper:     sleeper,
		Progress:    tracker.update,
	}
	pipeline := s.plugin.BackupSteps(s.cfg.RootGlobs, opts)

	start := s.registry.Start(operation.NameBackup, opID, context.Background(), func(ctx context.Context) error {
		defer s.dropSleeper(opID)
		_, err := s.orchestrator.Backup(ctx, pipeline)
		return err
	})
	if op, err := s.registry.Get(start.OpID, operation.NameBackup); err == nil {
		op.SetProgressSource(tracker)
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req ipc.RestoreRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opID := s.registry.AllocateID()
	tracker := newProgressTracker()
	sleeper := s.newSleeper(opID)

	nodes := make([]placement.Node, len(s.cfg.Nodes))
	for i, n := range s.cfg.Nodes {
		nodes[i] = placement.Node{URL: n.URL, AZ: n.AZ}
	}
	opts := plugin.Options{
		Cluster:     s.cluster,
		Poller:      s.poller,
		JSONStorage: s.jsonStorage,
		BlobStorage: s.blobStorage,
		StorageName: s.cfg.StorageName,
		Nodes:       nodes,
		Sleeper:     sleeper,
		Progress:    tracker.update,
	}
	pipeline := s.plugin.RestoreSteps(req, opts)

	start := s.registry.Start(operation.NameRestore, opID, context.Background(), func(ctx context.Context) error {
		defer s.dropSleeper(opID)
		return s.orchestrator.Restore(ctx, pipeline)
	})
	if op, err := s.registry.Get(start.OpID, operation.NameRestore); err == nil {
		op.SetProgressSource(tracker)
	}
	writeJSON(w, http.StatusOK, start)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req ipc.CleanupRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opID := s.registry.AllocateID()
	start := s.registry.Start(operation.NameCleanup, opID, context.Background(), func(ctx context.Context) error {
		return s.orchestrator.Cleanup(ctx, s.jsonStorage, req.RetentionCount)
	})
	writeJSON(w, http.StatusOK, start)
}

// handleList serves GET /list through the single-flight cache: busy
// returns 429, otherwise a (possibly cached) 200 (spec.md section 6).
func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := s.listCache.Get(r.Context(), ipc.ListRequest{}, s.buildListing)
	if errors.Is(err, listcache.ErrBusy) {
		http.Error(w, "busy", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) buildListing(ctx context.Context, _ ipc.ListRequest) (ipc.ListResponse, error) {
	names, err := s.jsonStorage.ListJSONs(ctx)
	if err != nil {
		return ipc.ListResponse{}, err
	}
	entries := make([]ipc.BackupListEntry, 0, len(names))
	for _, name := range names {
		var m ipc.BackupManifest
		if err := s.jsonStorage.DownloadJSON(ctx, name, &m); err != nil {
			return ipc.ListResponse{}, err
		}
		entries = append(entries, ipc.BackupListEntry{Name: name, Attempt: m.Attempt, Start: m.Start, Plugin: m.Plugin})
	}
	return ipc.ListResponse{Backups: entries}, nil
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	opName := operation.Name(r.PathValue("op_name"))
	opID, err := strconv.Atoi(r.PathValue("op_id"))
	if err != nil {
		http.Error(w, "bad op_id", http.StatusBadRequest)
		return
	}
	op, err := s.registry.Get(opID, opName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.StatusOf(op))
}

// handleSubResult wakes the operation's poller sleeper, if one is still
// registered, so its next poll happens immediately instead of waiting
// out the current backoff delay (spec.md section 6, the
// subresult_sleeper mechanism). A miss (operation unknown or already
// finished) is not an error: the node's push simply arrived too late to
// matter.
func (s *server) handleSubResult(w http.ResponseWriter, r *http.Request) {
	opID, err := strconv.Atoi(r.PathValue("op_id"))
	if err != nil {
		http.Error(w, "bad op_id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sleeper := s.sleepers[opID]
	s.mu.Unlock()
	sleeper.Wake()
	w.WriteHeader(http.StatusOK)
}

func (s *server) newSleeper(opID int) *poller.Sleeper {
	sleeper := poller.NewSleeper()
	s.mu.Lock()
	s.sleepers[opID] = sleeper
	s.mu.Unlock()
	return sleeper
}

func (s *server) dropSleeper(opID int) {
	s.mu.Lock()
	delete(s.sleepers, opID)
	s.mu.Unlock()
}

// progressTracker adapts the poller's per-round progress callback into
// operation.ProgressSnapshotter, so GET /{op_name}/{op_id} can report a
// live snapshot of a running backup/restore instead of only a terminal
// state.
type progressTracker struct {
	mu sync.RWMutex
	p  ipc.Progress
}

func newProgressTracker() *progressTracker { return &progressTracker{} }

func (t *progressTracker) update(p ipc.Progress) {
	t.mu.Lock()
	t.p = p
	t.mu.Unlock()
}

func (t *progressTracker) ProgressSnapshot() (handled, total, failed int, final, failedFinal bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.p.Handled, t.p.Total, t.p.Failed, t.p.Final, t.p.FinishedFailed
}

func decodeJSONBody(r *http.Request, out interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithComponent("coordinator").Error().Err(err).Msg("encode response")
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
