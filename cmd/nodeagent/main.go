// Command nodeagent is the minimal reference node agent the coordinator
// talks to: lock/relock/unlock plus the files-plugin subops (snapshot,
// upload, download, clear), each served the way spec.md section 6
// describes the node-agent contract. It keeps its fixture files and
// content-addressed blobs in memory — real filesystem snapshotting and
// object storage are out of scope (SPEC_FULL.md NON-GOALS) — so it
// exists to exercise the coordinator's wire protocol end to end, not to
// move real bytes between real nodes.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/logging"
	"github.com/RommelLayco/astacus/internal/manifest"
)

func main() {
	logging.Init(logging.Config{
		Level:      logging.Level(getenv("NODEAGENT_LOG_LEVEL", "info")),
		JSONOutput: getenv("NODEAGENT_LOG_JSON", "") != "",
	})
	log := logging.WithComponent("nodeagent")

	na := newNodeAgent(getenv("NODEAGENT_HOSTNAME", hostnameOrDefault()), getenv("NODEAGENT_AZ", "az1"))
	na.seedFixtures()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", na.handleRoot)
	mux.HandleFunc("POST /lock", na.handleLock)
	mux.HandleFunc("POST /relock", na.handleRelock)
	mux.HandleFunc("POST /unlock", na.handleUnlock)
	mux.HandleFunc("POST /snapshot", na.handleSnapshot)
	mux.HandleFunc("POST /upload", na.handleUpload)
	mux.HandleFunc("POST /download", na.handleDownload)
	mux.HandleFunc("POST /clear", na.handleClear)
	mux.HandleFunc("GET /status/{op_id}", na.handleStatus)

	addr := getenv("NODEAGENT_ADDR", ":8081")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("nodeagent listening")
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
	log.Info().Msg("nodeagent stopped")
}

// nodeAgent holds one node's fixture filesystem, blob store and lock
// state. Every subop here completes synchronously — there is no real
// disk or network I/O to wait on — so its "operations" are really just
// opaque ids wrapping an already-final result, still served through the
// same op_id/status_url/progress shape a slower real agent would use.
type nodeAgent struct {
	hostname string
	az       string

	mu        sync.Mutex
	locker    string
	expiresAt time.Time

	files           map[string][]byte
	contentByDigest map[string][]byte
	blobs           *manifest.MemoryBlobStorage

	nextOpID int
	results  map[int]ipc.SnapshotResult
}

func newNodeAgent(hostname, az string) *nodeAgent {
	return &nodeAgent{
		hostname:        hostname,
		az:              az,
		files:           make(map[string][]byte),
		contentByDigest: make(map[string][]byte),
		blobs:           manifest.NewMemoryBlobStorage(),
		results:         make(map[int]ipc.SnapshotResult),
	}
}

// seedFixtures populates a couple of sample files so /snapshot has
// something to report; a real plugin would walk the node's configured
// root globs instead.
func (na *nodeAgent) seedFixtures() {
	na.put("data/table_a.bin", []byte("table_a fixture contents for "+na.hostname))
	na.put("data/table_b.bin", []byte("table_b fixture contents for "+na.hostname))
}

func (na *nodeAgent) put(path string, content []byte) {
	digest := sha256.Sum256(content)
	hexDigest := hex.EncodeToString(digest[:])
	na.mu.Lock()
	na.files[path] = content
	na.contentByDigest[hexDigest] = content
	na.mu.Unlock()
}

func (na *nodeAgent) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type lockBody struct {
	Locker string `json:"locker"`
	TTL    int    `json:"ttl,omitempty"`
}

type lockResponse struct {
	Locked bool `json:"locked"`
}

func (na *nodeAgent) handleLock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	locked := na.locker == "" || time.Now().After(na.expiresAt) || na.locker == body.Locker
	if locked {
		na.locker = body.Locker
		na.expiresAt = time.Now().Add(time.Duration(body.TTL) * time.Second)
	}
	na.mu.Unlock()

	writeJSON(w, http.StatusOK, lockResponse{Locked: locked})
}

func (na *nodeAgent) handleRelock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	locked := na.locker != "" && na.locker == body.Locker
	if locked {
		na.expiresAt = time.Now().Add(time.Duration(body.TTL) * time.Second)
	}
	na.mu.Unlock()

	writeJSON(w, http.StatusOK, lockResponse{Locked: locked})
}

func (na *nodeAgent) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	if na.locker == body.Locker {
		na.locker = ""
	}
	na.mu.Unlock()

	writeJSON(w, http.StatusOK, lockResponse{Locked: false})
}

func (na *nodeAgent) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req ipc.SnapshotRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	files := make([]ipc.SnapshotFile, 0, len(na.files))
	seen := make(map[string]int64)
	now := time.Now().UnixNano()
	for path, content := range na.files {
		digest := sha256.Sum256(content)
		hexDigest := hex.EncodeToString(digest[:])
		files = append(files, ipc.SnapshotFile{
			RelativePath: path,
			FileSize:     int64(len(content)),
			MtimeNs:      now,
			Hexdigest:    hexDigest,
		})
		seen[hexDigest] = int64(len(content))
	}
	na.mu.Unlock()

	hashes := make([]ipc.SnapshotHash, 0, len(seen))
	for digest, size := range seen {
		hashes = append(hashes, ipc.SnapshotHash{Hexdigest: digest, Size: size})
	}

	result := ipc.SnapshotResult{
		Progress: ipc.Progress{Handled: len(files), Total: len(files), Final: true},
		Hostname: na.hostname,
		AZ:       na.az,
		State:    ipc.SnapshotState{RootGlobs: req.RootGlobs, Files: files},
		Hashes:   hashes,
	}
	writeJSON(w, http.StatusOK, na.start(result))
}

func (na *nodeAgent) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req ipc.SnapshotUploadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	for _, h := range req.Hashes {
		if content, ok := na.contentByDigest[h.Hexdigest]; ok {
			na.blobs.Put(h.Hexdigest, content)
		}
	}
	na.mu.Unlock()

	result := ipc.SnapshotResult{Progress: ipc.Progress{Handled: len(req.Hashes), Total: len(req.Hashes), Final: true}}
	writeJSON(w, http.StatusOK, na.start(result))
}

// handleDownload accepts a restore assignment and reports it done
// without moving real bytes: object storage is explicitly out of scope
// (SPEC_FULL.md NON-GOALS), so this agent has no shared blob store to
// pull content-addressed files from in the first place. It exists to
// exercise the download/poll/placement wiring, not real data recovery.
func (na *nodeAgent) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req ipc.SnapshotDownloadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := ipc.SnapshotResult{Progress: ipc.Progress{Final: true}}
	writeJSON(w, http.StatusOK, na.start(result))
}

func (na *nodeAgent) handleClear(w http.ResponseWriter, r *http.Request) {
	var req ipc.SnapshotClearRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	na.mu.Lock()
	cleared := len(na.files)
	na.files = make(map[string][]byte)
	na.mu.Unlock()

	result := ipc.SnapshotResult{Progress: ipc.Progress{Handled: cleared, Total: cleared, Final: true}}
	writeJSON(w, http.StatusOK, na.start(result))
}

func (na *nodeAgent) handleStatus(w http.ResponseWriter, r *http.Request) {
	opID, err := strconv.Atoi(r.PathValue("op_id"))
	if err != nil {
		http.Error(w, "bad op_id", http.StatusBadRequest)
		return
	}
	na.mu.Lock()
	result, ok := na.results[opID]
	na.mu.Unlock()
	if !ok {
		http.Error(w, "unknown op", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// start wraps an already-computed result (every subop here runs to
// completion synchronously) behind a fresh opaque op id, mirroring the
// {op_id, status_url} shape a slower agent would return before its
// result existed yet.
func (na *nodeAgent) start(result ipc.SnapshotResult) startResult {
	na.mu.Lock()
	na.nextOpID++
	opID := na.nextOpID
	na.results[opID] = result
	na.mu.Unlock()
	return startResult{OpID: opID, StatusURL: fmt.Sprintf("/status/%d", opID)}
}

type startResult struct {
	OpID      int    `json:"op_id"`
	StatusURL string `json:"status_url"`
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
		logging.WithComponent("nodeagent").Error().Err(err).Msg("encode response")
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node"
	}
	return h
}
