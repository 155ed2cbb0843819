// Package manifest defines the storage contracts a backup's metadata
// and content-addressed blobs are kept in, along with the lookup
// helpers that load a named manifest back out.
//
// Grounded on astacus/common/asyncstorage.py's AsyncJsonStorage/
// AsyncHexDigestStorage contracts (referenced from base.py's
// OperationContext) and astacus/coordinator/api.py's /list handler,
// which these types exist to serve.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
)

// JSONStorage persists backup manifests by name. Names sort
// lexicographically in chronological order (spec.md section 3).
type JSONStorage interface {
	UploadJSON(ctx context.Context, name string, doc interface{}) error
	DownloadJSON(ctx context.Context, name string, out interface{}) error
	ListJSONs(ctx context.Context) ([]string, error)
	DeleteJSON(ctx context.Context, name string) error
}

// BlobStorage persists content-addressed file blobs by hexdigest.
type BlobStorage interface {
	ListHexdigests(ctx context.Context) ([]string, error)
}

// MemoryJSONStorage is an in-memory JSONStorage, used by tests and by
// the reference coordinator binary.
type MemoryJSONStorage struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryJSONStorage creates an empty in-memory JSON store.
func NewMemoryJSONStorage() *MemoryJSONStorage {
	return &MemoryJSONStorage{docs: make(map[string][]byte)}
}

func (s *MemoryJSONStorage) UploadJSON(ctx context.Context, name string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal manifest %s: %v", coordinatorerr.ProgrammingError, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = data
	return nil
}

func (s *MemoryJSONStorage) DownloadJSON(ctx context.Context, name string, out interface{}) error {
	s.mu.RLock()
	data, ok := s.docs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no manifest named %s", coordinatorerr.Configuration, name)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: unmarshal manifest %s: %v", coordinatorerr.ProgrammingError, name, err)
	}
	return nil
}

func (s *MemoryJSONStorage) ListJSONs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.docs))
	for name := range s.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryJSONStorage) DeleteJSON(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, name)
	return nil
}

// MemoryBlobStorage is an in-memory BlobStorage keyed by hexdigest.
type MemoryBlobStorage struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
}

// NewMemoryBlobStorage creates an empty in-memory blob store.
func NewMemoryBlobStorage() *MemoryBlobStorage {
	return &MemoryBlobStorage{blobs: make(map[string][]byte)}
}

// Put stores a blob's bytes under hexdigest, used by the reference
// node-agent's upload handler.
func (s *MemoryBlobStorage) Put(hexdigest string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hexdigest] = data
}

func (s *MemoryBlobStorage) ListHexdigests(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for h := range s.blobs {
		out = append(out, h)
	}
	return out, nil
}

// DownloadBackupManifest loads and decodes the named manifest,
// mirroring download_backup_manifest.
func DownloadBackupManifest(ctx context.Context, storage JSONStorage, name string) (ipc.BackupManifest, error) {
	var m ipc.BackupManifest
	if err := storage.DownloadJSON(ctx, name, &m); err != nil {
		return ipc.BackupManifest{}, err
	}
	return m, nil
}

// ResolveBackupName picks which manifest a restore should use: the
// explicitly requested one (prefixed if it lacks the backup name
// prefix already), or the lexicographically-last (i.e. newest) stored
// manifest if none was requested.
func ResolveBackupName(ctx context.Context, storage JSONStorage, requested, prefix string) (string, error) {
	if requested == "" {
		names, err := storage.ListJSONs(ctx)
		if err != nil {
			return "", err
		}
		if len(names) == 0 {
			return "", fmt.Errorf("%w: no backups available", coordinatorerr.Configuration)
		}
		sort.Strings(names)
		return names[len(names)-1], nil
	}
	if len(requested) >= len(prefix) && requested[:len(prefix)] == prefix {
		return requested, nil
	}
	return prefix + requested, nil
}
