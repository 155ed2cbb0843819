// Package ipc defines the wire types shared between the coordinator and
// node agents: snapshot manifests, per-node requests/results, progress
// reporting, and the cluster-wide backup manifest. These are pure data
// shapes exchanged as JSON; see spec.md section 3 (DATA MODEL) and
// section 6 (EXTERNAL INTERFACES) for the contract they encode.
package ipc

import (
	"encoding/json"
	"time"
)

// Plugin names a backup/restore implementation, carried in the backup
// manifest so restores know which plugin produced it (spec.md DESIGN NOTES).
type Plugin string

const (
	PluginClickHouse Plugin = "clickhouse"
	PluginFiles      Plugin = "files"
	PluginM3DB       Plugin = "m3db"
	PluginFlink      Plugin = "flink"
	PluginCassandra  Plugin = "cassandra"
)

// SnapshotFile describes one on-disk file captured by a node's snapshot
// step. Files backed by object storage carry Hexdigest; small files may
// instead carry their bytes inline via ContentB64 (spec.md section 3).
type SnapshotFile struct {
	RelativePath string `json:"relative_path"`
	FileSize     int64  `json:"file_size"`
	MtimeNs      int64  `json:"mtime_ns"`
	Hexdigest    string `json:"hexdigest,omitempty"`
	ContentB64   string `json:"content_b64,omitempty"`
}

// EqualsExcludingMtime reports whether two snapshot files describe the same content,
// ignoring modification time (used to skip redundant downloads during
// restore, mirroring the original's equals_excluding_mtime).
func (f SnapshotFile) EqualsExcludingMtime(other SnapshotFile) bool {
	return f.RelativePath == other.RelativePath &&
		f.FileSize == other.FileSize &&
		f.Hexdigest == other.Hexdigest &&
		f.ContentB64 == other.ContentB64
}

// SnapshotHash identifies a file's content by digest and size, without
// caring about its path. Equal hashes across nodes are deduplicated by
// the work distribution algorithm (spec.md 4.G).
type SnapshotHash struct {
	Hexdigest string `json:"hexdigest"`
	Size      int64  `json:"size"`
}

// SnapshotState is the root-glob scoped set of files a node snapshotted,
// as sent back to the coordinator and later used to drive restores.
type SnapshotState struct {
	RootGlobs []string       `json:"root_globs"`
	Files     []SnapshotFile `json:"files"`
}

// Progress tracks a long-running node-side operation's completion. Final
// is set once the operation will not produce further updates; a final
// progress with FinishedFailed set means the node-side step failed.
type Progress struct {
	Handled        int  `json:"handled"`
	Total          int  `json:"total"`
	Failed         int  `json:"failed"`
	Final          bool `json:"final"`
	FinishedFailed bool `json:"finished_failed"`
}

// MergeProgress combines a set of per-node progresses into one aggregate,
// summing handled/total/failed and requiring every input to be final
// for the merged result to be final (spec.md 4.D "progress merging").
func MergeProgress(progresses []Progress) Progress {
	merged := Progress{Final: true}
	for _, p := range progresses {
		merged.Handled += p.Handled
		merged.Total += p.Total
		merged.Failed += p.Failed
		if !p.Final {
			merged.Final = false
		}
		if p.FinishedFailed {
			merged.FinishedFailed = true
		}
	}
	return merged
}

// NodeRequest is implemented by every request type sent to a node agent
// via Cluster.RequestFromNodes with a body (spec.md 4.B). ResultURL is
// filled in by the cluster client when a subresult_url is configured, so
// nodes may push progress hints back to the coordinator.
type NodeRequest interface {
	SetResultURL(url string)
}

// baseNodeRequest is embedded by concrete request types to satisfy
// NodeRequest without repeating the ResultURL plumbing.
type baseNodeRequest struct {
	ResultURL string `json:"result_url,omitempty"`
}

func (b *baseNodeRequest) SetResultURL(url string) { b.ResultURL = url }

// SnapshotRequest asks a node to snapshot files matching the given
// root globs.
type SnapshotRequest struct {
	baseNodeRequest
	RootGlobs []string `json:"root_globs"`
}

// SnapshotUploadRequest asks a node to upload the listed hashes to the
// named storage, used by the UploadBlocksStep (spec.md 4.G).
type SnapshotUploadRequest struct {
	baseNodeRequest
	Hashes  []SnapshotHash `json:"hashes"`
	Storage string         `json:"storage"`
}

// SnapshotDownloadRequest asks a node to download and restore the files
// recorded at SnapshotIndex in the named backup.
type SnapshotDownloadRequest struct {
	baseNodeRequest
	Storage       string   `json:"storage"`
	BackupName    string   `json:"backup_name"`
	SnapshotIndex int      `json:"snapshot_index"`
	RootGlobs     []string `json:"root_globs"`
}

// SnapshotClearRequest asks a node to remove files matching the given
// root globs, used for nodes that have no corresponding backup index
// during a restore (spec.md 4.G "Restore placement").
type SnapshotClearRequest struct {
	baseNodeRequest
	RootGlobs []string `json:"root_globs"`
}

// NodeResult is the minimal shape every node-side operation result
// shares: a progress snapshot.
type NodeResult struct {
	Progress Progress `json:"progress"`
}

// SnapshotResult is a node's reply once its snapshot step completes:
// its hostname, availability zone, the snapshot state, and a flattened
// hash inventory used by work distribution.
type SnapshotResult struct {
	Progress Progress       `json:"progress"`
	Hostname string         `json:"hostname"`
	AZ       string         `json:"az"`
	State    SnapshotState  `json:"state"`
	Hashes   []SnapshotHash `json:"hashes,omitempty"`
}

// SnapshotUploadResult is a node's reply once its upload step completes,
// carrying statistics about what it uploaded.
type SnapshotUploadResult struct {
	Progress        Progress `json:"progress"`
	TotalSize       int64    `json:"total_size"`
	TotalStoredSize int64    `json:"total_stored_size"`
}

// PartialRestoreRequestNode pins a coordinator node to a specific backup
// snapshot index, by index or URL/hostname (spec.md 4.G "Restore placement").
type PartialRestoreRequestNode struct {
	NodeIndex      *int    `json:"node_index,omitempty"`
	NodeURL        string  `json:"node_url,omitempty"`
	BackupIndex    *int    `json:"backup_index,omitempty"`
	BackupHostname string  `json:"backup_hostname,omitempty"`
}

// RestoreRequest is the body of POST /restore (spec.md section 6).
type RestoreRequest struct {
	Name                 string                      `json:"name,omitempty"`
	PartialRestoreNodes  []PartialRestoreRequestNode `json:"partial_restore_nodes,omitempty"`
}

// CleanupRequest is the body of POST /cleanup.
type CleanupRequest struct {
	RetentionCount int `json:"retention_count,omitempty"`
}

// LockStartResult is the body of a successful POST /lock: the usual
// op_id/status_url pair, plus an unlock_url convenience field so a
// caller holding the lock doesn't have to rebuild the unlock request
// itself (spec.md section 6; SPEC_FULL.md 13, "the unlock_url
// convenience field").
type LockStartResult struct {
	OpID      int    `json:"op_id"`
	StatusURL string `json:"status_url"`
	UnlockURL string `json:"unlock_url"`
}

// ListRequest is the body of GET /list. It carries no fields today
// (the reference coordinator lists every retained backup), so any two
// requests compare equal and the listing cache serves its single
// cached response to every caller within its TTL.
type ListRequest struct{}

// Equal satisfies listcache.Request[ListRequest]; every ListRequest is
// interchangeable with every other.
func (ListRequest) Equal(ListRequest) bool { return true }

// BackupListEntry describes one retained backup in a GET /list response.
type BackupListEntry struct {
	Name    string    `json:"name"`
	Attempt int       `json:"attempt"`
	Start   time.Time `json:"start"`
	Plugin  Plugin    `json:"plugin"`
}

// ListResponse is the body of a successful GET /list.
type ListResponse struct {
	Backups []BackupListEntry `json:"backups"`
}

// BackupManifest is the cluster-wide, persisted document naming one
// backup (spec.md section 3). Stored under steps.BackupNamePrefix() + an
// ISO-8601 second-precision timestamp, so lexicographic name order
// equals chronological order.
type BackupManifest struct {
	Attempt         int                    `json:"attempt"`
	Start           time.Time              `json:"start"`
	SnapshotResults []SnapshotResult       `json:"snapshot_results"`
	UploadResults   []SnapshotUploadResult `json:"upload_results"`
	Plugin          Plugin                 `json:"plugin"`
	PluginData      json.RawMessage        `json:"plugin_data,omitempty"`
}
