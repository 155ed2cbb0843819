// Package plugin defines the contract a database-specific backup
// implementation fulfills — producing the ordered list of steps that
// make up a backup or restore — along with the concrete steps shared
// by every plugin and a minimal "files" plugin that exercises them
// directly, without any database-specific behavior layered on top.
//
// Grounded on astacus/coordinator/plugins/base.py's CoordinatorPlugin
// and its shared Step implementations (SnapshotStep, ListHexdigestsStep,
// UploadBlocksStep, UploadManifestStep, BackupNameStep, BackupManifestStep,
// RestoreStep).
package plugin

import (
	"context"
	"fmt"

	"github.com/RommelLayco/astacus/internal/cluster"
	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
	"github.com/RommelLayco/astacus/internal/manifest"
	"github.com/RommelLayco/astacus/internal/placement"
	"github.com/RommelLayco/astacus/internal/poller"
	"github.com/RommelLayco/astacus/internal/steps"
)

// Plugin builds the step pipeline for a backup or restore. Database-
// specific implementations (ClickHouse, Cassandra, ...) embed the
// shared steps below and add their own before/after them; this module
// carries only the generic "files" plugin, since engine-specific
// orchestration is out of scope (spec.md Non-goals).
type Plugin interface {
	Tag() ipc.Plugin
	BackupSteps(rootGlobs []string, opts Options) []steps.Step
	RestoreSteps(req ipc.RestoreRequest, opts Options) []steps.Step
}

// Options bundles the dependencies every shared step needs, so plugins
// don't each redeclare the same constructor signature.
type Options struct {
	Cluster     *cluster.Cluster
	Poller      *poller.Poller
	JSONStorage manifest.JSONStorage
	BlobStorage manifest.BlobStorage
	StorageName string
	Nodes       []placement.Node

	// Sleeper, when set, lets PUT /{op_name}/{op_id}/sub-result wake a
	// step's poll loop early instead of waiting out its current backoff
	// delay (spec.md 4.D, the subresult_sleeper mechanism).
	Sleeper *poller.Sleeper

	// Progress, when set, receives the merged per-node progress after
	// every poller round, so GET /{op_name}/{op_id} can report live
	// progress instead of only a terminal state (spec.md section 6).
	Progress poller.ProgressHandler
}

// FilesPlugin is the minimal reference plugin: it snapshots and
// restores whatever files match the configured root globs, with no
// database-specific pre/post steps. It exists to exercise the shared
// step pipeline end to end.
type FilesPlugin struct{}

func (FilesPlugin) Tag() ipc.Plugin { return ipc.PluginFiles }

func (FilesPlugin) BackupSteps(rootGlobs []string, opts Options) []steps.Step {
	return []steps.Step{
		&SnapshotStep{RootGlobs: rootGlobs, Cluster: opts.Cluster, Poller: opts.Poller, Sleeper: opts.Sleeper, Progress: opts.Progress},
		&ListHexdigestsStep{BlobStorage: opts.BlobStorage},
		&UploadBlocksStep{StorageName: opts.StorageName, Cluster: opts.Cluster, Poller: opts.Poller, Sleeper: opts.Sleeper, Progress: opts.Progress},
		&UploadManifestStep{JSONStorage: opts.JSONStorage, Plugin: ipc.PluginFiles},
	}
}

func (FilesPlugin) RestoreSteps(req ipc.RestoreRequest, opts Options) []steps.Step {
	return []steps.Step{
		&BackupNameStep{JSONStorage: opts.JSONStorage, RequestedName: req.Name},
		&BackupManifestStep{JSONStorage: opts.JSONStorage},
		&RestoreStep{
			StorageName:         opts.StorageName,
			PartialRestoreNodes: req.PartialRestoreNodes,
			Cluster:             opts.Cluster,
			Poller:              opts.Poller,
			Nodes:               opts.Nodes,
			Sleeper:             opts.Sleeper,
			Progress:            opts.Progress,
		},
	}
}

// step result slot keys, one per step type (playing the role the
// original's Dict[Type[Step], Any] keying got for free from classes).
const (
	slotSnapshot       = "snapshot"
	slotHexdigests     = "hexdigests"
	slotUploadResults  = "upload_results"
	slotBackupName     = "backup_name"
	slotBackupManifest = "backup_manifest"
)

// SnapshotStep requests a snapshot of every file matching RootGlobs on
// each node and waits for all of them to finish.
type SnapshotStep struct {
	RootGlobs []string
	Cluster   *cluster.Cluster
	Poller    *poller.Poller
	Sleeper   *poller.Sleeper
	Progress  poller.ProgressHandler
}

func (s *SnapshotStep) Name() string { return "snapshot" }

func (s *SnapshotStep) Run(ctx context.Context, sc *steps.Context) error {
	req := &ipc.SnapshotRequest{RootGlobs: s.RootGlobs}
	nodeResults := s.Cluster.RequestFromNodes(ctx, "/snapshot", req, nil)

	starts := make([]poller.StartResult, len(nodeResults))
	for i, r := range nodeResults {
		if r.Err != nil {
			return fmt.Errorf("%w: node %s: %v", coordinatorerr.Transient, r.Node.URL, r.Err)
		}
		starts[i] = poller.StartResult{OpID: r.Start.OpID, StatusURL: r.Start.StatusURL}
	}
	required := len(starts)
	results, err := s.Poller.Wait(ctx, starts, &required, s.Sleeper, s.Progress)
	if err != nil {
		return err
	}
	steps.SetResult(sc, slotSnapshot, results)
	return nil
}

// ListHexdigestsStep fetches the set of hexdigests already present in
// blob storage, so UploadBlocksStep can skip re-uploading them.
type ListHexdigestsStep struct {
	BlobStorage manifest.BlobStorage
}

func (s *ListHexdigestsStep) Name() string { return "list_hexdigests" }

func (s *ListHexdigestsStep) Run(ctx context.Context, sc *steps.Context) error {
	digests, err := s.BlobStorage.ListHexdigests(ctx)
	if err != nil {
		return fmt.Errorf("%w: list hexdigests: %v", coordinatorerr.Transient, err)
	}
	set := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		set[d] = struct{}{}
	}
	steps.SetResult(sc, slotHexdigests, set)
	return nil
}

// UploadBlocksStep distributes and requests the upload of every file
// not yet present in blob storage, deduplicated across nodes.
type UploadBlocksStep struct {
	StorageName string
	Cluster     *cluster.Cluster
	Poller      *poller.Poller
	Sleeper     *poller.Sleeper
	Progress    poller.ProgressHandler
}

func (s *UploadBlocksStep) Name() string { return "upload_blocks" }

func (s *UploadBlocksStep) Run(ctx context.Context, sc *steps.Context) error {
	hexdigests := steps.GetResult[map[string]struct{}](sc, slotHexdigests)
	snapshots := steps.GetResult[[]ipc.SnapshotResult](sc, slotSnapshot)

	nodeIndices := make([]int, len(snapshots))
	for i := range snapshots {
		nodeIndices[i] = i
	}
	assignments, err := placement.BuildNodeIndexDatas(hexdigests, snapshots, nodeIndices)
	if err != nil {
		return err
	}

	starts := make([]poller.StartResult, len(assignments))
	for i, a := range assignments {
		req := &ipc.SnapshotUploadRequest{Hashes: a.SSHashes, Storage: s.StorageName}
		node := s.Cluster.Nodes[a.NodeIndex]
		result := s.Cluster.RequestOne(ctx, node, "/upload", req)
		if result.Err != nil {
			return fmt.Errorf("%w: upload on node %s: %v", coordinatorerr.Transient, node.URL, result.Err)
		}
		starts[i] = poller.StartResult{OpID: result.Start.OpID, StatusURL: result.Start.StatusURL}
	}

	required := len(starts)
	results, err := s.Poller.Wait(ctx, starts, &required, s.Sleeper, s.Progress)
	if err != nil {
		return err
	}
	uploadResults := make([]ipc.SnapshotUploadResult, len(results))
	for i, r := range results {
		uploadResults[i] = ipc.SnapshotUploadResult{Progress: r.Progress}
	}
	steps.SetResult(sc, slotUploadResults, uploadResults)
	return nil
}

// UploadManifestStep stores the completed backup manifest in JSON
// storage under the attempt's derived backup name.
type UploadManifestStep struct {
	JSONStorage manifest.JSONStorage
	Plugin      ipc.Plugin
}

func (s *UploadManifestStep) Name() string { return "upload_manifest" }

func (s *UploadManifestStep) Run(ctx context.Context, sc *steps.Context) error {
	m := ipc.BackupManifest{
		Attempt:         sc.Attempt,
		Start:           sc.AttemptStart,
		SnapshotResults: steps.GetResult[[]ipc.SnapshotResult](sc, slotSnapshot),
		UploadResults:   steps.GetResult[[]ipc.SnapshotUploadResult](sc, slotUploadResults),
		Plugin:          s.Plugin,
	}
	if err := s.JSONStorage.UploadJSON(ctx, sc.BackupName(), m); err != nil {
		return fmt.Errorf("%w: upload manifest: %v", coordinatorerr.Transient, err)
	}
	return nil
}

// BackupNameStep resolves which backup manifest a restore should use.
type BackupNameStep struct {
	JSONStorage   manifest.JSONStorage
	RequestedName string
}

func (s *BackupNameStep) Name() string { return "backup_name" }

func (s *BackupNameStep) Run(ctx context.Context, sc *steps.Context) error {
	name, err := manifest.ResolveBackupName(ctx, s.JSONStorage, s.RequestedName, steps.BackupNamePrefix())
	if err != nil {
		return err
	}
	steps.SetResult(sc, slotBackupName, name)
	return nil
}

// BackupManifestStep downloads the manifest resolved by BackupNameStep.
type BackupManifestStep struct {
	JSONStorage manifest.JSONStorage
}

func (s *BackupManifestStep) Name() string { return "backup_manifest" }

func (s *BackupManifestStep) Run(ctx context.Context, sc *steps.Context) error {
	name := steps.GetResult[string](sc, slotBackupName)
	m, err := manifest.DownloadBackupManifest(ctx, s.JSONStorage, name)
	if err != nil {
		return err
	}
	steps.SetResult(sc, slotBackupManifest, m)
	return nil
}

// RestoreStep requests each node download the files belonging to it per
// the placement decision. An unassigned node is asked to clear its
// files, except in a partial restore, where it is not called at all.
type RestoreStep struct {
	StorageName         string
	PartialRestoreNodes []ipc.PartialRestoreRequestNode
	Cluster             *cluster.Cluster
	Poller              *poller.Poller
	Nodes               []placement.Node
	Sleeper             *poller.Sleeper
	Progress            poller.ProgressHandler
}

func (s *RestoreStep) Name() string { return "restore" }

func (s *RestoreStep) Run(ctx context.Context, sc *steps.Context) error {
	m := steps.GetResult[ipc.BackupManifest](sc, slotBackupManifest)

	nodeToBackupIndex, err := placement.AssignRestoreNodes(s.PartialRestoreNodes, m.SnapshotResults, s.Nodes)
	if err != nil {
		return err
	}

	starts := make([]poller.StartResult, 0, len(s.Cluster.Nodes))
	for i, node := range s.Cluster.Nodes {
		backupIndex := nodeToBackupIndex[i]
		var req ipc.NodeRequest
		var path string
		switch {
		case backupIndex != nil:
			path = "/download"
			req = &ipc.SnapshotDownloadRequest{
				Storage:       s.StorageName,
				BackupName:    steps.GetResult[string](sc, slotBackupName),
				SnapshotIndex: *backupIndex,
				RootGlobs:     m.SnapshotResults[*backupIndex].State.RootGlobs,
			}
		case len(s.PartialRestoreNodes) > 0:
			continue
		default:
			path = "/clear"
			req = &ipc.SnapshotClearRequest{RootGlobs: m.SnapshotResults[0].State.RootGlobs}
		}
		result := s.Cluster.RequestOne(ctx, node, path, req)
		if result.Err != nil {
			return fmt.Errorf("%w: restore on node %s: %v", coordinatorerr.Transient, node.URL, result.Err)
		}
		starts = append(starts, poller.StartResult{OpID: result.Start.OpID, StatusURL: result.Start.StatusURL})
	}
	required := len(starts)
	_, err = s.Poller.Wait(ctx, starts, &required, s.Sleeper, s.Progress)
	return err
}
