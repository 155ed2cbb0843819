// Package placement implements the two algorithms that decide which
// node does what: fair, deduplicated assignment of upload work during
// a backup, and availability-zone-aware assignment of backup snapshots
// to live nodes during a restore.
//
// Grounded on astacus/coordinator/plugins/base.py's build_node_index_datas,
// get_node_to_backup_index, get_node_to_backup_index_from_partial_restore_nodes
// and get_node_to_backup_index_from_azs.
package placement

import (
	"fmt"
	"sort"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
)

// NodeIndexData collects the snapshot hashes one node has been assigned
// to upload, plus the running total size of that assignment (used to
// keep the distribution balanced as more hashes are assigned).
type NodeIndexData struct {
	NodeIndex int
	SSHashes  []ipc.SnapshotHash
	TotalSize int64
}

func (d *NodeIndexData) appendHash(h ipc.SnapshotHash) {
	d.TotalSize += h.Size
	d.SSHashes = append(d.SSHashes, h)
}

// BuildNodeIndexDatas assigns every hash present in snapshots but
// absent from hexdigests to exactly one node, favoring the rarest
// hashes first (so a hash only one node has is assigned before one
// every node has, which would otherwise crowd out the rare ones), then
// within a tie the largest first, each time picking whichever eligible
// node currently holds the least total assigned size. Nodes assigned
// nothing are omitted from the result.
func BuildNodeIndexDatas(hexdigests map[string]struct{}, snapshots []ipc.SnapshotResult, nodeIndices []int) ([]NodeIndexData, error) {
	if len(snapshots) != len(nodeIndices) {
		return nil, fmt.Errorf("%w: %d snapshots vs %d node indices", coordinatorerr.ProgrammingError, len(snapshots), len(nodeIndices))
	}

	type owners struct {
		hash    ipc.SnapshotHash
		indices []int
	}
	ownersByHash := map[ipc.SnapshotHash]*owners{}
	order := make([]ipc.SnapshotHash, 0)
	for i, snap := range snapshots {
		for _, h := range snap.Hashes {
			o, ok := ownersByHash[h]
			if !ok {
				o = &owners{hash: h}
				ownersByHash[h] = o
				order = append(order, h)
			}
			o.indices = append(o.indices, nodeIndices[i])
		}
	}

	data := make([]*NodeIndexData, len(nodeIndices))
	dataByIndex := make(map[int]*NodeIndexData, len(nodeIndices))
	for i, idx := range nodeIndices {
		data[i] = &NodeIndexData{NodeIndex: idx}
		dataByIndex[idx] = data[i]
	}

	todo := make([]*owners, 0, len(order))
	for _, h := range order {
		todo = append(todo, ownersByHash[h])
	}
	// Rarest hash first, then largest first, matching
	// _sshash_to_node_indexes_key's (len(indexes), -size) sort key.
	sort.SliceStable(todo, func(i, j int) bool {
		if len(todo[i].indices) != len(todo[j].indices) {
			return len(todo[i].indices) < len(todo[j].indices)
		}
		return todo[i].hash.Size > todo[j].hash.Size
	})

	for _, o := range todo {
		if _, present := hexdigests[o.hash.Hexdigest]; present {
			continue
		}
		bestIdx := o.indices[0]
		bestSize := dataByIndex[bestIdx].TotalSize
		for _, idx := range o.indices[1:] {
			if dataByIndex[idx].TotalSize < bestSize {
				bestSize = dataByIndex[idx].TotalSize
				bestIdx = idx
			}
		}
		dataByIndex[bestIdx].appendHash(o.hash)
	}

	result := make([]NodeIndexData, 0, len(data))
	for _, d := range data {
		if len(d.SSHashes) > 0 {
			result = append(result, *d)
		}
	}
	return result, nil
}

// Node is the minimal node shape the placement algorithms need.
type Node struct {
	URL string
	AZ  string
}

// ErrInsufficientNodes is returned when a restore would need more
// nodes than are configured.
var ErrInsufficientNodes = fmt.Errorf("%w: insufficient_nodes", coordinatorerr.Configuration)

// ErrInsufficientAZs is returned when the backup spans more
// availability zones than the live cluster has.
var ErrInsufficientAZs = fmt.Errorf("%w: insufficient_azs", coordinatorerr.Configuration)

// AssignRestoreNodes decides, for each live node, which backup snapshot
// index (if any) it should restore. partialNodes, when non-empty, pins
// specific nodes to specific snapshot indices explicitly and leaves
// every other node unassigned (rather than falling back to AZ
// matching), mirroring get_node_to_backup_index.
func AssignRestoreNodes(partialNodes []ipc.PartialRestoreRequestNode, snapshotResults []ipc.SnapshotResult, nodes []Node) ([]*int, error) {
	if len(partialNodes) > 0 {
		return assignFromPartialRestoreNodes(partialNodes, snapshotResults, nodes)
	}

	if len(nodes) < len(snapshotResults) {
		return nil, fmt.Errorf("%w: %d node(s) missing", ErrInsufficientNodes, len(snapshotResults)-len(nodes))
	}

	azsInBackup := countMostCommon(azsOfResults(snapshotResults))
	azsInNodes := countMostCommon(azsOfNodes(nodes))
	if len(azsInBackup) > len(azsInNodes) {
		return nil, fmt.Errorf("%w: %d az(s) missing", ErrInsufficientAZs, len(azsInBackup)-len(azsInNodes))
	}

	return assignFromAZs(snapshotResults, nodes, azsInBackup, azsInNodes)
}

func assignFromPartialRestoreNodes(partialNodes []ipc.PartialRestoreRequestNode, snapshotResults []ipc.SnapshotResult, nodes []Node) ([]*int, error) {
	assignment := make([]*int, len(nodes))

	urlToNodeIndex := make(map[string]int, len(nodes))
	for i, n := range nodes {
		urlToNodeIndex[n.URL] = i
	}
	hostnameToBackupIndex := make(map[string]int, len(snapshotResults))
	for i, r := range snapshotResults {
		hostnameToBackupIndex[r.Hostname] = i
	}

	for _, req := range partialNodes {
		nodeIndex, err := resolveNodeIndex(req, urlToNodeIndex, len(nodes))
		if err != nil {
			return nil, err
		}
		backupIndex, err := resolveBackupIndex(req, hostnameToBackupIndex, len(snapshotResults))
		if err != nil {
			return nil, err
		}
		b := backupIndex
		assignment[nodeIndex] = &b
	}
	return assignment, nil
}

func resolveNodeIndex(req ipc.PartialRestoreRequestNode, urlToNodeIndex map[string]int, numNodes int) (int, error) {
	if req.NodeIndex != nil {
		idx := *req.NodeIndex
		if idx < 0 || idx >= numNodes {
			return 0, fmt.Errorf("%w: invalid node_index %d, must be 0 <= idx < %d", coordinatorerr.Configuration, idx, numNodes)
		}
		return idx, nil
	}
	idx, ok := urlToNodeIndex[req.NodeURL]
	if !ok {
		return 0, fmt.Errorf("%w: partial restore url %q not found", coordinatorerr.Configuration, req.NodeURL)
	}
	return idx, nil
}

func resolveBackupIndex(req ipc.PartialRestoreRequestNode, hostnameToBackupIndex map[string]int, numBackupNodes int) (int, error) {
	if req.BackupIndex != nil {
		idx := *req.BackupIndex
		if idx < 0 || idx >= numBackupNodes {
			return 0, fmt.Errorf("%w: invalid backup_index %d, must be 0 <= idx < %d", coordinatorerr.Configuration, idx, numBackupNodes)
		}
		return idx, nil
	}
	idx, ok := hostnameToBackupIndex[req.BackupHostname]
	if !ok {
		return 0, fmt.Errorf("%w: partial restore hostname %q not found in backup manifest", coordinatorerr.Configuration, req.BackupHostname)
	}
	return idx, nil
}

type azCount struct {
	az    string
	count int
}

func countMostCommon(azs []string) []azCount {
	counts := map[string]int{}
	order := make([]string, 0)
	for _, az := range azs {
		if _, seen := counts[az]; !seen {
			order = append(order, az)
		}
		counts[az]++
	}
	result := make([]azCount, len(order))
	for i, az := range order {
		result[i] = azCount{az: az, count: counts[az]}
	}
	// most_common: descending by count, stable on first-seen order for ties.
	sort.SliceStable(result, func(i, j int) bool { return result[i].count > result[j].count })
	return result
}

func azsOfResults(results []ipc.SnapshotResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.AZ
	}
	return out
}

func azsOfNodes(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.AZ
	}
	return out
}

func assignFromAZs(snapshotResults []ipc.SnapshotResult, nodes []Node, azsInBackup, azsInNodes []azCount) ([]*int, error) {
	assignment := make([]*int, len(nodes))

	count := len(azsInBackup)
	if len(azsInNodes) < count {
		count = len(azsInNodes)
	}
	for i := 0; i < count; i++ {
		backupAZ, backupN := azsInBackup[i].az, azsInBackup[i].count
		nodeAZ, nodeN := azsInNodes[i].az, azsInNodes[i].count
		if backupN > nodeN {
			return nil, fmt.Errorf("%w: az %s, to be restored from %s, is missing %d node(s)", ErrInsufficientNodes, nodeAZ, backupAZ, backupN-nodeN)
		}

		for backupIndex, snap := range snapshotResults {
			if snap.AZ != backupAZ {
				continue
			}
			for nodeIndex, n := range nodes {
				if n.AZ != nodeAZ || assignment[nodeIndex] != nil {
					continue
				}
				idx := backupIndex
				assignment[nodeIndex] = &idx
				break
			}
		}
	}
	return assignment, nil
}
