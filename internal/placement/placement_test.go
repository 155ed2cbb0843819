package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommelLayco/astacus/internal/ipc"
)

func TestBuildNodeIndexDatasDedupesAcrossNodes(t *testing.T) {
	shared := ipc.SnapshotHash{Hexdigest: "shared", Size: 10}
	onlyA := ipc.SnapshotHash{Hexdigest: "only-a", Size: 100}

	snapshots := []ipc.SnapshotResult{
		{Hashes: []ipc.SnapshotHash{shared, onlyA}},
		{Hashes: []ipc.SnapshotHash{shared}},
	}

	result, err := BuildNodeIndexDatas(map[string]struct{}{}, snapshots, []int{0, 1})
	require.NoError(t, err)

	total := map[string]int{}
	for _, d := range result {
		for _, h := range d.SSHashes {
			total[h.Hexdigest]++
		}
	}
	assert.Equal(t, 1, total["shared"], "a hash shared by two nodes must be assigned to exactly one")
	assert.Equal(t, 1, total["only-a"])
}

func TestBuildNodeIndexDatasSkipsAlreadyUploaded(t *testing.T) {
	h := ipc.SnapshotHash{Hexdigest: "already-there", Size: 5}
	snapshots := []ipc.SnapshotResult{{Hashes: []ipc.SnapshotHash{h}}}

	result, err := BuildNodeIndexDatas(map[string]struct{}{"already-there": {}}, snapshots, []int{0})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestBuildNodeIndexDatasBalancesLoad(t *testing.T) {
	// Node 0 is assigned a large file only it has; the file both nodes
	// have should then go to node 1, whose running total is smaller.
	big := ipc.SnapshotHash{Hexdigest: "big", Size: 1000}
	small := ipc.SnapshotHash{Hexdigest: "small", Size: 1}
	rareOnBoth := ipc.SnapshotHash{Hexdigest: "rare-both", Size: 1}

	snapshots := []ipc.SnapshotResult{
		{Hashes: []ipc.SnapshotHash{big, rareOnBoth}},
		{Hashes: []ipc.SnapshotHash{small, rareOnBoth}},
	}

	result, err := BuildNodeIndexDatas(map[string]struct{}{}, snapshots, []int{0, 1})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, []ipc.SnapshotHash{big}, result[0].SSHashes)
	assert.Equal(t, []ipc.SnapshotHash{small, rareOnBoth}, result[1].SSHashes)
}

func TestAssignRestoreNodesMatchesAZs(t *testing.T) {
	snapshotResults := []ipc.SnapshotResult{
		{Hostname: "a", AZ: "az1"},
		{Hostname: "b", AZ: "az1"},
		{Hostname: "c", AZ: "az2"},
	}
	nodes := []Node{
		{URL: "n1", AZ: "az1"},
		{URL: "n2", AZ: "az1"},
		{URL: "n3", AZ: "az2"},
	}

	assignment, err := AssignRestoreNodes(nil, snapshotResults, nodes)
	require.NoError(t, err)
	require.Len(t, assignment, 3)
	for _, a := range assignment {
		require.NotNil(t, a)
	}
	// Each az1 node must get an az1 backup index and az2 gets az2.
	assert.Contains(t, []int{0, 1}, *assignment[0])
	assert.Contains(t, []int{0, 1}, *assignment[1])
	assert.Equal(t, 2, *assignment[2])
}

func TestAssignRestoreNodesInsufficientNodes(t *testing.T) {
	snapshotResults := []ipc.SnapshotResult{{AZ: "az1"}, {AZ: "az1"}}
	nodes := []Node{{URL: "n1", AZ: "az1"}}

	_, err := AssignRestoreNodes(nil, snapshotResults, nodes)
	require.ErrorIs(t, err, ErrInsufficientNodes)
}

func TestAssignRestoreNodesInsufficientAZs(t *testing.T) {
	snapshotResults := []ipc.SnapshotResult{{AZ: "az1"}, {AZ: "az2"}}
	nodes := []Node{{URL: "n1", AZ: "az1"}, {URL: "n2", AZ: "az1"}}

	_, err := AssignRestoreNodes(nil, snapshotResults, nodes)
	require.ErrorIs(t, err, ErrInsufficientAZs)
}

func TestAssignRestoreNodesPartialByIndex(t *testing.T) {
	snapshotResults := []ipc.SnapshotResult{{Hostname: "a"}, {Hostname: "b"}}
	nodes := []Node{{URL: "n1"}, {URL: "n2"}}

	nodeIdx := 1
	backupIdx := 0
	partial := []ipc.PartialRestoreRequestNode{{NodeIndex: &nodeIdx, BackupIndex: &backupIdx}}

	assignment, err := AssignRestoreNodes(partial, snapshotResults, nodes)
	require.NoError(t, err)
	require.Nil(t, assignment[0])
	require.NotNil(t, assignment[1])
	assert.Equal(t, 0, *assignment[1])
}

func TestAssignRestoreNodesPartialByHostname(t *testing.T) {
	snapshotResults := []ipc.SnapshotResult{{Hostname: "a"}, {Hostname: "b"}}
	nodes := []Node{{URL: "n1"}, {URL: "n2"}}

	partial := []ipc.PartialRestoreRequestNode{{NodeURL: "n2", BackupHostname: "b"}}

	assignment, err := AssignRestoreNodes(partial, snapshotResults, nodes)
	require.NoError(t, err)
	require.Nil(t, assignment[0])
	require.NotNil(t, assignment[1])
	assert.Equal(t, 1, *assignment[1])
}
