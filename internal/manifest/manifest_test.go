package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommelLayco/astacus/internal/coordinatorerr"
	"github.com/RommelLayco/astacus/internal/ipc"
)

func TestMemoryJSONStorageRoundTrip(t *testing.T) {
	s := NewMemoryJSONStorage()
	ctx := context.Background()

	m := ipc.BackupManifest{Attempt: 1, Plugin: ipc.PluginFiles}
	require.NoError(t, s.UploadJSON(ctx, "backup-2026-01-01T00:00:00", m))

	var out ipc.BackupManifest
	require.NoError(t, s.DownloadJSON(ctx, "backup-2026-01-01T00:00:00", &out))
	assert.Equal(t, m.Attempt, out.Attempt)
	assert.Equal(t, m.Plugin, out.Plugin)
}

func TestMemoryJSONStorageDownloadMissingIsConfigurationError(t *testing.T) {
	s := NewMemoryJSONStorage()
	var out ipc.BackupManifest
	err := s.DownloadJSON(context.Background(), "does-not-exist", &out)
	assert.ErrorIs(t, err, coordinatorerr.Configuration)
}

func TestMemoryJSONStorageListIsSorted(t *testing.T) {
	s := NewMemoryJSONStorage()
	ctx := context.Background()
	require.NoError(t, s.UploadJSON(ctx, "backup-3", ipc.BackupManifest{}))
	require.NoError(t, s.UploadJSON(ctx, "backup-1", ipc.BackupManifest{}))
	require.NoError(t, s.UploadJSON(ctx, "backup-2", ipc.BackupManifest{}))

	names, err := s.ListJSONs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup-1", "backup-2", "backup-3"}, names)
}

func TestMemoryJSONStorageDelete(t *testing.T) {
	s := NewMemoryJSONStorage()
	ctx := context.Background()
	require.NoError(t, s.UploadJSON(ctx, "backup-1", ipc.BackupManifest{}))
	require.NoError(t, s.DeleteJSON(ctx, "backup-1"))

	names, err := s.ListJSONs(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryBlobStoragePutAndList(t *testing.T) {
	s := NewMemoryBlobStorage()
	s.Put("digest-a", []byte("hello"))
	s.Put("digest-b", []byte("world"))

	digests, err := s.ListHexdigests(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"digest-a", "digest-b"}, digests)
}

func TestDownloadBackupManifest(t *testing.T) {
	s := NewMemoryJSONStorage()
	ctx := context.Background()
	want := ipc.BackupManifest{Attempt: 7, Plugin: ipc.PluginFiles}
	require.NoError(t, s.UploadJSON(ctx, "backup-x", want))

	got, err := DownloadBackupManifest(ctx, s, "backup-x")
	require.NoError(t, err)
	assert.Equal(t, want.Attempt, got.Attempt)
}

func TestResolveBackupNameNoRequestPicksNewest(t *testing.T) {
	s := NewMemoryJSONStorage()
	ctx := context.Background()
	require.NoError(t, s.UploadJSON(ctx, "backup-2026-01-01T00:00:00", ipc.BackupManifest{}))
	require.NoError(t, s.UploadJSON(ctx, "backup-2026-02-01T00:00:00", ipc.BackupManifest{}))

	name, err := ResolveBackupName(ctx, s, "", "backup-")
	require.NoError(t, err)
	assert.Equal(t, "backup-2026-02-01T00:00:00", name)
}

func TestResolveBackupNameNoRequestNoBackupsIsConfigurationError(t *testing.T) {
	s := NewMemoryJSONStorage()
	_, err := ResolveBackupName(context.Background(), s, "", "backup-")
	assert.ErrorIs(t, err, coordinatorerr.Configuration)
}

func TestResolveBackupNameRequestedAlreadyPrefixed(t *testing.T) {
	s := NewMemoryJSONStorage()
	name, err := ResolveBackupName(context.Background(), s, "backup-2026-01-01T00:00:00", "backup-")
	require.NoError(t, err)
	assert.Equal(t, "backup-2026-01-01T00:00:00", name)
}

func TestResolveBackupNameRequestedGetsPrefixed(t *testing.T) {
	s := NewMemoryJSONStorage()
	name, err := ResolveBackupName(context.Background(), s, "2026-01-01T00:00:00", "backup-")
	require.NoError(t, err)
	assert.Equal(t, "backup-2026-01-01T00:00:00", name)
}
