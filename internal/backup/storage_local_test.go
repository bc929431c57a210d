package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckArtifactName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"vaultwarden-backup-2026-10-19.tar.gz", false},
		{"plex-backup-2026-10-19.tar.zst.age", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../escape.tar.gz", true},
		{"nested/name.tar.gz", true},
		{`windows\name.tar.gz`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkArtifactName(tt.name)
			if tt.wantErr {
				assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"", "a.tar.gz", "a.tar.gz"},
		{"backups", "a.tar.gz", "backups/a.tar.gz"},
		{"/backups/vw/", "a.tar.gz", "backups/vw/a.tar.gz"},
		{"backups", "", "backups/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinKey(tt.prefix, tt.name), "prefix %q name %q", tt.prefix, tt.name)
	}
}

func TestIsEncryptedName(t *testing.T) {
	assert.True(t, isEncryptedName("a.tar.gz.age"))
	assert.True(t, isEncryptedName("a.tar.gz.enc"))
	assert.False(t, isEncryptedName("a.tar.gz"))
	assert.False(t, isEncryptedName("age"))
}

func TestLocalDestination_ListSkipsNonRegular(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, seedArtifacts(dir, "vw-backup-2026-01-01.tar.gz"))
	require.NoError(t, os.Symlink("vw-backup-2026-01-01.tar.gz", filepath.Join(dir, "vw-backup-latest.tar.gz")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "vw-backup-2026-01-02.tar.gz"), 0o700))

	artifacts, err := NewLocalDestination(dir).List(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "vw-backup-2026-01-01.tar.gz", artifacts[0].Name)
	assert.Equal(t, 2020, artifacts[0].CreatedAt.UTC().Year())
}

func TestLocalDestination_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := NewLocalDestination(t.TempDir())

	_, err := dest.List(ctx)
	assert.Equal(t, BackupErrorTypeCancelled, ErrorTypeOf(err))
	assert.Equal(t, BackupErrorTypeCancelled, ErrorTypeOf(dest.Delete(ctx, "x.tar.gz")))
}
