package backup

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-backup/internal/config"
)

func readArchive(t *testing.T, artifact string, algorithm CompressionType) map[string]string {
	t.Helper()
	entries := make(map[string]string)
	err := WalkArchive(artifact, algorithm, func(hdr *tar.Header, r io.Reader) error {
		switch hdr.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			entries[hdr.Name] = string(data)
		case tar.TypeSymlink:
			entries[hdr.Name] = "-> " + hdr.Linkname
		default:
			entries[hdr.Name] = ""
		}
		return nil
	})
	require.NoError(t, err)
	return entries
}

func TestArchiver_Archive(t *testing.T) {
	for _, compression := range []string{"gzip", "zstd", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			staging := filepath.Join(t.TempDir(), "vaultwarden-2026-10-19")
			writeTree(t, staging, map[string]string{
				"db.sqlite3":        "snapshot",
				"attachments/a.bin": "attachment",
			})
			require.NoError(t, os.Symlink("db.sqlite3", filepath.Join(staging, "db.link")))

			a, err := NewArchiver(config.ArchiveConfig{Compression: compression}, nil)
			require.NoError(t, err)

			outDir := filepath.Join(t.TempDir(), "out")
			artifact := filepath.Join(outDir, "vaultwarden-backup-2026-10-19.tar."+a.Algorithm().Extension())
			handle, err := a.Archive(context.Background(), staging, artifact)
			require.NoError(t, err)

			assert.Equal(t, filepath.Base(artifact), handle.Name)
			assert.Equal(t, a.Algorithm(), handle.Compression)
			assert.False(t, handle.Encrypted)
			info, err := os.Stat(artifact)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), handle.Size)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			entries := readArchive(t, artifact, a.Algorithm())
			assert.Equal(t, "snapshot", entries["vaultwarden-2026-10-19/db.sqlite3"])
			assert.Equal(t, "attachment", entries["vaultwarden-2026-10-19/attachments/a.bin"])
			assert.Equal(t, "-> db.sqlite3", entries["vaultwarden-2026-10-19/db.link"])
			assert.Contains(t, entries, "vaultwarden-2026-10-19/attachments/")

			dirEntries, err := os.ReadDir(outDir)
			require.NoError(t, err)
			assert.Len(t, dirEntries, 1, "no temporary files left behind")
		})
	}
}

func TestArchiver_OverwritesSameDayArtifact(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "app-2026-10-19")
	writeTree(t, staging, map[string]string{"f": "second"})

	artifact := filepath.Join(t.TempDir(), "app-backup-2026-10-19.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("first run"), 0o600))

	a, err := NewArchiver(config.ArchiveConfig{Compression: "gzip", Level: 6}, nil)
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), staging, artifact)
	require.NoError(t, err)

	assert.Equal(t, "second", readArchive(t, artifact, CompressionTypeGzip)["app-2026-10-19/f"])
}

func TestArchiver_FailureLeavesNoArtifact(t *testing.T) {
	outDir := t.TempDir()
	artifact := filepath.Join(outDir, "app-backup-2026-10-19.tar.gz")

	a, err := NewArchiver(config.ArchiveConfig{Compression: "gzip"}, nil)
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), filepath.Join(t.TempDir(), "missing"), artifact)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeIO, ErrorTypeOf(err))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiver_Cancelled(t *testing.T) {
	staging := t.TempDir()
	writeTree(t, staging, map[string]string{"f": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := NewArchiver(config.ArchiveConfig{}, nil)
	require.NoError(t, err)
	_, err = a.Archive(ctx, staging, filepath.Join(t.TempDir(), "a.tar.gz"))
	assert.Equal(t, BackupErrorTypeCancelled, ErrorTypeOf(err))
}

func TestNewArchiver_UnknownCompression(t *testing.T) {
	_, err := NewArchiver(config.ArchiveConfig{Compression: "rar"}, nil)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
}
