package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-backup/internal/config"
)

func fastEncryptor(t *testing.T, format, passphrase string) *FileEncryptor {
	t.Helper()
	enc, err := NewFileEncryptor(format, passphrase, nil)
	require.NoError(t, err)
	enc.ageWorkFactor = 10
	enc.iterations = 1000
	return enc
}

func writeArtifact(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(dir, "app-backup-2026-10-19.tar.gz")
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p, data
}

func TestFileEncryptor_RoundTrip(t *testing.T) {
	sizes := []int{0, 100, gcmChunkSize, 2*gcmChunkSize + 7}
	for _, format := range []string{EncryptionFormatAge, EncryptionFormatAESGCM} {
		for _, size := range sizes {
			t.Run(format, func(t *testing.T) {
				dir := t.TempDir()
				plain, data := writeArtifact(t, dir, size)
				enc := fastEncryptor(t, format, "correct horse")

				handle, err := enc.Encrypt(context.Background(), plain)
				require.NoError(t, err, "size %d", size)

				assert.Equal(t, plain+enc.Extension(), handle.Path)
				assert.True(t, handle.Encrypted)
				assert.NoFileExists(t, plain, "plaintext must not survive encryption")

				entries, err := os.ReadDir(dir)
				require.NoError(t, err)
				require.Len(t, entries, 1)
				info, err := entries[0].Info()
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
				assert.Equal(t, info.Size(), handle.Size)

				restored := filepath.Join(t.TempDir(), "restored")
				require.NoError(t, DecryptFile(context.Background(), handle.Path, restored, "correct horse"))
				got, err := os.ReadFile(restored)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got), "size %d", size)
			})
		}
	}
}

func TestFileEncryptor_Extension(t *testing.T) {
	assert.Equal(t, ".age", fastEncryptor(t, "age", "p").Extension())
	assert.Equal(t, ".age", fastEncryptor(t, "", "p").Extension())
	assert.Equal(t, ".enc", fastEncryptor(t, "AES-256-GCM", "p").Extension())
}

func TestDecryptFile_WrongPassphrase(t *testing.T) {
	for _, format := range []string{EncryptionFormatAge, EncryptionFormatAESGCM} {
		t.Run(format, func(t *testing.T) {
			plain, _ := writeArtifact(t, t.TempDir(), 1024)
			handle, err := fastEncryptor(t, format, "right").Encrypt(context.Background(), plain)
			require.NoError(t, err)

			out := filepath.Join(t.TempDir(), "out")
			err = DecryptFile(context.Background(), handle.Path, out, "wrong")
			require.Error(t, err)
			assert.Equal(t, BackupErrorTypeEncryption, ErrorTypeOf(err))
			assert.NoFileExists(t, out)
		})
	}
}

func TestDecryptFile_DetectsTampering(t *testing.T) {
	plain, _ := writeArtifact(t, t.TempDir(), 3*gcmChunkSize)
	handle, err := fastEncryptor(t, EncryptionFormatAESGCM, "pw").Encrypt(context.Background(), plain)
	require.NoError(t, err)
	raw, err := os.ReadFile(handle.Path)
	require.NoError(t, err)

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[gcmHeaderSize+gcmFrameHeader+10] ^= 0xff
		p := filepath.Join(t.TempDir(), "bad.tar.gz.enc")
		require.NoError(t, os.WriteFile(p, bad, 0o600))
		assert.Error(t, DecryptFile(context.Background(), p, filepath.Join(t.TempDir(), "o"), "pw"))
	})

	t.Run("truncated after a full frame", func(t *testing.T) {
		frame := gcmFrameHeader + gcmChunkSize + 16
		p := filepath.Join(t.TempDir(), "short.tar.gz.enc")
		require.NoError(t, os.WriteFile(p, raw[:gcmHeaderSize+frame], 0o600))
		assert.Error(t, DecryptFile(context.Background(), p, filepath.Join(t.TempDir(), "o"), "pw"))
	})

	t.Run("not a container", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "junk.tar.gz.enc")
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte("x"), 200), 0o600))
		assert.Error(t, DecryptFile(context.Background(), p, filepath.Join(t.TempDir(), "o"), "pw"))
	})
}

func TestFileEncryptor_FailureKeepsPlaintext(t *testing.T) {
	dir := t.TempDir()
	plain, _ := writeArtifact(t, dir, 4*gcmChunkSize)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastEncryptor(t, EncryptionFormatAESGCM, "pw").Encrypt(ctx, plain)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeCancelled, ErrorTypeOf(err))

	assert.FileExists(t, plain)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial container left behind")
}

func TestFileEncryptor_MissingArtifact(t *testing.T) {
	_, err := fastEncryptor(t, "age", "pw").Encrypt(context.Background(), filepath.Join(t.TempDir(), "none.tar.gz"))
	assert.Equal(t, BackupErrorTypeEncryption, ErrorTypeOf(err))
}

func TestNewEncryptor(t *testing.T) {
	enc, err := NewEncryptor(config.EncryptionConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, enc)

	enc, err = NewEncryptor(config.EncryptionConfig{Enabled: true, Format: "age", Passphrase: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ".age", enc.Extension())

	_, err = NewEncryptor(config.EncryptionConfig{Enabled: true, Passphrase: ""}, nil)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))

	_, err = NewEncryptor(config.EncryptionConfig{Enabled: true, Format: "rot13", Passphrase: "x"}, nil)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
}
