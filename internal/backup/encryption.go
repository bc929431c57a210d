package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"golang.org/x/crypto/pbkdf2"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

const (
	EncryptionFormatAge    = "age"
	EncryptionFormatAESGCM = "aes-256-gcm"

	gcmMagic       = "APPBKGCM"
	gcmVersion     = 1
	gcmSaltSize    = 16
	gcmPrefixSize  = 4
	gcmChunkSize   = 64 * 1024
	gcmIterations  = 210000
	gcmHeaderSize  = len(gcmMagic) + 1 + 4 + 4 + gcmSaltSize + gcmPrefixSize
	gcmFrameHeader = 5
)

// FileEncryptor replaces a plaintext artifact with an encrypted container
type FileEncryptor struct {
	format     string
	passphrase string
	logger     *logging.Logger

	// tuning knobs, lowered in tests
	ageWorkFactor int
	iterations    int
}

// NewEncryptor returns the configured encryptor, or nil when encryption is off
func NewEncryptor(cfg config.EncryptionConfig, logger *logging.Logger) (Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	enc, err := NewFileEncryptor(cfg.Format, cfg.Passphrase, logger)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// NewFileEncryptor creates an encryptor for format ("age" or "aes-256-gcm")
func NewFileEncryptor(format, passphrase string, logger *logging.Logger) (*FileEncryptor, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if passphrase == "" {
		return nil, NewConfigurationError("encryption passphrase is empty", nil)
	}
	format = strings.ToLower(format)
	switch format {
	case "":
		format = EncryptionFormatAge
	case EncryptionFormatAge, EncryptionFormatAESGCM:
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported encryption format: %s", format), nil)
	}
	return &FileEncryptor{
		format:     format,
		passphrase: passphrase,
		logger:     logger,
		iterations: gcmIterations,
	}, nil
}

// Format returns the container format
func (e *FileEncryptor) Format() string {
	return e.format
}

// Extension is the suffix appended to the artifact name
func (e *FileEncryptor) Extension() string {
	if e.format == EncryptionFormatAESGCM {
		return ".enc"
	}
	return ".age"
}

// Encrypt writes <artifactPath><ext> and removes the plaintext. On failure the
// plaintext is kept and no partial container remains.
func (e *FileEncryptor) Encrypt(ctx context.Context, artifactPath string) (*ArtifactHandle, error) {
	start := time.Now()
	outPath := artifactPath + e.Extension()

	in, err := os.Open(artifactPath)
	if err != nil {
		return nil, NewEncryptionError("failed to open plaintext artifact", err).
			WithContext("path", artifactPath).
			WithStage(StageEncrypting)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(outPath), "."+filepath.Base(outPath)+".*.tmp")
	if err != nil {
		return nil, NewIOError("failed to create temporary container", err).
			WithContext("path", outPath).
			WithStage(StageEncrypting)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*ArtifactHandle, error) {
		tmp.Close()
		_ = os.Remove(tmpPath)
		var be *BackupError
		if errors.As(err, &be) {
			return nil, be.WithStage(StageEncrypting)
		}
		return nil, NewEncryptionError("failed to encrypt artifact", err).
			WithContext("path", artifactPath).
			WithStage(StageEncrypting)
	}

	buffered := bufio.NewWriterSize(tmp, 256*1024)
	src := &ctxReader{ctx: ctx, r: in}
	switch e.format {
	case EncryptionFormatAESGCM:
		err = e.encryptGCM(buffered, src)
	default:
		err = e.encryptAge(buffered, src)
	}
	if err == nil {
		err = buffered.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to close container", err).WithStage(StageEncrypting)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to set container mode", err).WithStage(StageEncrypting)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to move container into place", err).
			WithContext("path", outPath).
			WithStage(StageEncrypting)
	}

	if err := os.Remove(artifactPath); err != nil {
		// Both copies exist. Drop the container so the run reports a
		// plaintext artifact rather than an ambiguous pair.
		_ = os.Remove(outPath)
		return nil, NewEncryptionError("failed to remove plaintext artifact", err).
			WithContext("path", artifactPath).
			WithStage(StageEncrypting)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, NewIOError("failed to stat container", err).WithStage(StageEncrypting)
	}

	e.logger.WithFields(map[string]interface{}{
		"artifact": outPath,
		"format":   e.format,
		"duration": time.Since(start).String(),
	}).Info("Artifact encrypted")

	return &ArtifactHandle{
		Name:      filepath.Base(outPath),
		Path:      outPath,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Encrypted: true,
	}, nil
}

func (e *FileEncryptor) encryptAge(dst io.Writer, src io.Reader) error {
	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return NewEncryptionError("failed to create age recipient", err)
	}
	if e.ageWorkFactor > 0 {
		recipient.SetWorkFactor(e.ageWorkFactor)
	}
	w, err := age.Encrypt(dst, recipient)
	if err != nil {
		return NewEncryptionError("failed to start age stream", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return NewEncryptionError("failed to finish age stream", err)
	}
	return nil
}

// encryptGCM writes a header (magic, version, iterations, chunk size, salt,
// nonce prefix) followed by frames of [len uint32][final byte][sealed chunk].
// The header and final flag are bound into each chunk's additional data.
func (e *FileEncryptor) encryptGCM(dst io.Writer, src io.Reader) error {
	header := make([]byte, 0, gcmHeaderSize)
	header = append(header, gcmMagic...)
	header = append(header, gcmVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(e.iterations))
	header = binary.BigEndian.AppendUint32(header, gcmChunkSize)
	random := make([]byte, gcmSaltSize+gcmPrefixSize)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return NewEncryptionError("failed to generate salt", err)
	}
	header = append(header, random...)

	aead, err := newGCM(e.passphrase, random[:gcmSaltSize], e.iterations)
	if err != nil {
		return err
	}
	if _, err := dst.Write(header); err != nil {
		return err
	}

	prefix := random[gcmSaltSize:]
	buf := make([]byte, gcmChunkSize)
	next := make([]byte, gcmChunkSize)
	n, err := io.ReadFull(src, buf)
	var counter uint64
	for {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		final := err != nil
		var m int
		var nextErr error
		if !final {
			m, nextErr = io.ReadFull(src, next)
			if errors.Is(nextErr, io.EOF) {
				final = true
			} else if nextErr != nil && !errors.Is(nextErr, io.ErrUnexpectedEOF) {
				return nextErr
			}
		}

		sealed := aead.Seal(nil, gcmNonce(prefix, counter), buf[:n], gcmAAD(header, final))
		frame := binary.BigEndian.AppendUint32(make([]byte, 0, gcmFrameHeader), uint32(len(sealed)))
		if final {
			frame = append(frame, 1)
		} else {
			frame = append(frame, 0)
		}
		if _, err := dst.Write(frame); err != nil {
			return err
		}
		if _, err := dst.Write(sealed); err != nil {
			return err
		}
		if final {
			return nil
		}
		counter++
		buf, next = next, buf
		n, err = m, nextErr
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Short read: this chunk is the last one.
			err = io.EOF
		}
	}
}

func newGCM(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return aead, nil
}

func gcmNonce(prefix []byte, counter uint64) []byte {
	nonce := make([]byte, 0, 12)
	nonce = append(nonce, prefix...)
	return binary.BigEndian.AppendUint64(nonce, counter)
}

func gcmAAD(header []byte, final bool) []byte {
	aad := append([]byte(nil), header...)
	if final {
		return append(aad, 1)
	}
	return append(aad, 0)
}

// DecryptFile restores a container written by FileEncryptor into outPath.
// The format is taken from the file extension.
func DecryptFile(ctx context.Context, encryptedPath, outPath, passphrase string) error {
	in, err := os.Open(encryptedPath)
	if err != nil {
		return NewEncryptionError("failed to open container", err).WithContext("path", encryptedPath)
	}
	defer in.Close()

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return NewIOError("failed to create output", err).WithContext("path", outPath)
	}

	src := &ctxReader{ctx: ctx, r: bufio.NewReader(in)}
	switch {
	case strings.HasSuffix(encryptedPath, ".enc"):
		err = decryptGCM(out, src, passphrase)
	case strings.HasSuffix(encryptedPath, ".age"):
		err = decryptAge(out, src, passphrase)
	default:
		err = NewEncryptionError("unknown container extension", nil).WithContext("path", encryptedPath)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(outPath)
		var be *BackupError
		if errors.As(err, &be) {
			return be
		}
		return NewEncryptionError("failed to decrypt container", err).WithContext("path", encryptedPath)
	}
	return nil
}

func decryptAge(dst io.Writer, src io.Reader, passphrase string) error {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return NewEncryptionError("failed to create age identity", err)
	}
	r, err := age.Decrypt(src, identity)
	if err != nil {
		return NewEncryptionError("failed to open age container", err)
	}
	_, err = io.Copy(dst, r)
	return err
}

func decryptGCM(dst io.Writer, src io.Reader, passphrase string) error {
	header := make([]byte, gcmHeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return NewEncryptionError("container header is truncated", err)
	}
	if !bytes.Equal(header[:len(gcmMagic)], []byte(gcmMagic)) || header[len(gcmMagic)] != gcmVersion {
		return NewEncryptionError("not an aes-256-gcm container", nil)
	}
	off := len(gcmMagic) + 1
	iterations := int(binary.BigEndian.Uint32(header[off:]))
	chunkSize := int(binary.BigEndian.Uint32(header[off+4:]))
	salt := header[off+8 : off+8+gcmSaltSize]
	prefix := header[off+8+gcmSaltSize:]

	aead, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return err
	}

	frame := make([]byte, gcmFrameHeader)
	var counter uint64
	for {
		if _, err := io.ReadFull(src, frame); err != nil {
			return NewEncryptionError("container is truncated", err)
		}
		size := int(binary.BigEndian.Uint32(frame))
		final := frame[4] == 1
		if size > chunkSize+aead.Overhead() {
			return NewEncryptionError("container frame is too large", nil)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return NewEncryptionError("container is truncated", err)
		}
		plain, err := aead.Open(nil, gcmNonce(prefix, counter), sealed, gcmAAD(header, final))
		if err != nil {
			return NewEncryptionError("wrong passphrase or corrupted container", err)
		}
		if _, err := dst.Write(plain); err != nil {
			return err
		}
		if final {
			var trailing [1]byte
			if n, _ := src.Read(trailing[:]); n > 0 {
				return NewEncryptionError("trailing data after final frame", nil)
			}
			return nil
		}
		counter++
	}
}

// ctxReader stops a long stream copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := ctxError(c.ctx); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
