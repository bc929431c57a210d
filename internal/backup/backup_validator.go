package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"app-backup/internal/logging"
)

// ValidationReport describes an artifact that was read back successfully
type ValidationReport struct {
	Artifact    string          `json:"artifact"`
	Compression CompressionType `json:"compression"`
	Encrypted   bool            `json:"encrypted"`
	Root        string          `json:"root"`
	Entries     int             `json:"entries"`
	Files       int             `json:"files"`
	Bytes       int64           `json:"bytes"`
	Checksum    string          `json:"sha256"`
}

// ArtifactValidator reads an artifact end to end: container, compression
// stream and every tar entry.
type ArtifactValidator struct {
	passphrase string
	logger     *logging.Logger
}

// NewArtifactValidator creates a validator. The passphrase is only needed
// for encrypted artifacts.
func NewArtifactValidator(passphrase string, logger *logging.Logger) *ArtifactValidator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ArtifactValidator{passphrase: passphrase, logger: logger}
}

// ParseArtifactName derives compression and encryption from an artifact file name
func ParseArtifactName(name string) (CompressionType, bool, error) {
	base := filepath.Base(name)
	encrypted := isEncryptedName(base)
	if encrypted {
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".age"), ".enc")
	}
	idx := strings.LastIndex(base, ".tar.")
	if idx < 0 {
		return "", false, NewConfigurationError("not a tar artifact", nil).WithContext("name", name)
	}
	compression, err := ParseCompressionType(base[idx+len(".tar."):])
	if err != nil {
		return "", false, err
	}
	return compression, encrypted, nil
}

// Validate checks that the artifact at artifactPath decrypts, decompresses
// and contains a single non-empty tree without unsafe entry names.
func (v *ArtifactValidator) Validate(ctx context.Context, artifactPath string) (report *ValidationReport, err error) {
	done := v.logger.LogOperationStart("validate_artifact", map[string]interface{}{"artifact": artifactPath})
	defer func() { done(err) }()

	compression, encrypted, err := ParseArtifactName(artifactPath)
	if err != nil {
		return nil, err
	}
	checksum, err := CalculateChecksum(artifactPath)
	if err != nil {
		return nil, err
	}

	report = &ValidationReport{
		Artifact:    filepath.Base(artifactPath),
		Compression: compression,
		Encrypted:   encrypted,
		Checksum:    checksum,
	}

	archivePath := artifactPath
	if encrypted {
		if v.passphrase == "" {
			return nil, NewConfigurationError("passphrase required to validate an encrypted artifact", nil)
		}
		tmpDir, err := os.MkdirTemp("", "app-backup-verify-*")
		if err != nil {
			return nil, NewIOError("failed to create temp directory", err)
		}
		defer os.RemoveAll(tmpDir)

		archivePath = filepath.Join(tmpDir, "artifact.tar")
		if err := DecryptFile(ctx, artifactPath, archivePath, v.passphrase); err != nil {
			return nil, err
		}
	}

	err = WalkArchive(archivePath, compression, func(hdr *tar.Header, r io.Reader) error {
		if err := ctxError(ctx); err != nil {
			return err
		}
		name := strings.TrimSuffix(hdr.Name, "/")
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") || strings.Contains(name, "/../") {
			return NewCompressionError("unsafe entry name in archive", nil).WithContext("entry", hdr.Name)
		}
		root, _, _ := strings.Cut(name, "/")
		if report.Root == "" {
			report.Root = root
		} else if root != report.Root {
			return NewCompressionError("archive has more than one top-level directory", nil).
				WithContext("roots", []string{report.Root, root})
		}

		report.Entries++
		if hdr.Typeflag == tar.TypeReg {
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				return NewCompressionError("failed to read archive entry", err).WithContext("entry", hdr.Name)
			}
			if n != hdr.Size {
				return NewCompressionError("truncated archive entry", nil).WithContext("entry", hdr.Name)
			}
			report.Files++
			report.Bytes += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.Entries == 0 {
		return nil, NewCompressionError("archive is empty", nil).WithContext("path", artifactPath)
	}

	v.logger.WithFields(map[string]interface{}{
		"artifact": report.Artifact,
		"entries":  report.Entries,
		"bytes":    report.Bytes,
	}).Debug("Artifact validated")
	return report, nil
}

// CalculateChecksum returns the hex sha256 of a file
func CalculateChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", NewIOError("failed to open artifact", err).WithContext("path", p)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", NewIOError("failed to read artifact", err).WithContext("path", p)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// VerifyChecksum reports whether the file at p has the expected checksum
func VerifyChecksum(p, expected string) (bool, error) {
	actual, err := CalculateChecksum(p)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

func (r *ValidationReport) String() string {
	return fmt.Sprintf("%s: %d entries, %d files, %d bytes", r.Artifact, r.Entries, r.Files, r.Bytes)
}
