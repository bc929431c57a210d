package backup

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// Archiver packs a staging tree into a single compressed tar artifact
type Archiver struct {
	compression *CompressionManager
	algorithm   CompressionType
	level       int
	logger      *logging.Logger
}

// NewArchiver creates an archiver for the configured compressor
func NewArchiver(cfg config.ArchiveConfig, logger *logging.Logger) (*Archiver, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	algorithm, err := ParseCompressionType(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		compression: NewCompressionManager(),
		algorithm:   algorithm,
		level:       cfg.Level,
		logger:      logger,
	}, nil
}

// Algorithm returns the compressor used for new artifacts
func (a *Archiver) Algorithm() CompressionType {
	return a.algorithm
}

// Archive writes stagingPath to artifactPath. Entries are rooted at the
// staging directory name. The artifact only appears under its final name once
// it is complete.
func (a *Archiver) Archive(ctx context.Context, stagingPath, artifactPath string) (*ArtifactHandle, error) {
	start := time.Now()
	dir := filepath.Dir(artifactPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, NewIOError("failed to create artifact directory", err).
			WithContext("path", dir).
			WithStage(StageArchiving)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(artifactPath)+".*.tmp")
	if err != nil {
		return nil, NewIOError("failed to create temporary archive", err).
			WithContext("path", dir).
			WithStage(StageArchiving)
	}
	tmpPath := tmp.Name()

	inputBytes, err := a.writeArchive(ctx, tmp, stagingPath)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to sync archive", err).WithStage(StageArchiving)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to close archive", err).WithStage(StageArchiving)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to set archive mode", err).WithStage(StageArchiving)
	}
	if err := os.Rename(tmpPath, artifactPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, NewIOError("failed to move archive into place", err).
			WithContext("path", artifactPath).
			WithStage(StageArchiving)
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, NewIOError("failed to stat archive", err).WithStage(StageArchiving)
	}

	a.logger.WithFields(map[string]interface{}{
		"artifact":    artifactPath,
		"compression": string(a.algorithm),
		"size":        humanize.IBytes(uint64(info.Size())),
		"ratio":       fmt.Sprintf("%.2f", CalculateCompressionRatio(inputBytes, info.Size())),
		"duration":    time.Since(start).String(),
	}).Info("Archive created")

	return &ArtifactHandle{
		Name:        filepath.Base(artifactPath),
		Path:        artifactPath,
		Size:        info.Size(),
		CreatedAt:   info.ModTime(),
		Compression: a.algorithm,
	}, nil
}

// writeArchive streams the staging tree through tar and the compressor and
// returns the number of file bytes read.
func (a *Archiver) writeArchive(ctx context.Context, out io.Writer, stagingPath string) (int64, error) {
	buffered := bufio.NewWriterSize(out, 256*1024)
	cw, err := a.compression.NewWriter(buffered, a.algorithm, a.level)
	if err != nil {
		return 0, asStageError(err, StageArchiving)
	}
	tw := tar.NewWriter(cw)

	var inputBytes int64
	rootName := filepath.Base(stagingPath)
	walkErr := filepath.WalkDir(stagingPath, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctxError(ctx); cerr != nil {
			return cerr
		}
		if err != nil {
			return NewIOError("failed to read staging entry", err).WithContext("path", p)
		}
		rel, err := filepath.Rel(stagingPath, p)
		if err != nil {
			return NewIOError("failed to compute archive path", err).WithContext("path", p)
		}
		name := path.Join(rootName, filepath.ToSlash(rel))
		n, err := addTarEntry(tw, p, name, d)
		inputBytes += n
		return err
	})
	if walkErr != nil {
		return 0, asStageError(walkErr, StageArchiving)
	}

	if err := tw.Close(); err != nil {
		return 0, NewCompressionError("failed to finish tar stream", err).WithStage(StageArchiving)
	}
	if err := cw.Close(); err != nil {
		return 0, NewCompressionError("failed to finish compressed stream", err).WithStage(StageArchiving)
	}
	if err := buffered.Flush(); err != nil {
		return 0, NewIOError("failed to write archive", err).WithStage(StageArchiving)
	}
	return inputBytes, nil
}

func addTarEntry(tw *tar.Writer, p, name string, d fs.DirEntry) (int64, error) {
	info, err := d.Info()
	if err != nil {
		return 0, NewIOError("failed to stat staging entry", err).WithContext("path", p)
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return 0, NewIOError("failed to read symlink", err).WithContext("path", p)
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return 0, nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return 0, NewCompressionError("failed to build tar header", err).WithContext("path", p)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, classifyWriteError("failed to write tar header", err).WithContext("path", p)
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return 0, NewIOError("failed to open staging file", err).WithContext("path", p)
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	if err != nil {
		return n, classifyWriteError("failed to archive file", err).WithContext("path", p)
	}
	return n, nil
}

// classifyWriteError separates disk failures from encoder failures
func classifyWriteError(message string, err error) *BackupError {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return NewIOError(message, err)
	}
	return NewCompressionError(message, err)
}

func asStageError(err error, stage Stage) error {
	var be *BackupError
	if errors.As(err, &be) {
		if be.Stage == "" {
			be.Stage = stage
		}
		return be
	}
	return NewIOError(string(stage)+" failed", err).WithStage(stage)
}

// WalkArchive streams every entry of an artifact produced by Archive
func WalkArchive(artifactPath string, algorithm CompressionType, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return NewIOError("failed to open archive", err).WithContext("path", artifactPath)
	}
	defer f.Close()

	cr, err := NewCompressionManager().NewReader(bufio.NewReader(f), algorithm)
	if err != nil {
		return err
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewCompressionError("failed to read archive entry", err).WithContext("path", artifactPath)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}
