package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"app-backup/internal/logging"
)

// StagingManager creates and destroys per-run working directories under a root
type StagingManager struct {
	root   string
	logger *logging.Logger
}

// NewStagingManager creates a staging manager rooted at root
func NewStagingManager(root string, logger *logging.Logger) *StagingManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StagingManager{root: root, logger: logger}
}

// Root returns the directory that holds staging areas
func (sm *StagingManager) Root() string {
	return sm.root
}

// Acquire creates a fresh <root>/<runID> directory. A leftover directory with
// the same name is removed first so a retried run never merges stale content.
func (sm *StagingManager) Acquire(ctx context.Context, runID string) (*StagingArea, error) {
	if err := ctxError(ctx); err != nil {
		return nil, err
	}
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return nil, NewConfigurationError("invalid staging run id", nil).WithContext("run_id", runID)
	}

	info, err := os.Stat(sm.root)
	if err != nil {
		return nil, NewIOError("staging root is not accessible", err).WithContext("path", sm.root)
	}
	if !info.IsDir() {
		return nil, NewIOError("staging root is not a directory", nil).WithContext("path", sm.root)
	}

	path := filepath.Join(sm.root, runID)
	if _, err := os.Lstat(path); err == nil {
		sm.logger.WithFields(map[string]interface{}{
			"path": path,
		}).Warn("Removing stale staging directory from a previous run")
		if err := removeTree(path); err != nil {
			return nil, NewIOError("failed to remove stale staging directory", err).WithContext("path", path)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, NewIOError("failed to inspect staging directory", err).WithContext("path", path)
	}

	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, NewIOError("failed to create staging directory", err).WithContext("path", path)
	}

	sm.logger.WithFields(map[string]interface{}{
		"path": path,
	}).Debug("Staging area acquired")

	return &StagingArea{RunID: runID, Path: path}, nil
}

// Release removes the staging area. Missing or partially populated trees are fine.
func (sm *StagingManager) Release(area *StagingArea) error {
	if area == nil || area.Path == "" {
		return nil
	}
	if err := removeTree(area.Path); err != nil {
		sm.logger.WithFields(map[string]interface{}{
			"path":  area.Path,
			"error": err.Error(),
		}).Warn("Failed to remove staging area")
		return NewIOError("failed to remove staging area", err).
			WithContext("path", area.Path).
			WithStage(StageCleaningUp)
	}
	sm.logger.WithFields(map[string]interface{}{
		"path": area.Path,
	}).Debug("Staging area released")
	return nil
}

// removeTree deletes path recursively. Copied directories keep their source
// modes, so read-only directories are made writable and removal retried.
func removeTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
