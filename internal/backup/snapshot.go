package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"app-backup/internal/config"
	appErrors "app-backup/internal/errors"
	"app-backup/internal/logging"
)

// ProgressFunc receives the number of applied units out of total
type ProgressFunc func(applied, total int)

// SnapshotOptions tunes a Snapshotter
type SnapshotOptions struct {
	LockTimeout   time.Duration
	ProgressEvery int
	Progress      ProgressFunc
}

// NewSnapshotter builds the snapshotter for the configured driver
func NewSnapshotter(cfg config.SnapshotConfig, logger *logging.Logger) (Snapshotter, error) {
	opts := SnapshotOptions{
		LockTimeout:   cfg.LockTimeout,
		ProgressEvery: cfg.ProgressEvery,
	}
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteSnapshotter(opts, logger), nil
	case "mysql":
		return NewMySQLSnapshotter(opts, logger), nil
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported snapshot driver: %s", cfg.Driver), nil)
	}
}

// partialPath is the hidden temp name a snapshot is written under before rename
func partialPath(targetPath string) string {
	return filepath.Join(filepath.Dir(targetPath), "."+filepath.Base(targetPath)+".partial")
}

// removePartial deletes a temp target and any sqlite side files next to it
func removePartial(tmp string) {
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		_ = os.Remove(tmp + suffix)
	}
}

// snapshotFailure maps a raw source or replay error onto a SnapshotError
func snapshotFailure(message string, err error, lockTimeout time.Duration) *BackupError {
	var be *BackupError
	if errors.As(err, &be) && be.Type == BackupErrorTypeSnapshot {
		return be
	}

	classified := appErrors.NewErrorClassifier().ClassifyError(err)
	snapErr := NewSnapshotError(message, err).
		WithStage(StageSnapshotting).
		WithContext("kind", string(classified.Type))

	switch classified.Type {
	case appErrors.ErrorTypeLocked, appErrors.ErrorTypeTimeout:
		snapErr.Message = fmt.Sprintf("%s: source database stayed locked for longer than %s", message, lockTimeout)
		snapErr.WithContext("lock_timeout", lockTimeout.String())
	case appErrors.ErrorTypeInterruption:
		return NewCancelledError(message, err).WithStage(StageSnapshotting)
	}
	return snapErr
}

// isTransactionDirective reports whether stmt opens or closes a transaction.
// Replays run inside their own transaction, so these are dropped.
func isTransactionDirective(stmt string) bool {
	s := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";")))
	switch {
	case s == "COMMIT", s == "END", s == "ROLLBACK",
		s == "END TRANSACTION", s == "COMMIT TRANSACTION", s == "ROLLBACK TRANSACTION":
		return true
	case strings.HasPrefix(s, "BEGIN"):
		return s == "BEGIN" || strings.HasPrefix(s, "BEGIN ")
	}
	return false
}

// applyStatements replays stmts against db as a single transaction
func applyStatements(ctx context.Context, db *sql.DB, stmts []string, every int, progress ProgressFunc) (int, error) {
	replay := make([]string, 0, len(stmts))
	for _, stmt := range stmts {
		if !isTransactionDirective(stmt) {
			replay = append(replay, stmt)
		}
	}
	total := len(replay)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin target transaction: %w", err)
	}

	applied := 0
	for _, stmt := range replay {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("apply statement %d of %d: %w", applied+1, total, err)
		}
		applied++
		if progress != nil && every > 0 && applied%every == 0 {
			progress(applied, total)
		}
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("commit target transaction: %w", err)
	}
	if progress != nil && (every <= 0 || applied%every != 0) {
		progress(applied, total)
	}
	return applied, nil
}
