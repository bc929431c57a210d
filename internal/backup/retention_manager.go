package backup

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"app-backup/internal/logging"
)

// RetentionManager rotates the artifacts one pipeline has written to a destination
type RetentionManager struct {
	identity string
	pattern  *regexp.Regexp
	dryRun   bool
	logger   *logging.Logger
}

// NewRetentionManager creates a retention manager for artifacts named after identity
func NewRetentionManager(identity string, dryRun bool, logger *logging.Logger) (*RetentionManager, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if identity == "" {
		return nil, NewConfigurationError("retention requires a source identity", nil)
	}
	pattern, err := regexp.Compile(`^` + regexp.QuoteMeta(identity) +
		`-backup-\d{4}-\d{2}-\d{2}\.tar\.(gz|zst|lz4)(\.age|\.enc)?$`)
	if err != nil {
		return nil, NewConfigurationError("invalid retention pattern", err).WithContext("identity", identity)
	}
	return &RetentionManager{identity: identity, pattern: pattern, dryRun: dryRun, logger: logger}, nil
}

// Matches reports whether name is an artifact this pipeline produces
func (rm *RetentionManager) Matches(name string) bool {
	return rm.pattern.MatchString(name)
}

// Candidates filters artifacts to this pipeline's and orders them newest first.
// Equal creation times fall back to the name, descending.
func (rm *RetentionManager) Candidates(artifacts []Artifact) []Artifact {
	var set []Artifact
	for _, a := range artifacts {
		if rm.Matches(a.Name) {
			set = append(set, a)
		}
	}
	sort.Slice(set, func(i, j int) bool {
		if !set[i].CreatedAt.Equal(set[j].CreatedAt) {
			return set[i].CreatedAt.After(set[j].CreatedAt)
		}
		return set[i].Name > set[j].Name
	})
	return set
}

// Expire keeps the newest maxKeep artifacts at dest and deletes the rest.
// Individual delete failures are collected in the result rather than returned.
func (rm *RetentionManager) Expire(ctx context.Context, dest Destination, maxKeep int) (*RetentionResult, error) {
	if maxKeep < 1 {
		return nil, NewConfigurationError(fmt.Sprintf("max_backups must be at least 1, got %d", maxKeep), nil).
			WithStage(StageRetaining)
	}
	if err := ctxError(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	artifacts, err := dest.List(ctx)
	if err != nil {
		return nil, NewRetentionError("failed to list artifacts", err).
			WithContext("destination", dest.String()).
			WithStage(StageRetaining)
	}

	set := rm.Candidates(artifacts)
	result := &RetentionResult{
		Destination: dest.String(),
		DryRun:      rm.dryRun,
		Kept:        []string{},
		Removed:     []string{},
	}
	for i, a := range set {
		if i < maxKeep {
			result.Kept = append(result.Kept, a.Name)
			continue
		}
		if rm.dryRun {
			rm.logger.WithField("artifact", a.Name).Info("Would remove old backup (dry run)")
			result.Removed = append(result.Removed, a.Name)
			continue
		}
		if err := dest.Delete(ctx, a.Name); err != nil {
			rerr := NewRetentionError("failed to remove old backup", err).
				WithContext("artifact", a.Name).
				WithStage(StageRetaining)
			rm.logger.WithFields(map[string]interface{}{
				"artifact": a.Name,
				"error":    err.Error(),
			}).Error("Failed to remove old backup")
			result.Errors = append(result.Errors, rerr)
			continue
		}
		rm.logger.WithFields(map[string]interface{}{
			"artifact":   a.Name,
			"created_at": a.CreatedAt.Format(time.RFC3339),
		}).Info("Removed old backup")
		result.Removed = append(result.Removed, a.Name)
	}

	rm.logger.WithFields(map[string]interface{}{
		"destination": result.Destination,
		"found":       len(set),
		"kept":        len(result.Kept),
		"removed":     len(result.Removed),
		"errors":      len(result.Errors),
		"dry_run":     rm.dryRun,
		"duration":    time.Since(start).String(),
	}).Info("Retention applied")

	return result, nil
}
