package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// Dependencies are the stage implementations a Coordinator drives.
// Snapshotter, Encryptor, Transporter, Notifier and Metrics may be nil.
type Dependencies struct {
	Staging     *StagingManager
	Copier      *TreeCopier
	Snapshotter Snapshotter
	Archiver    *Archiver
	Encryptor   Encryptor
	Transporter Transporter
	Retention   *RetentionManager
	Notifier    Notifier
	Metrics     *RunMetrics
}

// RunSettings are the per-pipeline values a run needs besides its components
type RunSettings struct {
	SourceRoot     string
	Identity       string
	Exclude        []string
	SnapshotSource string
	SnapshotTarget string
	OutputDir      string
	KeepLocalCopy  bool
	MaxBackups     int
	NotifyTimeout  time.Duration
	Location       *time.Location
}

// Coordinator runs the backup state machine
type Coordinator struct {
	deps     Dependencies
	settings RunSettings
	logger   *logging.Logger
	now      func() time.Time
}

// NewCoordinator builds every component from a validated configuration. The
// notifier is built first: when any later component cannot be built, a
// failure outcome for the init stage is sent before the error is returned, so
// a broken setup still produces its one notification.
func NewCoordinator(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, NewConfigurationError("configuration is required", nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	loc, locErr := cfg.Location()
	if locErr != nil {
		loc = time.Local
	}
	notifier := NewNotificationManager(cfg.Notify, loc, logger)
	fail := func(err error) (*Coordinator, error) {
		notifySetupFailure(ctx, notifier, cfg, loc, logger, err)
		return nil, err
	}
	if locErr != nil {
		return fail(NewConfigurationError("invalid timezone", locErr).WithContext("timezone", cfg.Timezone))
	}

	alwaysExclude := []string{cfg.Staging.Root, cfg.Output.Dir}
	if cfg.Snapshot.Enabled && cfg.Snapshot.Driver == "sqlite" {
		alwaysExclude = append(alwaysExclude, LiveDatabaseFiles(cfg.LiveDatabasePath())...)
	}

	deps := Dependencies{
		Staging:  NewStagingManager(cfg.Staging.Root, logger),
		Copier:   NewTreeCopier(logger, alwaysExclude...),
		Metrics:  NewRunMetrics(cfg.Metrics.Textfile, logger),
		Notifier: notifier,
	}

	settings := RunSettings{
		SourceRoot:     cfg.Source.Root,
		Identity:       cfg.Source.Identity,
		Exclude:        cfg.Source.Exclude,
		SnapshotTarget: cfg.Snapshot.TargetName,
		OutputDir:      cfg.Output.Dir,
		KeepLocalCopy:  cfg.Output.KeepLocalCopy,
		MaxBackups:     cfg.Retention.MaxBackups,
		NotifyTimeout:  cfg.Notify.Timeout,
		Location:       loc,
	}

	var err error
	if cfg.Snapshot.Enabled {
		if deps.Snapshotter, err = NewSnapshotter(cfg.Snapshot, logger); err != nil {
			return fail(err)
		}
		settings.SnapshotSource = cfg.LiveDatabasePath()
		if cfg.Snapshot.Driver == "mysql" {
			settings.SnapshotSource = cfg.Snapshot.DSN
		}
	}

	if deps.Archiver, err = NewArchiver(cfg.Archive, logger); err != nil {
		return fail(err)
	}
	if deps.Encryptor, err = NewEncryptor(cfg.Encryption, logger); err != nil {
		return fail(err)
	}
	if deps.Transporter, err = NewTransporter(ctx, cfg.Transport, logger); err != nil {
		return fail(err)
	}
	if deps.Retention, err = NewRetentionManager(cfg.Source.Identity, cfg.Retention.DryRun, logger); err != nil {
		if deps.Transporter != nil {
			_ = deps.Transporter.Close()
		}
		return fail(err)
	}

	return NewCoordinatorWithDependencies(deps, settings, logger), nil
}

// LiveDatabaseFiles returns a SQLite database path with its journal side
// files. These are never copied; the snapshot replaces them.
func LiveDatabaseFiles(dbPath string) []string {
	if dbPath == "" {
		return nil
	}
	return []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"}
}

// notifySetupFailure reports a run that failed before any stage could start
func notifySetupFailure(ctx context.Context, notifier Notifier, cfg *config.Config, loc *time.Location, logger *logging.Logger, err error) {
	now := time.Now()
	run := NewBackupRun(cfg.Source.Identity, cfg.Source.Root, now, loc)
	if be, ok := err.(*BackupError); ok && be.Stage == "" {
		be.WithStage(StageInit)
	}
	outcome := Outcome{
		RunID:       run.ID,
		Identity:    run.SourceIdentity,
		LogicalDate: run.DateString(),
		StartedAt:   now,
		CompletedAt: now,
		FailedStage: StageInit,
		Err:         err,
	}
	logger.LogRunOutcome(run.ID, "", 0, err)

	timeout := cfg.Notify.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if nerr := notifier.Notify(nctx, outcome); nerr != nil {
		logger.WithFields(map[string]interface{}{
			"run_id": run.ID,
			"error":  nerr.Error(),
		}).Warn("Notification delivery failed")
	}
}

// NewCoordinatorWithDependencies creates a coordinator from prebuilt components
func NewCoordinatorWithDependencies(deps Dependencies, settings RunSettings, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if settings.NotifyTimeout <= 0 {
		settings.NotifyTimeout = 15 * time.Second
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}
	return &Coordinator{deps: deps, settings: settings, logger: logger, now: time.Now}
}

// NewRun creates the run for the current calendar day
func (c *Coordinator) NewRun() BackupRun {
	return NewBackupRun(c.settings.Identity, c.settings.SourceRoot, c.now(), c.settings.Location)
}

// Close releases transport connections
func (c *Coordinator) Close() error {
	if c.deps.Transporter != nil {
		return c.deps.Transporter.Close()
	}
	return nil
}

// pipelineResult is what the artifact-producing stages hand to retention
type pipelineResult struct {
	artifact    *ArtifactHandle
	receipt     *TransferReceipt
	localKept   bool
	transported bool
}

// Run executes one backup run and returns its single Outcome. Staging is
// always released, retention only runs after success, and the notifier is
// called exactly once.
func (c *Coordinator) Run(ctx context.Context, run BackupRun) Outcome {
	ctx = logging.ContextWithRunID(ctx, run.ID)
	outcome := Outcome{
		RunID:       run.ID,
		Identity:    run.SourceIdentity,
		LogicalDate: run.DateString(),
		StartedAt:   run.StartedAt,
	}
	c.logger.WithFields(map[string]interface{}{
		"run_id":   run.ID,
		"identity": run.SourceIdentity,
		"date":     run.DateString(),
		"source":   run.SourceRoot,
	}).Info("Backup run started")

	result, err := c.execute(ctx, run, &outcome)
	if err != nil {
		outcome.Err = err
		var be *BackupError
		if errors.As(err, &be) {
			outcome.FailedStage = be.Stage
		}
	} else {
		outcome.Success = true
		outcome.ArtifactName = result.artifact.Name
		outcome.Size = result.artifact.Size
		if result.localKept {
			outcome.ArtifactPath = result.artifact.Path
		}
		if result.receipt != nil {
			outcome.RemotePath = result.receipt.RemotePath
		}
		outcome.Retention = c.retain(ctx, run, &outcome, result)
	}

	outcome.CompletedAt = c.now()
	c.logger.LogRunOutcome(run.ID, outcome.ArtifactName, outcome.Duration(), outcome.Err)

	if c.deps.Metrics != nil {
		c.deps.Metrics.Observe(outcome)
		if err := c.deps.Metrics.Flush(); err != nil {
			c.logger.WithField("error", err.Error()).Warn("Failed to write run metrics")
		}
	}
	c.notify(ctx, outcome)
	return outcome
}

// execute runs the artifact-producing stages. The staging area is released on
// every path out, and a release failure never replaces the stage result.
func (c *Coordinator) execute(ctx context.Context, run BackupRun, outcome *Outcome) (*pipelineResult, error) {
	var area *StagingArea
	defer func() {
		start := time.Now()
		err := c.deps.Staging.Release(area)
		c.record(run, outcome, StageCleaningUp, time.Since(start), err)
	}()

	err := c.stage(ctx, run, outcome, StageStaging, func(ctx context.Context) error {
		var err error
		area, err = c.deps.Staging.Acquire(ctx, run.StagingName())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = c.stage(ctx, run, outcome, StageCopying, func(ctx context.Context) error {
		stats, err := c.deps.Copier.Copy(ctx, run.SourceRoot, area.Path, c.settings.Exclude)
		if err != nil {
			return err
		}
		c.logger.WithFields(map[string]interface{}{
			"run_id":   run.ID,
			"files":    stats.Files,
			"dirs":     stats.Dirs,
			"symlinks": stats.Symlinks,
			"skipped":  stats.Skipped,
			"size":     humanize.IBytes(uint64(stats.Bytes)),
		}).Info("Source tree copied")
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.deps.Snapshotter != nil {
		err = c.stage(ctx, run, outcome, StageSnapshotting, func(ctx context.Context) error {
			target := filepath.Join(area.Path, c.settings.SnapshotTarget)
			_, err := c.deps.Snapshotter.Snapshot(ctx, c.settings.SnapshotSource, target)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	result := &pipelineResult{localKept: true}
	err = c.stage(ctx, run, outcome, StageArchiving, func(ctx context.Context) error {
		artifactPath := filepath.Join(c.settings.OutputDir, run.ArchiveName(c.deps.Archiver.Algorithm()))
		handle, err := c.deps.Archiver.Archive(ctx, area.Path, artifactPath)
		result.artifact = handle
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.deps.Encryptor != nil {
		err = c.stage(ctx, run, outcome, StageEncrypting, func(ctx context.Context) error {
			handle, err := c.deps.Encryptor.Encrypt(ctx, result.artifact.Path)
			if err != nil {
				return err
			}
			result.artifact = handle
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if c.deps.Transporter != nil {
		err = c.stage(ctx, run, outcome, StageTransporting, func(ctx context.Context) error {
			receipt, err := c.deps.Transporter.Send(ctx, result.artifact.Path)
			if err != nil {
				return err
			}
			result.receipt = receipt
			result.transported = true
			if !c.settings.KeepLocalCopy {
				if err := os.Remove(result.artifact.Path); err != nil {
					c.logger.WithFields(map[string]interface{}{
						"path":  result.artifact.Path,
						"error": err.Error(),
					}).Warn("Failed to remove local copy after transfer")
				} else {
					result.localKept = false
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// stage runs fn as one state of the machine, turning panics into errors and
// recording the transition
func (c *Coordinator) stage(ctx context.Context, run BackupRun, outcome *Outcome, stage Stage, fn func(context.Context) error) (err error) {
	start := time.Now()
	c.logger.WithFields(map[string]interface{}{
		"run_id": run.ID,
		"stage":  string(stage),
	}).Debug("Stage started")

	defer func() {
		if r := recover(); r != nil {
			fields := map[string]interface{}{
				"run_id": run.ID,
				"stage":  string(stage),
				"panic":  fmt.Sprint(r),
			}
			if c.logger.IsLevelEnabled(logging.LogLevelVerbose) {
				fields["stack"] = string(debug.Stack())
			}
			c.logger.WithFields(fields).Error("Recovered panic in backup stage")
			err = NewInternalError(fmt.Sprintf("panic: %v", r), nil)
		}
		if err != nil {
			err = asStageError(err, stage)
		}
		c.record(run, outcome, stage, time.Since(start), err)
	}()

	if cerr := ctxError(ctx); cerr != nil {
		return cerr
	}
	return fn(ctx)
}

func (c *Coordinator) record(run BackupRun, outcome *Outcome, stage Stage, d time.Duration, err error) {
	outcome.Stages = append(outcome.Stages, StageRecord{Stage: stage, Duration: d, Err: err})
	c.logger.LogStage(run.ID, string(stage), d, err)
}

// retain applies retention where the artifact now lives: the remote
// destination after a transfer, the local output directory otherwise, and
// both when a local copy is kept alongside a remote one. Failures are logged
// and never fail the run.
func (c *Coordinator) retain(ctx context.Context, run BackupRun, outcome *Outcome, result *pipelineResult) *RetentionResult {
	if c.deps.Retention == nil {
		return nil
	}
	start := time.Now()

	var dests []Destination
	if result.transported {
		dests = append(dests, c.deps.Transporter.Destination())
	}
	if result.localKept {
		dests = append(dests, NewLocalDestination(c.settings.OutputDir))
	}

	var (
		primary *RetentionResult
		errs    []error
	)
	for _, dest := range dests {
		res, err := c.deps.Retention.Expire(ctx, dest, c.settings.MaxBackups)
		if err != nil {
			c.logger.WithFields(map[string]interface{}{
				"run_id":      run.ID,
				"destination": dest.String(),
				"error":       err.Error(),
			}).Warn("Retention failed")
			errs = append(errs, err)
			continue
		}
		errs = append(errs, res.Errors...)
		if primary == nil {
			primary = res
		}
	}
	c.record(run, outcome, StageRetaining, time.Since(start), errors.Join(errs...))
	return primary
}

// notify delivers the outcome once. A cancelled run still reports through a
// fresh context bounded by the notify timeout.
func (c *Coordinator) notify(ctx context.Context, outcome Outcome) {
	if c.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.NotifyTimeout)
	defer cancel()
	if err := c.deps.Notifier.Notify(nctx, outcome); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"run_id": outcome.RunID,
			"error":  err.Error(),
		}).Warn("Notification delivery failed")
	}
}
