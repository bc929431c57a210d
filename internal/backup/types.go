package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar date format used in staging and artifact names
const DateLayout = "2006-01-02"

// Stage names one step of the run state machine
type Stage string

const (
	StageInit         Stage = "init"
	StageStaging      Stage = "staging"
	StageCopying      Stage = "copying"
	StageSnapshotting Stage = "snapshotting"
	StageArchiving    Stage = "archiving"
	StageEncrypting   Stage = "encrypting"
	StageTransporting Stage = "transporting"
	StageCleaningUp   Stage = "cleaning_up"
	StageRetaining    Stage = "retaining"
	StageDone         Stage = "done"
)

// BackupRun is one invocation of the pipeline
type BackupRun struct {
	ID             string    `json:"id"`
	LogicalDate    time.Time `json:"logical_date"`
	SourceRoot     string    `json:"source_root"`
	SourceIdentity string    `json:"source_identity"`
	StartedAt      time.Time `json:"started_at"`
}

// NewBackupRun creates a run whose logical date is now's calendar date in loc
func NewBackupRun(identity, sourceRoot string, now time.Time, loc *time.Location) BackupRun {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	return BackupRun{
		ID:             uuid.NewString(),
		LogicalDate:    time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
		SourceRoot:     sourceRoot,
		SourceIdentity: identity,
		StartedAt:      now,
	}
}

// DateString returns the logical date as YYYY-MM-DD
func (r BackupRun) DateString() string {
	return r.LogicalDate.Format(DateLayout)
}

// StagingName is the directory name of this run's staging area
func (r BackupRun) StagingName() string {
	return fmt.Sprintf("%s-%s", r.SourceIdentity, r.DateString())
}

// ArchiveName is the plaintext artifact name for the given compression
func (r BackupRun) ArchiveName(compression CompressionType) string {
	return fmt.Sprintf("%s-backup-%s.tar.%s", r.SourceIdentity, r.DateString(), compression.Extension())
}

// StagingArea is a run-owned working directory
type StagingArea struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

// SnapshotStats describes a completed database snapshot
type SnapshotStats struct {
	Driver     string        `json:"driver"`
	Tables     int           `json:"tables"`
	Rows       int64         `json:"rows"`
	Statements int           `json:"statements"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// CopyStats describes a completed tree copy
type CopyStats struct {
	Files    int   `json:"files"`
	Dirs     int   `json:"dirs"`
	Symlinks int   `json:"symlinks"`
	Skipped  int   `json:"skipped"`
	Bytes    int64 `json:"bytes"`
}

// ArtifactHandle points at an artifact on local disk
type ArtifactHandle struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Size        int64           `json:"size"`
	CreatedAt   time.Time       `json:"created_at"`
	Compression CompressionType `json:"compression"`
	Encrypted   bool            `json:"encrypted"`
}

// TransferReceipt confirms a completed upload
type TransferReceipt struct {
	Provider   string        `json:"provider"`
	RemotePath string        `json:"remote_path"`
	Bytes      int64         `json:"bytes"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// Artifact is an entry found at a retention destination
type Artifact struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
}

// RetentionResult reports what Expire kept and removed
type RetentionResult struct {
	Destination string   `json:"destination"`
	Kept        []string `json:"kept"`
	Removed     []string `json:"removed"`
	Errors      []error  `json:"-"`
	DryRun      bool     `json:"dry_run"`
}

// StageRecord is the log entry for one executed stage
type StageRecord struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Outcome is the single terminal result of a run
type Outcome struct {
	RunID        string           `json:"run_id"`
	Identity     string           `json:"identity"`
	LogicalDate  string           `json:"logical_date"`
	Success      bool             `json:"success"`
	ArtifactName string           `json:"artifact_name,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	RemotePath   string           `json:"remote_path,omitempty"`
	Size         int64            `json:"size,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	FailedStage  Stage            `json:"failed_stage,omitempty"`
	Err          error            `json:"-"`
	Stages       []StageRecord    `json:"stages"`
	Retention    *RetentionResult `json:"retention,omitempty"`
}

// Duration is the wall time of the run
func (o Outcome) Duration() time.Duration {
	return o.CompletedAt.Sub(o.StartedAt)
}

// ErrorText returns the failure text cut to its last maxLen characters
func (o Outcome) ErrorText(maxLen int) string {
	if o.Err == nil {
		return ""
	}
	return TruncateTail(o.Err.Error(), maxLen)
}

// TruncateTail keeps the last maxLen runes of s
func TruncateTail(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[len(runes)-maxLen:])
}
