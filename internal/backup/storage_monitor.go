package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"app-backup/internal/logging"
)

// Alert severities
const (
	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// StorageUsageReport summarises the retention set at one destination
type StorageUsageReport struct {
	Destination  string          `json:"destination"`
	TotalBackups int             `json:"total_backups"`
	TotalSize    int64           `json:"total_size"`
	AverageSize  int64           `json:"average_size"`
	Newest       *Artifact       `json:"newest,omitempty"`
	Oldest       *Artifact       `json:"oldest,omitempty"`
	Alerts       []*StorageAlert `json:"alerts,omitempty"`
}

// StorageAlert flags a retention set that looks unhealthy
type StorageAlert struct {
	Type        string                 `json:"type"`     // "size", "age"
	Severity    string                 `json:"severity"` // "info", "warning", "critical"
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// StorageMonitor inspects what retention keeps at a destination
type StorageMonitor struct {
	retention *RetentionManager
	logger    *logging.Logger
	now       func() time.Time

	// ShrinkRatio is the fraction of the average size below which the newest
	// artifact is reported.
	ShrinkRatio float64
	// MaxAge is how old the newest artifact may be before it is reported.
	MaxAge time.Duration
}

// NewStorageMonitor creates a monitor over the artifacts retention recognises
func NewStorageMonitor(retention *RetentionManager, logger *logging.Logger) *StorageMonitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StorageMonitor{
		retention:   retention,
		logger:      logger,
		now:         time.Now,
		ShrinkRatio: 0.5,
		MaxAge:      48 * time.Hour,
	}
}

// GetStorageUsage lists dest and reports on its retention set
func (sm *StorageMonitor) GetStorageUsage(ctx context.Context, dest Destination) (*StorageUsageReport, error) {
	artifacts, err := dest.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage usage for %s: %w", dest, err)
	}
	report := sm.Analyze(dest.String(), artifacts)
	for _, alert := range report.Alerts {
		sm.logger.WithFields(map[string]interface{}{
			"destination": report.Destination,
			"severity":    alert.Severity,
		}).Warn(alert.Title)
	}
	return report, nil
}

// Analyze builds a report from an already listed destination
func (sm *StorageMonitor) Analyze(destination string, artifacts []Artifact) *StorageUsageReport {
	set := sm.retention.Candidates(artifacts)
	report := &StorageUsageReport{Destination: destination, TotalBackups: len(set)}
	if len(set) == 0 {
		return report
	}

	for _, a := range set {
		report.TotalSize += a.Size
	}
	report.AverageSize = report.TotalSize / int64(len(set))
	newest, oldest := set[0], set[len(set)-1]
	report.Newest, report.Oldest = &newest, &oldest

	report.Alerts = sm.generateAlerts(set)
	return report
}

func (sm *StorageMonitor) generateAlerts(set []Artifact) []*StorageAlert {
	var alerts []*StorageAlert
	newest := set[0]

	if newest.Size == 0 {
		alerts = append(alerts, &StorageAlert{
			Type:        "size",
			Severity:    AlertSeverityCritical,
			Title:       "Empty Backup",
			Description: fmt.Sprintf("%s is empty", newest.Name),
			Details:     map[string]interface{}{"artifact": newest.Name},
		})
	} else if len(set) > 1 && sm.ShrinkRatio > 0 {
		var previous int64
		for _, a := range set[1:] {
			previous += a.Size
		}
		average := previous / int64(len(set)-1)
		if float64(newest.Size) < sm.ShrinkRatio*float64(average) {
			alerts = append(alerts, &StorageAlert{
				Type:     "size",
				Severity: AlertSeverityWarning,
				Title:    "Backup Shrank",
				Description: fmt.Sprintf("%s is %s, previous backups average %s",
					newest.Name, humanize.IBytes(uint64(newest.Size)), humanize.IBytes(uint64(average))),
				Details: map[string]interface{}{
					"artifact":      newest.Name,
					"size":          newest.Size,
					"previous_size": average,
				},
			})
		}
	}

	if sm.MaxAge > 0 {
		if age := sm.now().Sub(newest.CreatedAt); age > sm.MaxAge {
			alerts = append(alerts, &StorageAlert{
				Type:        "age",
				Severity:    AlertSeverityWarning,
				Title:       "Stale Backups",
				Description: fmt.Sprintf("newest backup %s was created %s", newest.Name, humanize.Time(newest.CreatedAt)),
				Details: map[string]interface{}{
					"artifact":   newest.Name,
					"created_at": newest.CreatedAt,
				},
			})
		}
	}
	return alerts
}
