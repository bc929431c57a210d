package backup

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"app-backup/internal/logging"
)

// RunMetrics exposes the last run as Prometheus gauges for the node_exporter
// textfile collector
type RunMetrics struct {
	registry *prometheus.Registry
	textfile string
	logger   *logging.Logger

	success          *prometheus.GaugeVec
	timestamp        *prometheus.GaugeVec
	duration         *prometheus.GaugeVec
	artifactBytes    *prometheus.GaugeVec
	retentionRemoved *prometheus.GaugeVec
	stageDuration    *prometheus.GaugeVec
}

// NewRunMetrics creates a private registry; textfile may be empty
func NewRunMetrics(textfile string, logger *logging.Logger) *RunMetrics {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		logger:   logger,
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_last_run_success",
			Help: "1 if the last backup run succeeded, 0 otherwise",
		}, []string{"identity"}),
		timestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_last_run_timestamp_seconds",
			Help: "Unix time the last backup run completed",
		}, []string{"identity"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_last_run_duration_seconds",
			Help: "Wall time of the last backup run",
		}, []string{"identity"}),
		artifactBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_last_artifact_bytes",
			Help: "Size of the artifact produced by the last successful run",
		}, []string{"identity"}),
		retentionRemoved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_retention_removed",
			Help: "Artifacts removed by retention in the last run",
		}, []string{"identity"}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "app_backup_stage_duration_seconds",
			Help: "Duration of each stage of the last backup run",
		}, []string{"identity", "stage"}),
	}
	m.registry.MustRegister(m.success, m.timestamp, m.duration, m.artifactBytes, m.retentionRemoved, m.stageDuration)
	return m
}

// Observe records outcome
func (m *RunMetrics) Observe(outcome Outcome) {
	id := outcome.Identity
	if outcome.Success {
		m.success.WithLabelValues(id).Set(1)
		m.artifactBytes.WithLabelValues(id).Set(float64(outcome.Size))
	} else {
		m.success.WithLabelValues(id).Set(0)
	}
	m.timestamp.WithLabelValues(id).Set(float64(outcome.CompletedAt.Unix()))
	m.duration.WithLabelValues(id).Set(outcome.Duration().Seconds())

	removed := 0
	if outcome.Retention != nil && !outcome.Retention.DryRun {
		removed = len(outcome.Retention.Removed)
	}
	m.retentionRemoved.WithLabelValues(id).Set(float64(removed))

	for _, rec := range outcome.Stages {
		m.stageDuration.WithLabelValues(id, string(rec.Stage)).Set(rec.Duration.Seconds())
	}
}

// Flush writes the textfile when one is configured
func (m *RunMetrics) Flush() error {
	if m.textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.textfile), 0o755); err != nil {
		return NewIOError("failed to create metrics directory", err).WithContext("path", m.textfile)
	}
	if err := prometheus.WriteToTextfile(m.textfile, m.registry); err != nil {
		return NewIOError("failed to write metrics textfile", err).WithContext("path", m.textfile)
	}
	m.logger.WithField("path", m.textfile).Debug("Metrics textfile written")
	return nil
}
