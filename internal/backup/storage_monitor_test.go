package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, now time.Time) *StorageMonitor {
	t.Helper()
	rm, err := NewRetentionManager("vaultwarden", false, nil)
	require.NoError(t, err)
	sm := NewStorageMonitor(rm, nil)
	sm.now = func() time.Time { return now }
	return sm
}

func TestStorageMonitor_Analyze(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	day := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }
	artifact := func(date string, size int64, created time.Time) Artifact {
		return Artifact{Name: "vaultwarden-backup-" + date + ".tar.gz", Size: size, CreatedAt: created}
	}

	tests := []struct {
		name       string
		artifacts  []Artifact
		wantCount  int
		wantTotal  int64
		wantAlerts []string
	}{
		{
			name:      "empty destination",
			artifacts: nil,
		},
		{
			name: "healthy",
			artifacts: []Artifact{
				artifact("2026-10-17", 1000, day(2)),
				artifact("2026-10-18", 1100, day(1)),
				artifact("2026-10-19", 1050, day(0)),
				{Name: "README", Size: 5, CreatedAt: day(0)},
			},
			wantCount: 3,
			wantTotal: 3150,
		},
		{
			name: "newest shrank",
			artifacts: []Artifact{
				artifact("2026-10-17", 1000, day(2)),
				artifact("2026-10-18", 1000, day(1)),
				artifact("2026-10-19", 300, day(0)),
			},
			wantCount:  3,
			wantTotal:  2300,
			wantAlerts: []string{"Backup Shrank"},
		},
		{
			name: "newest empty",
			artifacts: []Artifact{
				artifact("2026-10-18", 1000, day(1)),
				artifact("2026-10-19", 0, day(0)),
			},
			wantCount:  2,
			wantTotal:  1000,
			wantAlerts: []string{"Empty Backup"},
		},
		{
			name: "stale",
			artifacts: []Artifact{
				artifact("2026-10-10", 1000, day(9)),
			},
			wantCount:  1,
			wantTotal:  1000,
			wantAlerts: []string{"Stale Backups"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := newTestMonitor(t, now).Analyze("local:/backups", tt.artifacts)

			assert.Equal(t, "local:/backups", report.Destination)
			assert.Equal(t, tt.wantCount, report.TotalBackups)
			assert.Equal(t, tt.wantTotal, report.TotalSize)

			var titles []string
			for _, a := range report.Alerts {
				titles = append(titles, a.Title)
			}
			assert.Equal(t, tt.wantAlerts, titles)

			if tt.wantCount > 0 {
				require.NotNil(t, report.Newest)
				require.NotNil(t, report.Oldest)
				assert.False(t, report.Newest.CreatedAt.Before(report.Oldest.CreatedAt))
				assert.Equal(t, tt.wantTotal/int64(tt.wantCount), report.AverageSize)
			} else {
				assert.Nil(t, report.Newest)
			}
		})
	}
}

func TestStorageMonitor_GetStorageUsage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, seedArtifacts(dir,
		"vaultwarden-backup-2020-01-01.tar.gz",
		"vaultwarden-backup-2020-01-02.tar.gz",
	))
	now := time.Date(2020, 1, 2, 18, 0, 0, 0, time.UTC)

	report, err := newTestMonitor(t, now).GetStorageUsage(context.Background(), NewLocalDestination(dir))
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalBackups)
	assert.Equal(t, "vaultwarden-backup-2020-01-02.tar.gz", report.Newest.Name)
	assert.Equal(t, "vaultwarden-backup-2020-01-01.tar.gz", report.Oldest.Name)
	assert.Empty(t, report.Alerts)

	_, err = newTestMonitor(t, now).GetStorageUsage(context.Background(), failingDestination{})
	assert.Error(t, err)
}
