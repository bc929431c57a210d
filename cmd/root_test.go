package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"app-backup/internal/config"
)

type cliEnv struct {
	source  string
	staging string
	output  string
	notify  string
	dir     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	env := &cliEnv{
		source:  filepath.Join(dir, "vaultwarden"),
		staging: filepath.Join(dir, "staging"),
		output:  filepath.Join(dir, "out"),
		notify:  filepath.Join(dir, "notify", "events.jsonl"),
		dir:     dir,
	}
	files := map[string]string{
		"config.json":       `{"domain":"https://vault.example.com"}`,
		"attachments/a.bin": "attachment",
		"rsa_key.pem":       "key",
	}
	for rel, content := range files {
		p := filepath.Join(env.source, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(env.staging, 0o755))
	return env
}

// writeConfig writes a YAML config with snapshots disabled; extra is appended verbatim
func (e *cliEnv) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`source:
  root: %s
  identity: vaultwarden
snapshot:
  enabled: false
staging:
  root: %s
output:
  dir: %s
retention:
  max_backups: 3
notify:
  enabled: true
  file:
    path: %s
timezone: UTC
`, e.source, e.staging, e.output, e.notify) + extra
	f, err := os.CreateTemp(e.dir, "app-backup-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--no-color"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func artifacts(t *testing.T, dir, pattern string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	return matches
}

func TestRun_Success(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeConfig(t, "")

	code, stdout, stderr := runCLI("--config", cfgPath)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "vaultwarden backup complete")
	found := artifacts(t, env.output, "vaultwarden-backup-*.tar.gz")
	require.Len(t, found, 1)
	assert.Contains(t, stdout, filepath.Base(found[0]))

	staged, err := os.ReadDir(env.staging)
	require.NoError(t, err)
	assert.Empty(t, staged)

	data, err := os.ReadFile(env.notify)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &msg))
	assert.Equal(t, "success", msg["status"])

	t.Run("verify", func(t *testing.T) {
		code, stdout, stderr := runCLI("verify", found[0])
		require.Equal(t, exitOK, code, "stderr: %s", stderr)
		assert.Contains(t, stdout, "is readable")
		assert.Contains(t, stdout, "3 files")
	})

	t.Run("verify checksum mismatch", func(t *testing.T) {
		code, _, stderr := runCLI("verify", "--sha256", "00", found[0])
		assert.Equal(t, exitRunFailure, code)
		assert.Contains(t, stderr, "checksum mismatch")
	})

	t.Run("list json", func(t *testing.T) {
		code, stdout, stderr := runCLI("list", "--config", cfgPath, "--format", "json")
		require.Equal(t, exitOK, code, "stderr: %s", stderr)
		var listings []artifactListing
		require.NoError(t, json.Unmarshal([]byte(stdout), &listings))
		require.Len(t, listings, 1)
		require.Len(t, listings[0].Artifacts, 1)
		assert.Equal(t, filepath.Base(found[0]), listings[0].Artifacts[0].Name)
	})

	t.Run("list table", func(t *testing.T) {
		code, stdout, _ := runCLI("list", "--config", cfgPath)
		require.Equal(t, exitOK, code)
		assert.Contains(t, stdout, "Total backups: 1")
	})
}

func TestRun_RunFailureExitCode(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeConfig(t, "")
	body, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	body = bytes.Replace(body, []byte("snapshot:\n  enabled: false"), []byte("snapshot:\n  enabled: true\n  path: db.sqlite3"), 1)
	require.NoError(t, os.WriteFile(cfgPath, body, 0o600))

	code, stdout, stderr := runCLI("--config", cfgPath)
	assert.Equal(t, exitRunFailure, code)
	assert.Contains(t, stdout, "backup failed during snapshotting")
	assert.Contains(t, stderr, "Error:")
	assert.Empty(t, artifacts(t, env.output, "*"))

	data, err := os.ReadFile(env.notify)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestRun_SetupFailureNotifies(t *testing.T) {
	env := newCLIEnv(t)
	missingKey := filepath.Join(env.dir, "missing_ed25519")
	cfgPath := env.writeConfig(t, fmt.Sprintf(`transport:
  enabled: true
  provider: sftp
  sftp:
    host: backup.example.com
    user: backup
    private_key_path: %s
    remote_path: /srv/backups
`, missingKey))

	code, _, stderr := runCLI("--config", cfgPath)
	assert.Equal(t, exitConfigError, code)
	assert.Contains(t, stderr, "sftp private key")
	assert.Empty(t, artifacts(t, env.output, "*"))

	data, err := os.ReadFile(env.notify)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &msg))
	assert.Equal(t, "failure", msg["status"])
	assert.Equal(t, "init", msg["failed_stage"])
}

func TestRun_ConfigErrors(t *testing.T) {
	env := newCLIEnv(t)

	badYAML := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("source: [unterminated"), 0o600))

	noSource := filepath.Join(env.dir, "nosource.yaml")
	require.NoError(t, os.WriteFile(noSource, []byte("output:\n  dir: "+env.output+"\n"), 0o600))

	tests := []struct {
		name string
		args []string
	}{
		{"missing config file", []string{"--config", filepath.Join(env.dir, "missing.yaml")}},
		{"malformed yaml", []string{"--config", badYAML}},
		{"no source root", []string{"--config", noSource}},
		{"unknown flag", []string{"--bogus"}},
		{"positional argument", []string{"extra"}},
		{"invalid compression", []string{"--config", env.writeConfig(t, "archive:\n  compression: bzip2\n")}},
		{"encryption without passphrase", []string{"--config", env.writeConfig(t, "encryption:\n  enabled: true\n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(tt.args...)
			assert.Equal(t, exitConfigError, code)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestRun_FlagOverrides(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeConfig(t, "")
	otherOut := filepath.Join(env.dir, "elsewhere")

	code, _, stderr := runCLI("--config", cfgPath, "--identity", "plex", "--output", otherOut)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)

	assert.Len(t, artifacts(t, otherOut, "plex-backup-*.tar.gz"), 1)
	assert.Empty(t, artifacts(t, env.output, "*"))
}

func TestRun_EnvFile(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.writeConfig(t, "")

	envFile := filepath.Join(env.dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("APP_BACKUP_SOURCE_IDENTITY=fromenv\nAPP_BACKUP_ARCHIVE_COMPRESSION=zstd\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("APP_BACKUP_SOURCE_IDENTITY")
		os.Unsetenv("APP_BACKUP_ARCHIVE_COMPRESSION")
	})

	code, _, stderr := runCLI("--config", cfgPath, "--env-file", envFile)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Len(t, artifacts(t, env.output, "fromenv-backup-*.tar.zst"), 1)

	code, _, _ = runCLI("--config", cfgPath, "--env-file", filepath.Join(env.dir, "missing.env"))
	assert.Equal(t, exitConfigError, code)
}

func TestRun_Check(t *testing.T) {
	env := newCLIEnv(t)

	code, stdout, _ := runCLI("--config", env.writeConfig(t, ""), "--check")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Configuration OK")
	assert.Empty(t, artifacts(t, env.output, "*.tar.*"))

	require.NoError(t, os.RemoveAll(env.source))
	code, stdout, _ = runCLI("--config", env.writeConfig(t, ""), "--check")
	assert.Equal(t, exitConfigError, code)
	assert.Contains(t, stdout, "source root")
}

func TestRun_PrintConfig(t *testing.T) {
	code, stdout, _ := runCLI("--print-config")
	require.Equal(t, exitOK, code)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "vaultwarden", cfg.Source.Identity)
	require.NotNil(t, cfg.Transport.SFTP)
	assert.Equal(t, "backup.example.com", cfg.Transport.SFTP.Host)
	assert.Equal(t, 5, cfg.Retention.MaxBackups)
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI("version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "app-backup version")
}
