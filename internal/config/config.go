package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// EnvPrefix is the prefix of every environment variable the tool reads
const EnvPrefix = "APP_BACKUP_"

// Config is the full configuration of one backup run
type Config struct {
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot" yaml:"snapshot"`
	Staging    StagingConfig    `mapstructure:"staging" yaml:"staging"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Archive    ArchiveConfig    `mapstructure:"archive" yaml:"archive"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Retention  RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	LogLevel   string           `mapstructure:"log_level" yaml:"log_level"`
	LogFormat  string           `mapstructure:"log_format" yaml:"log_format"`
	LogFile    string           `mapstructure:"log_file" yaml:"log_file"`
	Timezone   string           `mapstructure:"timezone" yaml:"timezone"`
}

// SourceConfig describes the live application tree
type SourceConfig struct {
	Root     string   `mapstructure:"root" yaml:"root"`
	Identity string   `mapstructure:"identity" yaml:"identity"`
	Exclude  []string `mapstructure:"exclude" yaml:"exclude"`
}

// SnapshotConfig describes the live database to snapshot
type SnapshotConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	Path          string        `mapstructure:"path" yaml:"path"`
	DSN           string        `mapstructure:"dsn" yaml:"dsn"`
	TargetName    string        `mapstructure:"target_name" yaml:"target_name"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	ProgressEvery int           `mapstructure:"progress_every" yaml:"progress_every"`
}

// StagingConfig describes where per-run working directories live
type StagingConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// OutputConfig describes the local artifact directory
type OutputConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	KeepLocalCopy bool   `mapstructure:"keep_local_copy" yaml:"keep_local_copy"`
}

// ArchiveConfig selects the compressor
type ArchiveConfig struct {
	Compression string `mapstructure:"compression" yaml:"compression"`
	Level       int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig defines encryption settings
type EncryptionConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Format     string `mapstructure:"format" yaml:"format"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
}

// TransportConfig defines the remote destination
type TransportConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Attempts   int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SFTP       *SFTPConfig   `mapstructure:"sftp,omitempty" yaml:"sftp,omitempty"`
	S3         *S3Config     `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
	Azure      *AzureConfig  `mapstructure:"azure,omitempty" yaml:"azure,omitempty"`
	GCS        *GCSConfig    `mapstructure:"gcs,omitempty" yaml:"gcs,omitempty"`
}

// SFTPConfig for SSH file transfer
type SFTPConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	User           string `mapstructure:"user" yaml:"user"`
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	RemotePath     string `mapstructure:"remote_path" yaml:"remote_path"`
}

// S3Config for Amazon S3 and compatible stores
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
}

// RetentionConfig defines how many artifacts to keep
type RetentionConfig struct {
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	DryRun     bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// NotifyConfig defines where the run outcome is reported
type NotifyConfig struct {
	Enabled        bool           `mapstructure:"enabled" yaml:"enabled"`
	MaxErrorLength int            `mapstructure:"max_error_length" yaml:"max_error_length"`
	Timeout        time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Discord        *DiscordConfig `mapstructure:"discord,omitempty" yaml:"discord,omitempty"`
	Webhook        *WebhookConfig `mapstructure:"webhook,omitempty" yaml:"webhook,omitempty"`
	Slack          *SlackConfig   `mapstructure:"slack,omitempty" yaml:"slack,omitempty"`
	File           *FileConfig    `mapstructure:"file,omitempty" yaml:"file,omitempty"`
}

// DiscordConfig posts an embed to a Discord webhook
type DiscordConfig struct {
	WebhookURL   string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Title        string `mapstructure:"title" yaml:"title"`
	ThumbnailURL string `mapstructure:"thumbnail_url" yaml:"thumbnail_url"`
}

// WebhookConfig posts a generic JSON document
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// SlackConfig posts to a Slack incoming webhook
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	Username   string `mapstructure:"username" yaml:"username"`
}

// FileConfig appends JSON lines to a local file
type FileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig controls the node_exporter textfile output
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{
		Snapshot: SnapshotConfig{Enabled: true},
		Notify:   NotifyConfig{Enabled: true},
	}
	c.SetDefaults()
	return c
}

// Sample returns a fully populated example configuration for --print-config
func Sample() *Config {
	c := Default()
	c.Source = SourceConfig{
		Root:     "/opt/vaultwarden",
		Identity: "vaultwarden",
		Exclude:  []string{"db.sqlite3*", "tmp"},
	}
	c.Snapshot.Path = "db.sqlite3"
	c.Output.Dir = "/var/backups/vaultwarden"
	c.Transport.SFTP = &SFTPConfig{
		Host:           "backup.example.com",
		Port:           22,
		User:           "backup",
		PrivateKeyPath: "/root/.ssh/id_ed25519",
		KnownHostsPath: "/root/.ssh/known_hosts",
		RemotePath:     "/srv/backups/vaultwarden",
	}
	c.Notify.Discord = &DiscordConfig{
		WebhookURL: "https://discord.com/api/webhooks/...",
		Title:      "Vaultwarden Backup",
	}
	return c
}

// SetDefaults sets default values for every section
func (c *Config) SetDefaults() {
	c.Source.SetDefaults()
	c.Snapshot.SetDefaults()
	c.Staging.SetDefaults()
	c.Archive.SetDefaults()
	c.Encryption.SetDefaults()
	c.Transport.SetDefaults()
	c.Retention.SetDefaults()
	c.Notify.SetDefaults()

	if c.LogLevel == "" {
		c.LogLevel = "normal"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
}

// Validate checks the whole configuration and returns ValidationErrors on failure
func (c *Config) Validate() error {
	var errs ValidationErrors

	c.Source.validate(&errs)
	if c.Snapshot.Enabled {
		c.Snapshot.validate(&errs)
	}
	if c.Output.Dir == "" {
		errs.Add("output.dir", "output directory is required", nil)
	}
	c.Archive.validate(&errs)
	c.Encryption.validate(&errs)
	if c.Transport.Enabled {
		c.Transport.validate(&errs)
	}
	c.Retention.validate(&errs)
	c.Notify.validate(&errs)

	switch c.LogFormat {
	case "text", "json":
	default:
		errs.Add("log_format", "must be text or json", c.LogFormat)
	}
	if _, err := c.Location(); err != nil {
		errs.Add("timezone", err.Error(), c.Timezone)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Location resolves the configured time zone used for the logical date
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LiveDatabasePath returns the absolute path of the sqlite source database
func (c *Config) LiveDatabasePath() string {
	if c.Snapshot.Path == "" || filepath.IsAbs(c.Snapshot.Path) {
		return c.Snapshot.Path
	}
	return filepath.Join(c.Source.Root, c.Snapshot.Path)
}

// LoadFromEnvironment overlays APP_BACKUP_* environment variables
func (c *Config) LoadFromEnvironment() {
	c.Source.LoadFromEnvironment()
	c.Snapshot.LoadFromEnvironment()

	if val := getEnv("STAGING_ROOT"); val != "" {
		c.Staging.Root = val
	}
	if val := getEnv("OUTPUT_DIR"); val != "" {
		c.Output.Dir = val
	}
	if val := getEnv("OUTPUT_KEEP_LOCAL_COPY"); val != "" {
		c.Output.KeepLocalCopy = parseBool(val)
	}
	if val := getEnv("ARCHIVE_COMPRESSION"); val != "" {
		c.Archive.Compression = strings.ToLower(val)
	}
	if val := getEnv("ARCHIVE_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Archive.Level = parsed
		}
	}

	c.Encryption.LoadFromEnvironment()
	c.Transport.LoadFromEnvironment()

	if val := getEnv("RETENTION_MAX_BACKUPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.Retention.MaxBackups = parsed
		}
	}
	if val := getEnv("RETENTION_DRY_RUN"); val != "" {
		c.Retention.DryRun = parseBool(val)
	}

	c.Notify.LoadFromEnvironment()

	if val := getEnv("METRICS_TEXTFILE"); val != "" {
		c.Metrics.Textfile = val
	}
	if val := getEnv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := getEnv("LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}
	if val := getEnv("LOG_FILE"); val != "" {
		c.LogFile = val
	}
	if val := getEnv("TIMEZONE"); val != "" {
		c.Timezone = val
	}
}

// SetDefaults sets default values for the source section
func (sc *SourceConfig) SetDefaults() {
	if sc.Identity == "" && sc.Root != "" {
		sc.Identity = filepath.Base(filepath.Clean(sc.Root))
	}
}

func (sc *SourceConfig) validate(errs *ValidationErrors) {
	if sc.Root == "" {
		errs.Add("source.root", "source root is required", nil)
	}
	if sc.Identity == "" {
		errs.Add("source.identity", "source identity is required", nil)
	} else if strings.ContainsAny(sc.Identity, `/\ `) {
		errs.Add("source.identity", "identity must not contain path separators or spaces", sc.Identity)
	}
	for _, pattern := range sc.Exclude {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			errs.Add("source.exclude", "invalid glob pattern", pattern)
		}
	}
}

// LoadFromEnvironment loads source configuration from environment variables
func (sc *SourceConfig) LoadFromEnvironment() {
	if val := getEnv("SOURCE_ROOT"); val != "" {
		sc.Root = val
	}
	if val := getEnv("SOURCE_IDENTITY"); val != "" {
		sc.Identity = val
	}
	if val := getEnv("SOURCE_EXCLUDE"); val != "" {
		sc.Exclude = splitList(val)
	}
}

// SetDefaults sets default values for snapshot configuration
func (sc *SnapshotConfig) SetDefaults() {
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	if sc.TargetName == "" {
		switch {
		case sc.Driver == "mysql":
			sc.TargetName = "database.sql"
		case sc.Path != "":
			sc.TargetName = filepath.Base(sc.Path)
		default:
			sc.TargetName = "db.sqlite3"
		}
	}
	if sc.LockTimeout == 0 {
		sc.LockTimeout = 30 * time.Second
	}
	if sc.ProgressEvery == 0 {
		sc.ProgressEvery = 1000
	}
}

func (sc *SnapshotConfig) validate(errs *ValidationErrors) {
	switch sc.Driver {
	case "sqlite":
		if sc.Path == "" {
			errs.Add("snapshot.path", "database path is required for the sqlite driver", nil)
		}
	case "mysql":
		if sc.DSN == "" {
			errs.Add("snapshot.dsn", "DSN is required for the mysql driver", nil)
		}
	default:
		errs.Add("snapshot.driver", "must be sqlite or mysql", sc.Driver)
	}
	if sc.TargetName == "" || strings.ContainsAny(sc.TargetName, `/\`) {
		errs.Add("snapshot.target_name", "must be a plain file name", sc.TargetName)
	}
	if sc.LockTimeout < 0 {
		errs.Add("snapshot.lock_timeout", "cannot be negative", sc.LockTimeout)
	}
	if sc.ProgressEvery < 0 {
		errs.Add("snapshot.progress_every", "cannot be negative", sc.ProgressEvery)
	}
}

// LoadFromEnvironment loads snapshot configuration from environment variables
func (sc *SnapshotConfig) LoadFromEnvironment() {
	if val := getEnv("SNAPSHOT_ENABLED"); val != "" {
		sc.Enabled = parseBool(val)
	}
	if val := getEnv("SNAPSHOT_DRIVER"); val != "" {
		sc.Driver = strings.ToLower(val)
	}
	if val := getEnv("SNAPSHOT_PATH"); val != "" {
		sc.Path = val
	}
	if val := getEnv("SNAPSHOT_DSN"); val != "" {
		sc.DSN = val
	}
	if val := getEnv("SNAPSHOT_LOCK_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			sc.LockTimeout = parsed
		}
	}
}

// SetDefaults sets default values for staging configuration
func (sc *StagingConfig) SetDefaults() {
	if sc.Root == "" {
		sc.Root = os.TempDir()
	}
}

// SetDefaults sets default values for archive configuration
func (ac *ArchiveConfig) SetDefaults() {
	if ac.Compression == "" {
		ac.Compression = "gzip"
	}
	if ac.Level == 0 {
		switch ac.Compression {
		case "gzip":
			ac.Level = 6
		case "zstd":
			ac.Level = 3
		case "lz4":
			ac.Level = 1
		}
	}
}

func (ac *ArchiveConfig) validate(errs *ValidationErrors) {
	switch ac.Compression {
	case "gzip":
		if ac.Level < 1 || ac.Level > 9 {
			errs.Add("archive.level", "gzip compression level must be between 1 and 9", ac.Level)
		}
	case "zstd":
		if ac.Level < 1 || ac.Level > 22 {
			errs.Add("archive.level", "zstd compression level must be between 1 and 22", ac.Level)
		}
	case "lz4":
		if ac.Level < 1 || ac.Level > 9 {
			errs.Add("archive.level", "lz4 compression level must be between 1 and 9", ac.Level)
		}
	default:
		errs.Add("archive.compression", "must be gzip, zstd or lz4", ac.Compression)
	}
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.Format == "" {
		ec.Format = "age"
	}
}

func (ec *EncryptionConfig) validate(errs *ValidationErrors) {
	if !ec.Enabled {
		return
	}
	if ec.Passphrase == "" {
		errs.Add("encryption.passphrase", "passphrase is required when encryption is enabled", nil)
	}
	switch ec.Format {
	case "age", "aes-256-gcm":
	default:
		errs.Add("encryption.format", "must be age or aes-256-gcm", ec.Format)
	}
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := getEnv("ENCRYPTION_ENABLED"); val != "" {
		ec.Enabled = parseBool(val)
	}
	if val := getEnv("ENCRYPTION_FORMAT"); val != "" {
		ec.Format = strings.ToLower(val)
	}
	if val := getEnv("ENCRYPTION_PASSPHRASE"); val != "" {
		ec.Passphrase = val
	}
}

// SetDefaults sets default values for transport configuration
func (tc *TransportConfig) SetDefaults() {
	if tc.Provider == "" {
		tc.Provider = "sftp"
	}
	if tc.Attempts == 0 {
		tc.Attempts = 2
	}
	if tc.RetryDelay == 0 {
		tc.RetryDelay = 5 * time.Second
	}
	if tc.Timeout == 0 {
		tc.Timeout = 10 * time.Minute
	}
	if tc.SFTP != nil && tc.SFTP.Port == 0 {
		tc.SFTP.Port = 22
	}
	if tc.S3 != nil && tc.S3.Region == "" {
		tc.S3.Region = "us-east-1"
	}
	if tc.GCS != nil && tc.GCS.CredentialsPath == "" {
		tc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

func (tc *TransportConfig) validate(errs *ValidationErrors) {
	if tc.Attempts < 1 {
		errs.Add("transport.attempts", "must be at least 1", tc.Attempts)
	}
	if tc.RetryDelay < 0 {
		errs.Add("transport.retry_delay", "cannot be negative", tc.RetryDelay)
	}

	switch tc.Provider {
	case "sftp":
		if tc.SFTP == nil {
			errs.Add("transport.sftp", "sftp configuration is required when provider is 'sftp'", nil)
			return
		}
		if tc.SFTP.Host == "" {
			errs.Add("transport.sftp.host", "host is required", nil)
		}
		if tc.SFTP.User == "" {
			errs.Add("transport.sftp.user", "user is required", nil)
		}
		if tc.SFTP.PrivateKeyPath == "" {
			errs.Add("transport.sftp.private_key_path", "private key path is required", nil)
		}
		if tc.SFTP.RemotePath == "" {
			errs.Add("transport.sftp.remote_path", "remote path is required", nil)
		}
	case "s3":
		if tc.S3 == nil {
			errs.Add("transport.s3", "S3 configuration is required when provider is 's3'", nil)
			return
		}
		if tc.S3.Bucket == "" {
			errs.Add("transport.s3.bucket", "bucket is required", nil)
		}
	case "azure":
		if tc.Azure == nil {
			errs.Add("transport.azure", "Azure configuration is required when provider is 'azure'", nil)
			return
		}
		if tc.Azure.AccountName == "" {
			errs.Add("transport.azure.account_name", "account name is required", nil)
		}
		if tc.Azure.AccountKey == "" {
			errs.Add("transport.azure.account_key", "account key is required", nil)
		}
		if tc.Azure.ContainerName == "" {
			errs.Add("transport.azure.container_name", "container name is required", nil)
		}
	case "gcs":
		if tc.GCS == nil {
			errs.Add("transport.gcs", "GCS configuration is required when provider is 'gcs'", nil)
			return
		}
		if tc.GCS.Bucket == "" {
			errs.Add("transport.gcs.bucket", "bucket is required", nil)
		}
	default:
		errs.Add("transport.provider", "must be sftp, s3, azure or gcs", tc.Provider)
	}
}

// LoadFromEnvironment loads transport configuration from environment variables
func (tc *TransportConfig) LoadFromEnvironment() {
	if val := getEnv("TRANSPORT_ENABLED"); val != "" {
		tc.Enabled = parseBool(val)
	}
	if val := getEnv("TRANSPORT_PROVIDER"); val != "" {
		tc.Provider = strings.ToLower(val)
	}

	switch tc.Provider {
	case "sftp":
		if tc.SFTP == nil {
			tc.SFTP = &SFTPConfig{}
		}
		if val := getEnv("SFTP_HOST"); val != "" {
			tc.SFTP.Host = val
		}
		if val := getEnv("SFTP_USER"); val != "" {
			tc.SFTP.User = val
		}
		if val := getEnv("SFTP_PRIVATE_KEY_PATH"); val != "" {
			tc.SFTP.PrivateKeyPath = val
		}
		if val := getEnv("SFTP_REMOTE_PATH"); val != "" {
			tc.SFTP.RemotePath = val
		}
	case "s3":
		if tc.S3 == nil {
			tc.S3 = &S3Config{}
		}
		if val := getEnv("S3_BUCKET"); val != "" {
			tc.S3.Bucket = val
		}
		if val := getEnv("S3_ACCESS_KEY"); val != "" {
			tc.S3.AccessKey = val
		}
		if val := getEnv("S3_SECRET_KEY"); val != "" {
			tc.S3.SecretKey = val
		}
	case "azure":
		if tc.Azure == nil {
			tc.Azure = &AzureConfig{}
		}
		if val := getEnv("AZURE_ACCOUNT_KEY"); val != "" {
			tc.Azure.AccountKey = val
		}
	case "gcs":
		if tc.GCS == nil {
			tc.GCS = &GCSConfig{}
		}
		if val := getEnv("GCS_CREDENTIALS_PATH"); val != "" {
			tc.GCS.CredentialsPath = val
		}
	}
}

// SetDefaults sets default values for retention configuration
func (rc *RetentionConfig) SetDefaults() {
	if rc.MaxBackups == 0 {
		rc.MaxBackups = 5
	}
}

func (rc *RetentionConfig) validate(errs *ValidationErrors) {
	if rc.MaxBackups < 1 {
		errs.Add("retention.max_backups", "must be at least 1", rc.MaxBackups)
	}
}

// SetDefaults sets default values for notification configuration
func (nc *NotifyConfig) SetDefaults() {
	if nc.MaxErrorLength == 0 {
		nc.MaxErrorLength = 1500
	}
	if nc.Timeout == 0 {
		nc.Timeout = 15 * time.Second
	}
	if nc.Webhook != nil && nc.Webhook.Method == "" {
		nc.Webhook.Method = "POST"
	}
}

func (nc *NotifyConfig) validate(errs *ValidationErrors) {
	if nc.MaxErrorLength < 1 {
		errs.Add("notify.max_error_length", "must be positive", nc.MaxErrorLength)
	}
	if nc.Discord != nil && nc.Discord.WebhookURL == "" {
		errs.Add("notify.discord.webhook_url", "webhook URL is required", nil)
	}
	if nc.Webhook != nil && nc.Webhook.URL == "" {
		errs.Add("notify.webhook.url", "URL is required", nil)
	}
	if nc.Slack != nil && nc.Slack.WebhookURL == "" {
		errs.Add("notify.slack.webhook_url", "webhook URL is required", nil)
	}
	if nc.File != nil && nc.File.Path == "" {
		errs.Add("notify.file.path", "path is required", nil)
	}
}

// LoadFromEnvironment loads notification configuration from environment variables
func (nc *NotifyConfig) LoadFromEnvironment() {
	if val := getEnv("NOTIFY_ENABLED"); val != "" {
		nc.Enabled = parseBool(val)
	}
	if val := getEnv("DISCORD_WEBHOOK_URL"); val != "" {
		if nc.Discord == nil {
			nc.Discord = &DiscordConfig{}
		}
		nc.Discord.WebhookURL = val
	}
	if val := getEnv("WEBHOOK_URL"); val != "" {
		if nc.Webhook == nil {
			nc.Webhook = &WebhookConfig{}
		}
		nc.Webhook.URL = val
	}
	if val := getEnv("SLACK_WEBHOOK_URL"); val != "" {
		if nc.Slack == nil {
			nc.Slack = &SlackConfig{}
		}
		nc.Slack.WebhookURL = val
	}
}

func getEnv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func parseBool(val string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	return err == nil && b
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
