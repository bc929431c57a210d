package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"app-backup/internal/backup"
	"app-backup/internal/config"
	appErrors "app-backup/internal/errors"
	"app-backup/internal/logging"
)

// Process exit codes
const (
	exitOK          = 0
	exitRunFailure  = 1
	exitConfigError = 2
)

// exitError carries the exit code a failed command should end the process with
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitConfigError, err: err}
}

func runError(err error) error {
	return &exitError{code: exitRunFailure, err: err}
}

// rootOptions holds the flag values shared by every command
type rootOptions struct {
	cfgFile     string
	envFile     string
	printConfig bool
	check       bool
	verbose     bool
	noColor     bool
	logFile     string
	logFormat   string
	sourceRoot  string
	identity    string
	outputDir   string
	timezone    string
	dryRun      bool
}

// NewRootCommand builds the app-backup command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "app-backup",
		Short: "Back up one application data tree into a compressed, optionally encrypted artifact",
		Long: `app-backup runs a single backup of an application data directory.

The live tree is copied into a staging directory, the application database is
snapshotted consistently, and the result is archived and optionally encrypted
and uploaded. Old artifacts beyond the retention limit are pruned and one
status notification is sent per run.

Configuration is read, lowest to highest precedence, from defaults, the YAML
config file, the --env-file, APP_BACKUP_* environment variables and flags.`,
		Example: `  # Run a backup with a config file
  app-backup --config /etc/app-backup/vaultwarden.yaml

  # Check paths and credentials without running
  app-backup --config vaultwarden.yaml --check

  # Print a sample configuration
  app-backup --print-config > vaultwarden.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.app-backup.yaml or ./.app-backup.yaml)")
	flags.StringVar(&opts.envFile, "env-file", "", "load environment variables from a .env file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")
	flags.StringVar(&opts.sourceRoot, "source", "", "application data directory to back up")
	flags.StringVar(&opts.identity, "identity", "", "name used in artifact names (default is the source directory name)")
	flags.StringVar(&opts.outputDir, "output", "", "local artifact directory")
	flags.StringVar(&opts.timezone, "timezone", "", "time zone used for the artifact date")

	rootCmd.Flags().BoolVar(&opts.printConfig, "print-config", false, "print a sample configuration and exit")
	rootCmd.Flags().BoolVar(&opts.check, "check", false, "validate configuration and environment, then exit")
	rootCmd.Flags().BoolVar(&opts.dryRun, "dry-run-retention", false, "report artifacts retention would remove without deleting them")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newVerifyCommand(opts))

	return rootCmd
}

// Execute runs the CLI against the process arguments and returns the exit code
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
	if appErrors.GetErrorType(err) != appErrors.ErrorTypeUnknown {
		fmt.Fprintf(stderr, "  %s\n", appErrors.FormatUserError(err))
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag parsing and argument errors.
	return exitConfigError
}

func runBackup(cmd *cobra.Command, opts *rootOptions) error {
	applyColorMode(opts)

	if opts.printConfig {
		return printSampleConfig(cmd.OutOrStdout())
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return configError(err)
	}
	if opts.check {
		return runPreflight(cmd.OutOrStdout(), cfg)
	}

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return configError(err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator, err := backup.NewCoordinator(ctx, cfg, logger)
	if err != nil {
		if backup.ErrorTypeOf(err) == backup.BackupErrorTypeConfiguration {
			return configError(err)
		}
		return runError(err)
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to close transport")
		}
	}()

	outcome := coordinator.Run(ctx, coordinator.NewRun())
	printSummary(cmd.OutOrStdout(), outcome, opts.verbose)

	if !outcome.Success {
		return runError(fmt.Errorf("backup failed during %s: %w", outcome.FailedStage, outcome.Err))
	}
	return nil
}

func applyColorMode(opts *rootOptions) {
	if opts.noColor {
		color.NoColor = true
	}
}

// loadConfig merges defaults, config file, env file, environment and flags
// and validates the result.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("notify.enabled", true)

	if opts.cfgFile != "" {
		v.SetConfigFile(opts.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".app-backup")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if opts.envFile != "" {
		// Load never overrides variables already present in the environment.
		if err := godotenv.Load(opts.envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.envFile, err)
		}
	}
	cfg.LoadFromEnvironment()

	applyFlagOverrides(cmd, opts, cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, opts *rootOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source.Root = opts.sourceRoot
	}
	if flags.Changed("identity") {
		cfg.Source.Identity = opts.identity
	}
	if flags.Changed("output") {
		cfg.Output.Dir = opts.outputDir
	}
	if flags.Changed("timezone") {
		cfg.Timezone = opts.timezone
	}
	if flags.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if opts.verbose && cfg.LogLevel != string(logging.LogLevelDebug) {
		cfg.LogLevel = string(logging.LogLevelVerbose)
	}
	if flags.Changed("dry-run-retention") {
		cfg.Retention.DryRun = opts.dryRun
	}
}

func newLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.LogLevel)
	return logging.NewLogger(logging.Config{
		Level:      level,
		Output:     out,
		Format:     cfg.LogFormat,
		LogFile:    cfg.LogFile,
		ShowCaller: level == logging.LogLevelDebug,
	})
}

func printSampleConfig(w io.Writer) error {
	data, err := yaml.Marshal(config.Sample())
	if err != nil {
		return fmt.Errorf("failed to encode sample configuration: %w", err)
	}
	fmt.Fprintln(w, "# app-backup configuration")
	fmt.Fprintln(w, "# Secrets may instead be supplied as APP_BACKUP_* environment variables.")
	_, err = w.Write(data)
	return err
}

func runPreflight(w io.Writer, cfg *config.Config) error {
	result := config.Preflight(cfg)

	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	checks := []struct {
		label string
		ok    bool
	}{
		{"source readable", result.SourceReadable},
		{"output writable", result.OutputWritable},
		{"staging writable", result.StagingWritable},
		{"database found", result.DatabaseFound},
		{"credentials", result.CredentialsOK},
	}
	for _, c := range checks {
		mark := pass("ok")
		if !c.ok {
			mark = fail("FAIL")
		}
		fmt.Fprintf(w, "  %-18s %s\n", c.label, mark)
	}
	for _, msg := range result.Warnings {
		fmt.Fprintf(w, "%s %s\n", warn("warning:"), msg)
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(w, "%s %s\n", fail("error:"), msg)
	}

	if !result.OK() {
		return configError(fmt.Errorf("preflight found %d problem(s)", len(result.Errors)))
	}
	fmt.Fprintln(w, pass("Configuration OK"))
	return nil
}
