package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"app-backup/internal/backup"
	"app-backup/internal/config"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	var expectedChecksum string

	verifyCmd := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Read an artifact back end to end",
		Long: `Decrypt (when needed), decompress and walk every entry of an artifact
without extracting it. Encrypted artifacts use the configured passphrase or
APP_BACKUP_ENCRYPTION_PASSPHRASE.

Examples:
  app-backup verify /var/backups/vaultwarden/vaultwarden-backup-2026-10-19.tar.gz
  app-backup verify --config vaultwarden.yaml vaultwarden-backup-2026-10-19.tar.gz.age`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyColorMode(opts)

			passphrase, err := verifyPassphrase(cmd, opts)
			if err != nil {
				return configError(err)
			}

			if expectedChecksum != "" {
				ok, err := backup.VerifyChecksum(args[0], expectedChecksum)
				if err != nil {
					return runError(err)
				}
				if !ok {
					return runError(fmt.Errorf("checksum mismatch for %s: expected %s", args[0], expectedChecksum))
				}
			}

			report, err := backup.NewArtifactValidator(passphrase, nil).Validate(cmd.Context(), args[0])
			if err != nil {
				if backup.ErrorTypeOf(err) == backup.BackupErrorTypeConfiguration {
					return configError(err)
				}
				return runError(err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(w)
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ %s is readable\n", report.Artifact)
			fmt.Fprintf(w, "  Root:     %s/\n", report.Root)
			fmt.Fprintf(w, "  Entries:  %d (%d files, %s)\n", report.Entries, report.Files, humanize.IBytes(uint64(report.Bytes)))
			fmt.Fprintf(w, "  SHA-256:  %s\n", report.Checksum)
			return nil
		},
	}

	verifyCmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	verifyCmd.Flags().StringVar(&expectedChecksum, "sha256", "", "fail unless the artifact has this checksum")
	return verifyCmd
}

// verifyPassphrase prefers a configured passphrase and falls back to the
// environment, so verification works without a complete configuration.
func verifyPassphrase(cmd *cobra.Command, opts *rootOptions) (string, error) {
	if opts.cfgFile != "" {
		cfg, err := loadConfig(cmd, opts)
		if err != nil {
			return "", err
		}
		return cfg.Encryption.Passphrase, nil
	}
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return "", fmt.Errorf("failed to load env file %s: %w", opts.envFile, err)
		}
	}
	return os.Getenv(config.EnvPrefix + "ENCRYPTION_PASSPHRASE"), nil
}
