package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"app-backup/internal/backup"
)

// artifactListing is the retention set found at one destination
type artifactListing struct {
	Destination string                     `json:"destination" yaml:"destination"`
	Artifacts   []backup.Artifact          `json:"artifacts" yaml:"artifacts"`
	Usage       *backup.StorageUsageReport `json:"usage" yaml:"usage"`
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var format string
	var limit int

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the artifacts retention manages, newest first",
		Long: `List the artifacts at the local output directory, and at the remote
destination when transport is enabled, that match this source's naming
pattern. Artifacts are ordered the way retention ranks them.

Examples:
  app-backup list --config vaultwarden.yaml
  app-backup list --config vaultwarden.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyColorMode(opts)
			switch format {
			case "table", "json", "yaml":
			default:
				return configError(fmt.Errorf("unsupported format: %s", format))
			}

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return configError(err)
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return configError(err)
			}
			defer logger.Close()

			ctx := cmd.Context()
			rm, err := backup.NewRetentionManager(cfg.Source.Identity, false, logger)
			if err != nil {
				return configError(err)
			}

			monitor := backup.NewStorageMonitor(rm, logger)

			destinations := []backup.Destination{backup.NewLocalDestination(cfg.Output.Dir)}
			transporter, err := backup.NewTransporter(ctx, cfg.Transport, logger)
			if err != nil {
				return configError(err)
			}
			if transporter != nil {
				defer transporter.Close()
				destinations = append(destinations, transporter.Destination())
			}

			listings := make([]artifactListing, 0, len(destinations))
			for _, dest := range destinations {
				artifacts, err := dest.List(ctx)
				if err != nil {
					return runError(fmt.Errorf("failed to list %s: %w", dest, err))
				}
				candidates := rm.Candidates(artifacts)
				if limit > 0 && len(candidates) > limit {
					candidates = candidates[:limit]
				}
				listings = append(listings, artifactListing{
					Destination: dest.String(),
					Artifacts:   candidates,
					Usage:       monitor.Analyze(dest.String(), artifacts),
				})
			}

			return displayListings(cmd.OutOrStdout(), listings, format, cfg.Retention.MaxBackups)
		},
	}

	listCmd.Flags().StringVar(&format, "format", "table", "output format (table, json, yaml)")
	listCmd.Flags().IntVar(&limit, "limit", 0, "show at most this many artifacts per destination")
	return listCmd
}

func displayListings(w io.Writer, listings []artifactListing, format string, maxBackups int) error {
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(listings)
	case "yaml":
		data, err := yaml.Marshal(listings)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		displayListingTable(w, listings, maxBackups)
		return nil
	}
}

// displayListingTable prints one table per destination. Entries past
// maxBackups are the ones the next run's retention would remove.
func displayListingTable(w io.Writer, listings []artifactListing, maxBackups int) {
	header := color.New(color.Bold).SprintFunc()
	expiring := color.New(color.FgYellow).SprintFunc()

	for i, listing := range listings {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, header(listing.Destination))
		if len(listing.Artifacts) == 0 {
			fmt.Fprintln(w, "  No backups found.")
			continue
		}
		fmt.Fprintf(w, "  %-48s %-19s %10s %s\n", header("NAME"), header("CREATED"), header("SIZE"), header("ENCRYPTED"))
		for n, a := range listing.Artifacts {
			name := a.Name
			if maxBackups > 0 && n >= maxBackups {
				name = expiring(name)
			}
			fmt.Fprintf(w, "  %-48s %-19s %10s %t\n",
				name,
				a.CreatedAt.Format("2006-01-02 15:04:05"),
				humanize.IBytes(uint64(a.Size)),
				a.Encrypted)
		}
		if u := listing.Usage; u != nil {
			fmt.Fprintf(w, "  Total backups: %d (%s, average %s)\n",
				u.TotalBackups, humanize.IBytes(uint64(u.TotalSize)), humanize.IBytes(uint64(u.AverageSize)))
			for _, alert := range u.Alerts {
				fmt.Fprintf(w, "  %s %s: %s\n", expiring(alert.Severity+":"), alert.Title, alert.Description)
			}
		}
	}
}
