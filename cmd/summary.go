package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"app-backup/internal/backup"
)

// printSummary writes the human-readable result of a run
func printSummary(w io.Writer, outcome backup.Outcome, verbose bool) {
	label := color.New(color.Bold).SprintFunc()

	if outcome.Success {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ %s backup complete\n", outcome.Identity)
		fmt.Fprintf(w, "  %s %s\n", label("Artifact: "), outcome.ArtifactName)
		location := outcome.RemotePath
		if location == "" {
			location = outcome.ArtifactPath
		}
		fmt.Fprintf(w, "  %s %s\n", label("Location: "), location)
		fmt.Fprintf(w, "  %s %s\n", label("Size:     "), humanize.IBytes(uint64(outcome.Size)))
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "✗ %s backup failed during %s\n", outcome.Identity, outcome.FailedStage)
		if outcome.Err != nil {
			fmt.Fprintf(w, "  %s %v\n", label("Error:    "), outcome.Err)
		}
	}
	fmt.Fprintf(w, "  %s %s\n", label("Duration: "), outcome.Duration().Round(time.Millisecond))

	if r := outcome.Retention; r != nil {
		verb := "removed"
		if r.DryRun {
			verb = "would remove"
		}
		fmt.Fprintf(w, "  %s kept %d, %s %d", label("Retention:"), len(r.Kept), verb, len(r.Removed))
		if len(r.Removed) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(r.Removed, ", "))
		}
		fmt.Fprintln(w)
		for _, err := range r.Errors {
			color.New(color.FgYellow).Fprintf(w, "  warning: %v\n", err)
		}
	}

	if verbose {
		for _, s := range outcome.Stages {
			status := "ok"
			if s.Err != nil {
				status = "failed"
			}
			fmt.Fprintf(w, "    %-13s %-7s %s\n", s.Stage, status, s.Duration.Round(time.Millisecond))
		}
	}
}
