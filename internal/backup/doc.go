// Package backup implements the per-run backup pipeline for a single
// self-hosted application.
//
// A run moves through fixed stages: a fresh staging directory is prepared,
// the source tree is copied into it, an optional live database is snapshot
// into the staged tree, the tree is packed into a compressed tar archive,
// the archive is optionally encrypted, optionally transported to a remote
// store, and finally older artifacts are pruned by retention. The
// Coordinator drives these stages and reports one Outcome per run to the
// configured Notifier.
//
// Stage failures are reported as *BackupError values carrying a
// BackupErrorType and the Stage they occurred in:
//
//	coordinator, err := backup.NewCoordinator(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	outcome := coordinator.Run(ctx, coordinator.NewRun())
//	if !outcome.Success {
//		return outcome.Err
//	}
package backup
