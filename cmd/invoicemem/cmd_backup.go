package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/invoicemem/internal/backup"
	"github.com/scrypster/invoicemem/internal/storage"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a point-in-time copy of the memory snapshot",
		Long: `Backup copies the persisted memory snapshot into the backup directory
(INVOICEMEM_BACKUP_PATH, default {data}/backups) and prunes old copies:
24 hourly, 7 daily, 4 weekly and 12 monthly backups are kept.

Examples:
  invoicemem backup
  invoicemem backup list
  invoicemem backup restore                  # newest backup
  invoicemem backup restore <file>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackup(cmd, func(ctx context.Context, svc *backup.Service, backend storage.Backend) error {
				snap, err := backend.Load(ctx)
				if err != nil {
					return err
				}
				result, err := svc.BackupNow(ctx, snap)
				if err != nil {
					return fmt.Errorf("backup failed: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.AddCommand(newBackupListCmd(), newBackupRestoreCmd())
	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackup(cmd, func(ctx context.Context, svc *backup.Service, _ storage.Backend) error {
				backups, err := svc.List()
				if err != nil {
					return err
				}
				if backups == nil {
					backups = []backup.Info{}
				}
				return writeJSON(cmd.OutOrStdout(), backups)
			})
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [file]",
		Short: "Replace the memory snapshot with a backup",
		Long: `Restore replaces the persisted memory snapshot with a backup. The current
snapshot is backed up first. Stop any running server before restoring; it
would overwrite the restored snapshot on its next save.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackup(cmd, func(ctx context.Context, svc *backup.Service, backend storage.Backend) error {
				path := ""
				if len(args) == 1 {
					path = args[0]
				} else {
					latest, err := svc.Latest()
					if err != nil {
						return err
					}
					path = latest.Path
				}

				snap, err := svc.Restore(ctx, path, backend)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"restoredFrom": path,
					"records":      snap.Len(),
				})
			})
		},
	}
}

// withBackup opens the storage backend and backup service without loading
// the memory store.
func withBackup(cmd *cobra.Command, fn func(ctx context.Context, svc *backup.Service, backend storage.Backend) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := backup.New(backup.DefaultConfig(cfg.Storage.BackupDir()))
	if err != nil {
		return err
	}
	inner, err := openBackend(cfg)
	if err != nil {
		return err
	}
	backend := storage.NewGuarded(inner, storage.DefaultBreakerConfig())
	defer backend.Close()

	return fn(ctx, svc, backend)
}
