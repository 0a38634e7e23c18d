package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

func newDecayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Decay confidence of memories unused beyond the grace window",
		Long: `Decay lowers the confidence of every memory that has not been used for more
than 30 days and deactivates memories that fall below the threshold.
Repeated runs only apply the time elapsed since the previous run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			atFlag, _ := cmd.Flags().GetString("at")
			at := time.Now().UTC()
			if atFlag != "" {
				parsed, err := time.Parse(time.RFC3339, atFlag)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				at = parsed
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				updates, err := a.pipeline.ApplyDecay(ctx, at)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"memoryUpdates": nonNilUpdates(updates)})
			})
		},
	}

	cmd.Flags().String("at", "", "Reference time (RFC 3339); defaults to now")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"memory":  a.store.Stats(),
					"storage": a.backend.Metrics(),
				})
			})
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit records of processed invoices, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, _ := cmd.Flags().GetString("invoice")
			limit, _ := cmd.Flags().GetInt("limit")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				records, err := a.backend.ListAudit(ctx, storage.AuditListOptions{InvoiceID: invoiceID, Limit: limit})
				if err != nil {
					return err
				}
				if records == nil {
					records = []types.AuditRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			})
		},
	}

	cmd.Flags().String("invoice", "", "Only records of this invoice")
	cmd.Flags().Int("limit", 20, "Maximum number of records")
	return cmd
}
