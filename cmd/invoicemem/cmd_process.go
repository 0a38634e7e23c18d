package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/inbox"
	"github.com/scrypster/invoicemem/pkg/types"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run extracted invoices through the pipeline",
		Long: `Process reads one invoice object or an array of invoices as JSON and prints
one decision per invoice. Use "-" to read from stdin.

A human decision given with --approve or --reject applies to every invoice
in the file.

Examples:
  invoicemem process invoice.json
  invoicemem process --approve --by ap-clerk batch.json
  cat invoice.json | invoicemem process -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approve, _ := cmd.Flags().GetBool("approve")
			reject, _ := cmd.Flags().GetBool("reject")
			by, _ := cmd.Flags().GetString("by")
			note, _ := cmd.Flags().GetString("note")

			if approve && reject {
				return errors.New("--approve and --reject are mutually exclusive")
			}
			var decision *types.HumanDecision
			switch {
			case approve:
				decision = &types.HumanDecision{Decision: types.DecisionApproved, DecidedBy: by, Note: note}
			case reject:
				decision = &types.HumanDecision{Decision: types.DecisionRejected, DecidedBy: by, Note: note}
			}

			invoices, err := readInvoices(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				outputs := make([]*types.DecisionOutput, 0, len(invoices))
				for _, inv := range invoices {
					out, err := a.pipeline.Process(ctx, inv, decision)
					if err != nil && out == nil {
						return fmt.Errorf("invoice %q: %w", inv.InvoiceNumber, err)
					}
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					}
					outputs = append(outputs, out)
				}
				if len(outputs) == 1 {
					return writeJSON(cmd.OutOrStdout(), outputs[0])
				}
				return writeJSON(cmd.OutOrStdout(), outputs)
			})
		},
	}

	cmd.Flags().Bool("approve", false, "Record a human approval for the invoices")
	cmd.Flags().Bool("reject", false, "Record a human rejection for the invoices")
	cmd.Flags().String("by", "", "Reviewer recorded with the decision")
	cmd.Flags().String("note", "", "Note recorded with the decision")
	return cmd
}

// readInvoices decodes a single invoice or an array of invoices.
func readInvoices(stdin io.Reader, path string) ([]*types.Invoice, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invoices: %w", err)
	}

	return inbox.Decode(data)
}

func newFeedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback <memory-id> approved|rejected",
		Short: "Record a reviewer verdict on one memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, _ := cmd.Flags().GetString("invoice")
			by, _ := cmd.Flags().GetString("by")
			note, _ := cmd.Flags().GetString("note")

			fb := engine.Feedback{
				InvoiceID: invoiceID,
				MemoryID:  args[0],
				Decision:  parseVerdict(args[1]),
				DecidedBy: by,
				Note:      note,
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				updates, err := a.pipeline.RecordFeedback(ctx, fb)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"memoryUpdates": nonNilUpdates(updates)})
			})
		},
	}

	cmd.Flags().String("invoice", "", "Invoice the verdict refers to")
	cmd.Flags().String("by", "", "Reviewer recorded with the verdict")
	cmd.Flags().String("note", "", "Note recorded with the verdict")
	return cmd
}

// parseVerdict accepts the verb forms as well as the decision values.
func parseVerdict(s string) types.Decision {
	switch s {
	case "approve":
		return types.DecisionApproved
	case "reject":
		return types.DecisionRejected
	}
	return types.Decision(s)
}

func nonNilUpdates(updates []types.MemoryUpdate) []types.MemoryUpdate {
	if updates == nil {
		return []types.MemoryUpdate{}
	}
	return updates
}
