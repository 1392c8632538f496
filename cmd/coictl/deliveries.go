package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/repository"
)

type failedLister interface {
	ListFailed(ctx context.Context, limit int) ([]models.NotificationDelivery, error)
}

func newDeliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect notification deliveries",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List deliveries that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			db, err := a.database()
			if err != nil {
				return err
			}
			return printFailedDeliveries(cmd.Context(), cmd.OutOrStdout(), repository.NewNotificationRepository(db), limit)
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "Maximum rows to print")
	cmd.AddCommand(failed)
	return cmd
}

func printFailedDeliveries(ctx context.Context, w io.Writer, lister failedLister, limit int) error {
	if limit <= 0 {
		limit = 50
	}
	rows, err := lister.ListFailed(ctx, limit)
	if err != nil {
		return fmt.Errorf("list failed deliveries: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no failed deliveries")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COI\tEVENT\tCHANNEL\tRECIPIENT\tATTEMPTS\tUPDATED\tERROR")
	for _, row := range rows {
		lastErr := ""
		if row.LastError != nil {
			lastErr = *row.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			row.COIID, row.Event, row.Channel, row.Recipient, row.Attempts,
			row.UpdatedAt.UTC().Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}
