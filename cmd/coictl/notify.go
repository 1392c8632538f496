package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

type notificationRetrier interface {
	RetryNotification(ctx context.Context, id string, event models.NotificationEventType, actor *models.Actor) (*models.DispatchReport, error)
}

// operator is the actor recorded for CLI-initiated actions.
var operator = &models.Actor{UserID: "coictl", Email: "coictl@localhost", Name: "coictl", Role: models.RoleAdmin}

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Notification maintenance",
	}

	var event string
	retry := &cobra.Command{
		Use:   "retry <coi-id>...",
		Short: "Re-dispatch a notification event for one or more records",
		Long: `Re-run the notification fan-out for an event. Recipients that already received the
event for the current attempt are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseNotificationEvent(event)
			if !ok {
				return fmt.Errorf("unknown event %q", event)
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			svc, _, err := a.coiService(cmd.Context())
			if err != nil {
				return err
			}
			return retryNotifications(cmd.Context(), cmd.OutOrStdout(), svc, parsed, args)
		},
	}
	retry.Flags().StringVar(&event, "event", "", "Event to re-dispatch (broker_assigned, review_requested, approved, rejected, broker_confirmation)")
	_ = retry.MarkFlagRequired("event")
	cmd.AddCommand(retry)
	return cmd
}

func retryNotifications(ctx context.Context, w io.Writer, retrier notificationRetrier, event models.NotificationEventType, ids []string) error {
	var failures int
	for _, id := range ids {
		report, err := retrier.RetryNotification(ctx, id, event, operator)
		if err != nil {
			failures++
			fmt.Fprintf(w, "%s: %v\n", id, err)
			continue
		}
		sent, skipped, failed := 0, 0, 0
		for _, result := range report.Results {
			switch result.Status {
			case models.DeliveryStatusSent:
				sent++
			case models.DeliveryStatusSkipped:
				skipped++
			default:
				failed++
			}
		}
		if failed > 0 {
			failures++
		}
		fmt.Fprintf(w, "%s: sent=%d skipped=%d failed=%d\n", id, sent, skipped, failed)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d records had failures", failures, len(ids))
	}
	return nil
}
