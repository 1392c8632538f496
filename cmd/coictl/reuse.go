package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/service"
)

type recordGetter interface {
	Get(ctx context.Context, id string, actor *models.Actor) (*models.COIRecord, error)
}

type reuseLookup interface {
	Lookup(ctx context.Context, record *models.COIRecord) (*models.ReuseReference, service.ReuseOutcome, error)
}

func newReuseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reuse",
		Short: "Workers' compensation reuse diagnostics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <coi-id>",
		Short: "Show which prior WC document would satisfy a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			svc, reuse, err := a.coiService(cmd.Context())
			if err != nil {
				return err
			}
			return lookupReuse(cmd.Context(), cmd.OutOrStdout(), svc, reuse, args[0])
		},
	})
	return cmd
}

func lookupReuse(ctx context.Context, w io.Writer, records recordGetter, resolver reuseLookup, id string) error {
	record, err := records.Get(ctx, id, operator)
	if err != nil {
		return err
	}
	ref, outcome, err := resolver.Lookup(ctx, record)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "record:  %s (%s, state %q)\n", record.ID, record.ProjectName, record.ProjectState)
	fmt.Fprintf(w, "outcome: %s\n", outcome)
	if ref != nil {
		fmt.Fprintf(w, "source:  %s (project %s)\n", ref.COIID, ref.ProjectID)
		fmt.Fprintf(w, "document: %s\n", ref.Document.URL)
	}
	return nil
}
