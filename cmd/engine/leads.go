package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/sourcing"
)

func leadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Import and inspect leads",
	}
	cmd.AddCommand(leadsImportCmd(), leadsListCmd(), leadsShowCmd())
	return cmd
}

func leadsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml...>",
		Short: "Admit candidate leads from YAML files through the validity gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				conns := make([]sourcing.Connector, 0, len(args))
				for _, p := range args {
					conns = append(conns, sourcing.FileConnector{Path: p})
				}
				sums, err := a.admit.Pull(ctx, conns...)
				if jsonOutput() {
					if perr := printJSON(sums); perr != nil {
						return perr
					}
					return err
				}
				tw := newTable(table.Row{"Source", "Received", "Inserted", "Duplicates", "Rejected"})
				for _, s := range sums {
					tw.AppendRow(table.Row{s.Source, s.Received, len(s.Inserted), s.Duplicates, len(s.Rejected)})
				}
				tw.Render()
				for _, s := range sums {
					for _, r := range s.Rejected {
						fmt.Printf("rejected %s: %s\n", r.Email, r.Reason)
					}
				}
				return err
			})
		},
	}
}

func parseStatuses(csv string) ([]domain.LeadStatus, error) {
	var out []domain.LeadStatus
	for _, p := range strings.Split(csv, ",") {
		s := domain.LeadStatus(strings.ToUpper(strings.TrimSpace(p)))
		if s == "" {
			continue
		}
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", p)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one status is required")
	}
	return out, nil
}

func leadsListCmd() *cobra.Command {
	var (
		statuses string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				leads, err := a.db.ListLeadsByStatus(ctx, st, limit)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(leads)
				}
				tw := newTable(table.Row{"ID", "Email", "Company", "Status", "Step", "Last contacted"})
				for _, l := range leads {
					tw.AppendRow(table.Row{l.ID, l.Email, l.CompanyName, l.Status, l.SequenceStep, formatTime(l.LastContactedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "NEW,RESEARCHING,CONTACTED,SCHEDULED", "comma-separated statuses")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func leadsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lead, err := a.db.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				audit, err := a.db.ListAuditByLead(ctx, lead.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"lead": lead, "audit": audit})
				}
				fmt.Printf("%s <%s> %s step=%d optOut=%t\n", lead.ID, lead.Email, lead.Status, lead.SequenceStep, lead.OptOut)
				tw := newTable(table.Row{"At", "Action", "Reasoning"})
				for _, e := range audit {
					tw.AppendRow(table.Row{e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Action, e.Reasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
}
