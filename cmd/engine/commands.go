package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"outreach-engine/internal/driver"
)

// withApp opens the wired graph for one-shot commands.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func runCmd() *cobra.Command {
	var exclusive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one driver batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !exclusive {
					a.runner.LockPath = ""
				}
				err := a.runner.RunBatch(ctx)
				if errors.Is(err, driver.ErrLocked) {
					return fmt.Errorf("another batch is running (%s)", a.runner.LockPath)
				}
				st := a.runner.Status()
				if st.LastBatch == nil {
					return err
				}
				if jsonOutput() {
					if perr := printJSON(st.LastBatch); perr != nil {
						return perr
					}
					return err
				}
				printSummary(*st.LastBatch)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "take the driver lock so concurrent runs skip")
	return cmd
}

func printSummary(s driver.Summary) {
	tw := newTable(table.Row{"Considered", "Sent", "Scheduled", "Blocked", "Skipped", "Failed"})
	tw.AppendRow(table.Row{s.Considered, s.Sent, s.Scheduled, s.Blocked, s.Skipped, s.Failed})
	tw.Render()
	if s.Deferred != "" {
		fmt.Printf("batch deferred: %s (retry after %s)\n", s.Deferred, formatTime(s.RetryAfter))
	}
	if len(s.Reasons) > 0 {
		rt := newTable(table.Row{"Reason", "Count"})
		for reason, n := range s.Reasons {
			rt.AppendRow(table.Row{reason, n})
		}
		rt.SortBy([]table.SortBy{{Name: "Count", Mode: table.DscNumeric}})
		rt.Render()
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Complete elapsed scheduled sends and report contacts without a send record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				err := a.runner.Reconcile(ctx)
				rep := a.runner.Status().LastReconcile
				if rep == nil {
					return err
				}
				if jsonOutput() {
					if perr := printJSON(rep); perr != nil {
						return perr
					}
					return err
				}
				tw := newTable(table.Row{"Lead", "Result"})
				for _, id := range rep.Completed {
					tw.AppendRow(table.Row{id, "completed"})
				}
				for _, id := range rep.Unmatched {
					tw.AppendRow(table.Row{id, "no send record"})
				}
				tw.Render()
				return err
			})
		},
	}
}

func stopCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:       "stop on|off|status",
		Short:     "Engage, release or inspect the emergency stop",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if args[0] != "status" {
					if err := a.stop.Set(ctx, args[0] == "on", actor); err != nil {
						return err
					}
				}
				active := a.stop.IsActive(ctx)
				if jsonOutput() {
					return printJSON(map[string]bool{"active": active})
				}
				if active {
					fmt.Println("emergency stop: ACTIVE (no outreach will be sent)")
				} else {
					fmt.Println("emergency stop: inactive")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "who is flipping the switch (recorded in the audit log)")
	return cmd
}

func throttleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "throttle",
		Short: "Show the throttle governor decision and recent delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.gov.CheckStatus(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(st)
				}
				tw := newTable(table.Row{"Throttled", "Delay (min)", "Reason"})
				tw.AppendRow(table.Row{st.IsThrottled, st.DelayMinutes, st.Reason})
				tw.Render()

				rs := st.RecentStats
				sw := newTable(table.Row{"Sends", "Delivered", "Delayed", "Bounced", "Unknown", "Delayed %"})
				sw.AppendRow(table.Row{rs.Total, rs.Delivered, rs.Delayed, rs.Bounced, rs.Unknown, fmt.Sprintf("%.1f", rs.DelayedRate*100)})
				sw.Render()
				return nil
			})
		},
	}
}

func validateEmailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-email <addr...>",
		Short: "Run addresses through the email validity gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.emails.ValidateBatch(ctx, args, a.config().BatchDelay())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				tw := newTable(table.Row{"Email", "Valid", "Reason", "MX"})
				for _, addr := range args {
					r := res[addr]
					tw.AppendRow(table.Row{addr, r.IsValid, r.Reason, strings.Join(r.MXRecords, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pollMailboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-mailbox",
		Short: "Fetch bounce reports and replies from the sending mailbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p := a.mailboxPoller()
				if p == nil {
					return errors.New("mailbox is disabled (mailbox.enabled: false)")
				}
				sum, err := p.PollOnce(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(sum)
				}
				tw := newTable(table.Row{"Fetched", "Bounces", "Replies", "Ignored", "Failed"})
				tw.AppendRow(table.Row{sum.Fetched, sum.Bounces, sum.Replies, sum.Ignored, sum.Failed})
				tw.Render()
				return nil
			})
		},
	}
}
