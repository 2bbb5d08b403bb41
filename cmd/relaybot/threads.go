package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relaybot/internal/agent"
	"relaybot/internal/domain"
)

func historyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "Print a thread's turns in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				turns, err := a.orch.History(context.Background(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(turns)
				}
				if len(turns) == 0 {
					fmt.Fprintln(out, "No history yet.")
					return nil
				}
				for _, t := range turns {
					fmt.Fprintln(out, agent.FormatTurn(t))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print turns as JSON")
	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <thread>",
		Short: "Delete a thread's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.orch.ClearHistory(context.Background(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
				return nil
			})
		},
	}
}

func threadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List threads with stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ids, err := a.orch.Threads(context.Background())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered capabilities and their arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tARGUMENTS\tDESCRIPTION")
				for _, c := range a.registry.Capabilities() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, argSummary(c.Schema), c.Description)
				}
				return tw.Flush()
			})
		},
	}
}

// argSummary lists argument names, marking required ones with "*".
func argSummary(s domain.Schema) string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		name := f.Name + ":" + string(f.Type)
		if f.Required {
			name += "*"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, " ")
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent dispatcher audit entries (sqlite store only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if a.sqlite == nil {
					return errors.New("the audit trail needs memory.driver sqlite")
				}
				records, err := a.sqlite.RecentAudit(context.Background(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tTHREAD\tCAPABILITY\tKIND\tDETAILS")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Action, r.ThreadID, r.Capability, r.Kind, r.Details)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show")
	return cmd
}
