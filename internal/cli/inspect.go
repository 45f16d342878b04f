package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// withCore opens the configured store for a one-shot command. Logs go to
// stderr so table output stays clean.
func withCore(ctx context.Context, cmd *cobra.Command, fn func(context.Context, *core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.store.Close()
	return fn(ctx, c)
}

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), cmd, func(ctx context.Context, c *core) error {
				stats, err := c.runtime.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				renderStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDLQCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), cmd, func(ctx context.Context, c *core) error {
				dls, err := c.runtime.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), dls)
				}
				renderDeadLetters(cmd.OutOrStdout(), dls)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVerifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit <audit-id>",
		Short: "Recompute an audit event hash and compare it to the stored one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), cmd, func(ctx context.Context, c *core) error {
				res, err := c.audit.VerifyIntegrity(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s verified=%t %s\n", res.AuditID, res.Verified, res.Message)
				if !res.Verified {
					return fmt.Errorf("audit event %s failed verification", res.AuditID)
				}
				return nil
			})
		},
	}
}

func renderStats(w io.Writer, s task.Stats) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Status", "Count"})
	for _, st := range task.Statuses {
		tw.AppendRow(table.Row{st, s.Counts[st]})
	}
	tw.AppendFooter(table.Row{"Total", s.Total})
	tw.Render()
	fmt.Fprintf(w, "success rate: %.1f%%  dead letters: %d\n", s.SuccessRate*100, s.DeadLetters)
}

func renderDeadLetters(w io.Writer, dls []*task.DeadLetter) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Task", "Type", "Failures", "Last Attempt", "Reason"})
	for _, dl := range dls {
		typ := ""
		if dl.Task != nil {
			typ = string(dl.Task.Type)
		}
		tw.AppendRow(table.Row{dl.OriginalTaskID, typ, dl.FailureCount, dl.LastAttemptAt.UTC().Format(time.RFC3339), dl.FailureReason})
	}
	tw.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
