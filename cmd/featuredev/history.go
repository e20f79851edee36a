package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/taskassist/featuredev/internal/config"
	"github.com/taskassist/featuredev/internal/output"
	"github.com/taskassist/featuredev/internal/store"
)

const approachWidth = 48

func newHistoryCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List past conversations or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := output.NewWithWriters(cmd.OutOrStdout(), cmd.ErrOrStderr())
			history, err := store.Open(cmd.Context(), cfg.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() {
				if closeErr := history.Close(); closeErr != nil {
					logger.Warn("close history", "error", closeErr)
				}
			}()

			if len(args) == 1 {
				return showConversation(cmd.Context(), ui, history, args[0])
			}
			return listConversations(cmd.Context(), ui, history, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations to list")
	return cmd
}

func listConversations(ctx context.Context, ui *output.UI, history *store.SQLiteStore, limit int) error {
	conversations, err := history.ListConversations(ctx, limit)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		ui.Info("no conversations recorded yet")
		return nil
	}

	table := ui.Table([]string{"Conversation", "Started", "Approach", "Accepted", "Status"})
	for _, c := range conversations {
		status := output.Green("open")
		switch {
		case c.Abandoned:
			status = output.Yellow("abandoned")
		case c.ClosedAt != nil:
			status = output.Cyan("closed")
		}
		_ = table.Append([]string{
			c.ID,
			c.StartedAt.Local().Format(time.DateTime),
			truncate(c.Approach, approachWidth),
			fmt.Sprintf("%d/%d", c.Accepted, c.Generated),
			status,
		})
	}
	return table.Render()
}

func showConversation(ctx context.Context, ui *output.UI, history *store.SQLiteStore, id string) error {
	detail, err := history.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	ui.Info("conversation %s (tab %s)", output.Cyan(detail.ID), detail.TabID)
	ui.Info("approach: %s", detail.Approach)
	ui.Info("started %s, %d iteration(s) allowed", detail.StartedAt.Local().Format(time.DateTime), detail.RetryLimit)
	switch {
	case detail.Abandoned:
		ui.Warning("abandoned, closed by doctor at %s", detail.ClosedAt.Local().Format(time.DateTime))
	case detail.ClosedAt != nil:
		ui.Info("closed %s, %d of %d generated file(s) accepted",
			detail.ClosedAt.Local().Format(time.DateTime), detail.Accepted, detail.Generated)
	}

	if len(detail.Iterations) > 0 {
		ui.Heading("Iterations")
		table := ui.Table([]string{"Iteration", "Stage", "Job", "Remaining", "Files", "Reason"})
		for _, it := range detail.Iterations {
			_ = table.Append([]string{
				fmt.Sprintf("%d", it.Iteration),
				output.StageColor(it.Stage, it.Succeeded),
				it.JobID,
				fmt.Sprintf("%d/%d", it.Remaining, it.Total),
				fmt.Sprintf("%d", it.Files),
				it.Reason,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(detail.Decisions) > 0 {
		ui.Heading("Review")
		table := ui.Table([]string{"Path", "Verdict"})
		for _, d := range detail.Decisions {
			_ = table.Append([]string{d.Path, output.VerdictColor(d.Accepted)})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	return nil
}

func truncate(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}
