package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/taskassist/featuredev/internal/config"
	"github.com/taskassist/featuredev/internal/doctor"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/output"
	"github.com/taskassist/featuredev/internal/store"
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Close conversations abandoned by crashed runs and prune stale uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ui := output.NewWithWriters(cmd.OutOrStdout(), cmd.ErrOrStderr())
			ui.Verbose, _ = cmd.Flags().GetBool("verbose")
			return runDoctor(cmd.Context(), cfg, logger, ui, doctorOptions{
				watch:    watch || schedule != "",
				interval: interval,
				schedule: schedule,
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep repairing on every heartbeat until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "heartbeat interval for --watch")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression to repair on instead of a fixed interval (implies --watch)")
	return cmd
}

type doctorOptions struct {
	watch    bool
	interval time.Duration
	schedule string
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *log.Logger, ui *output.UI, opts doctorOptions) error {
	history, err := store.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if closeErr := history.Close(); closeErr != nil {
			logger.Warn("close history", "error", closeErr)
		}
	}()

	bus := events.New(events.WithLogger(logger))
	defer closeBus(bus, logger)

	manager, err := doctor.NewManager(history, doctor.DirStaging{Root: cfg.StagingDir}, bus, doctor.Config{
		HeartbeatInterval: opts.interval,
		StaleAfter:        cfg.StaleAfter,
		Schedule:          opts.schedule,
	})
	if err != nil {
		return err
	}

	report, err := manager.RunOnce(ctx)
	if err != nil {
		return err
	}
	printHealthReport(ui, report)
	if !opts.watch {
		return nil
	}

	bus.Subscribe(events.EventTypeHealthCheck, func(event events.Event) {
		if payload, ok := event.Payload.(events.HealthCheckPayload); ok {
			printHealthReport(ui, doctor.HealthReport{
				OpenConversations:      payload.OpenConversations,
				AbandonedConversations: payload.AbandonedConversations,
				StaleUploads:           payload.StaleUploads,
				Heartbeat:              payload.Heartbeat,
			})
		}
	})
	bus.Subscribe(events.EventTypeSystemAlert, func(event events.Event) {
		if payload, ok := event.Payload.(events.AlertPayload); ok {
			ui.Error("%s: %s", payload.Source, payload.Message)
		}
	})

	watchCtx, stop := notifySignalFn(ctx)
	defer stop()
	if opts.schedule != "" {
		ui.VerboseLog("watching on schedule %q", opts.schedule)
	} else {
		ui.VerboseLog("watching every %s", opts.interval)
	}
	manager.Start(watchCtx)
	return nil
}

func printHealthReport(ui *output.UI, report doctor.HealthReport) {
	if report.AbandonedConversations == 0 && report.StaleUploads == 0 {
		ui.Success("%s nothing to repair", report.Heartbeat.Format(time.RFC3339))
		return
	}
	ui.Warning("%s closed %d abandoned conversation(s), removed %d stale upload(s)",
		report.Heartbeat.Format(time.RFC3339), report.AbandonedConversations, report.StaleUploads)
}
