package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/config"
	"github.com/taskassist/featuredev/internal/doctor"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/output"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/remote/local"
	"github.com/taskassist/featuredev/internal/session"
	"github.com/taskassist/featuredev/internal/store"
	"github.com/taskassist/featuredev/internal/telemetry"
)

const (
	preloadRetries  = 2
	preloadBackoff  = time.Second
	busDrainTimeout = 2 * time.Second
	deletedList     = "DELETED_FILES.txt"
)

var (
	newGeneratorFn = newGenerator
	notifySignalFn = func(ctx context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	}
)

type runOptions struct {
	task        string
	message     string
	dir         string
	source      string
	out         string
	tabID       string
	metricsAddr string
	assumeYes   bool
	verbose     bool
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate code for a task and review the proposed changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.verbose, _ = cmd.Flags().GetBool("verbose")
			if !cmd.Flags().Changed("metrics-addr") {
				opts.metricsAddr = cfg.MetricsAddr
			}
			ui := output.NewWithWriters(cmd.OutOrStdout(), cmd.ErrOrStderr())
			ui.Verbose = opts.verbose
			return runConversation(cmd.Context(), cfg, logger.With("command", "run"), ui, cmd.InOrStdin(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "short name of the task")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "what the agent should build")
	cmd.Flags().StringVar(&opts.dir, "dir", ".", "workspace root")
	cmd.Flags().StringVar(&opts.source, "source", ".", "folder inside the workspace to upload")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "directory to write accepted files to")
	cmd.Flags().StringVar(&opts.tabID, "tab", "", "conversation tab id (generated when empty)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&opts.assumeYes, "yes", "y", false, "accept every proposed change")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runConversation(ctx context.Context, cfg *config.Config, logger *log.Logger, ui *output.UI, in io.Reader, opts runOptions) error {
	root, err := packager.ResolveSourceFolder(opts.dir, opts.source)
	if err != nil {
		return fmt.Errorf("select source folder: %w", err)
	}

	bus := events.New(events.WithLogger(logger))
	defer closeBus(bus, logger)
	metrics := telemetry.NewMetrics()
	metrics.Subscribe(bus)
	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr, metrics, logger)
		defer stopMetrics()
		ui.VerboseLog("serving metrics on %s/metrics", opts.metricsAddr)
	}

	history, err := store.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if closeErr := history.Close(); closeErr != nil {
			logger.Warn("close history", "error", closeErr)
		}
	}()

	if report, err := repairOnce(ctx, cfg, history, bus); err != nil {
		logger.Warn("startup repair failed", "error", err)
	} else if report.AbandonedConversations > 0 || report.StaleUploads > 0 {
		ui.VerboseLog("cleaned up %d abandoned conversation(s) and %d stale upload(s)",
			report.AbandonedConversations, report.StaleUploads)
	}

	generator, err := newGeneratorFn(cfg)
	if err != nil {
		return err
	}
	service := local.NewService(generator,
		local.WithStagingDir(cfg.StagingDir),
		local.WithQuota(cfg.CodeGenerationRetryLimit),
		local.WithGenerateRetries(cfg.GenerateRetries, cfg.GenerateBackoff),
		local.WithLogger(logger),
	)
	defer func() { _ = service.Close() }()

	sess, err := session.New(opts.tabID, session.Dependencies{
		Service:  remote.Instrument(service, bus, logger),
		Repo:     packager.NewZipPackager(root, packager.WithMaxBytes(cfg.MaxProjectSizeBytes), packager.WithIgnorePatterns(cfg.IgnorePatterns)),
		Bus:      bus,
		Recorder: history,
		Logger:   logger,
		Poll: remote.PollOptions{
			Interval: cfg.PollInterval,
			Timeout:  cfg.PollTimeout,
		},
		RetryLimit:     cfg.CodeGenerationRetryLimit,
		PreloadRetries: preloadRetries,
		PreloadBackoff: preloadBackoff,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			logger.Warn("close session", "error", closeErr)
		}
	}()

	stopSignals := cancelOnSignal(ctx, sess, ui)
	defer stopSignals()

	preloaded, err := sess.Preload(ctx, opts.message)
	if err != nil {
		return err
	}
	if !preloaded.Succeeded {
		return interactionError("start conversation", preloaded)
	}
	ui.VerboseLog("conversation %s started in %s", sess.ConversationID(), root)

	result, err := generate(ctx, ui, sess, opts, cfg.CodeGenerationRetryLimit)
	if err != nil {
		return err
	}

	printChangeSet(ui, result)
	if result.IsEmpty() {
		ui.Warning("the agent proposed no changes")
		return nil
	}

	if err := reviewChanges(ctx, ui, bufio.NewReader(in), sess, result, opts.assumeYes); err != nil {
		return err
	}

	if opts.out != "" {
		written, err := exportAccepted(opts.out, result)
		if err != nil {
			return err
		}
		ui.Success("wrote %d accepted file(s) to %s", written, opts.out)
	}

	processed := sess.DiffMetrics()
	ui.Success("%d of %d generated file(s) accepted", len(processed.Accepted), len(processed.Generated))
	return nil
}

// generate submits the task and waits for its change set. A job that fails
// on the agent is resubmitted while iterations remain; a submission that
// failed transiently is retried without consuming one.
func generate(ctx context.Context, ui *output.UI, sess *session.Session, opts runOptions, transientRetries int) (*codegen.Result, error) {
	for {
		submitted, err := sess.Send(ctx, opts.task, opts.message)
		if err != nil {
			return nil, err
		}
		if !submitted.Succeeded {
			if submitted.Reason == policy.KindTransientRemote && !sess.Closed() && transientRetries > 0 {
				transientRetries--
				ui.Warning("%s", content(submitted))
				continue
			}
			return nil, interactionError("submit code generation", submitted)
		}

		if cg, ok := sess.State().(*session.CodeGenerationState); ok {
			ui.Info("code generation started (%d of %d iterations left)", cg.Remaining(), cg.Total())
		}

		completed, err := sess.AwaitResult(ctx)
		if err != nil {
			return nil, err
		}
		if completed.Succeeded {
			cg, ok := sess.State().(*session.CodeGenerationState)
			if !ok {
				return nil, errors.New("code generation finished without a result")
			}
			result := cg.Result()
			if result == nil {
				return nil, errors.New("code generation finished without a result")
			}
			ui.Success("%s", content(completed))
			return result, nil
		}

		cg, ok := sess.State().(*session.CodeGenerationState)
		if completed.Reason == policy.KindRemoteFailure && !sess.Closed() && ok && cg.Remaining() > 0 {
			ui.Warning("%s", content(completed))
			continue
		}
		return nil, interactionError("code generation", completed)
	}
}

func cancelOnSignal(ctx context.Context, sess *session.Session, ui *output.UI) func() {
	signalCtx, stop := notifySignalFn(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-signalCtx.Done():
			select {
			case <-done:
				return
			default:
			}
			if ctx.Err() == nil {
				ui.Warning("cancelling code generation")
				sess.Cancel()
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		stop()
	}
}

func printChangeSet(ui *output.UI, result *codegen.Result) {
	ui.Heading("Generated changes")
	table := ui.Table([]string{"Path", "Change", "Lines"})
	for _, file := range result.NewFiles {
		_ = table.Append([]string{file.ZipFilePath, output.ChangeColor("added"), fmt.Sprintf("%d", lineCount(file.FileContent))})
	}
	for _, file := range result.DeletedFiles {
		_ = table.Append([]string{file.ZipFilePath, output.ChangeColor("deleted"), "-"})
	}
	_ = table.Render()

	for _, ref := range result.References {
		ui.Info("reference: %s %s", ref.LicenseName, ref.Repository)
	}
}

// reviewChanges asks for a verdict on every proposed path. An empty answer or
// closed input rejects the change.
func reviewChanges(ctx context.Context, ui *output.UI, in *bufio.Reader, sess *session.Session, result *codegen.Result, assumeYes bool) error {
	for i := range result.NewFiles {
		file := &result.NewFiles[i]
		accepted, err := confirm(ui, in, assumeYes, fmt.Sprintf("Accept %s?", file.ZipFilePath))
		if err != nil {
			return err
		}
		file.Rejected = !accepted
		sess.RecordReview(ctx, file.ZipFilePath, accepted)
		ui.VerboseLog("%s %s", file.ZipFilePath, output.VerdictColor(accepted))
	}
	for i := range result.DeletedFiles {
		file := &result.DeletedFiles[i]
		accepted, err := confirm(ui, in, assumeYes, fmt.Sprintf("Accept deletion of %s?", file.ZipFilePath))
		if err != nil {
			return err
		}
		file.Rejected = !accepted
		sess.RecordReview(ctx, file.ZipFilePath, accepted)
		ui.VerboseLog("%s %s", file.ZipFilePath, output.VerdictColor(accepted))
	}
	return nil
}

func confirm(ui *output.UI, in *bufio.Reader, assumeYes bool, question string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	fmt.Fprintf(ui.Out, "%s [y/N] ", question)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// exportAccepted writes accepted files under dir and lists accepted deletions
// in DELETED_FILES.txt. The workspace itself is never modified.
func exportAccepted(dir string, result *codegen.Result) (int, error) {
	written := 0
	for i := range result.NewFiles {
		file := &result.NewFiles[i]
		if file.Rejected {
			continue
		}
		target, err := exportPath(dir, file.ZipFilePath)
		if err != nil {
			return written, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return written, fmt.Errorf("create directory for %s: %w", file.ZipFilePath, err)
		}
		if err := os.WriteFile(target, []byte(file.FileContent), 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", file.ZipFilePath, err)
		}
		file.ChangeApplied = true
		written++
	}

	var deleted []string
	for i := range result.DeletedFiles {
		file := &result.DeletedFiles[i]
		if file.Rejected {
			continue
		}
		deleted = append(deleted, file.ZipFilePath)
		file.ChangeApplied = true
	}
	if len(deleted) > 0 {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return written, fmt.Errorf("create output directory: %w", err)
		}
		listing := strings.Join(deleted, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, deletedList), []byte(listing), 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", deletedList, err)
		}
	}
	return written, nil
}

func exportPath(dir, name string) (string, error) {
	cleaned := path.Clean(filepath.ToSlash(name))
	if cleaned == "." || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("refusing to write %q outside %s", name, dir)
	}
	return filepath.Join(dir, filepath.FromSlash(cleaned)), nil
}

func newGenerator(cfg *config.Config) (local.Generator, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		return local.NewOpenAIGenerator(key, cfg.Model, cfg.MaxTokens, os.Getenv("OPENAI_BASE_URL")), nil
	default:
		key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		return local.NewAnthropicGenerator(key, cfg.Model, cfg.MaxTokens), nil
	}
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *log.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func interactionError(what string, interaction session.Interaction) error {
	return fmt.Errorf("%s: %s", what, content(interaction))
}

func content(interaction session.Interaction) string {
	if interaction.Content == nil || *interaction.Content == "" {
		if interaction.Reason != policy.KindNone {
			return string(interaction.Reason)
		}
		return "no details"
	}
	return *interaction.Content
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func repairOnce(ctx context.Context, cfg *config.Config, history doctor.HistoryStore, bus events.Bus) (doctor.HealthReport, error) {
	manager, err := doctor.NewManager(history, doctor.DirStaging{Root: cfg.StagingDir}, bus, doctor.Config{
		StaleAfter: cfg.StaleAfter,
	})
	if err != nil {
		return doctor.HealthReport{}, err
	}
	return manager.RunOnce(ctx)
}

// closeBus lets subscribers finish the events of this run before closing.
func closeBus(bus *events.InMemoryBus, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), busDrainTimeout)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		logger.Warn("telemetry events left unprocessed", "error", err)
	}
	bus.Close()
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Warn("telemetry events dropped", "count", dropped)
	}
}
