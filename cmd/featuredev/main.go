package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/taskassist/featuredev/internal/config"
	"github.com/taskassist/featuredev/internal/logging"
	"github.com/taskassist/featuredev/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := strings.SplitN(uuid.NewString(), "-", 2)[0]
	logger, err := logging.New(logging.WithLevel(cfg.LogLevel), logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if tracingEnabled(cfg) {
		telemetry.ServiceVersion = Version
		shutdown, err := telemetry.Init(ctx, telemetry.Options{
			Endpoint: cfg.OTELEndpoint,
			Fallback: io.Discard,
			Backend:  cfg.Backend,
			Model:    cfg.Model,
			RunID:    runID,
		})
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer shutdown()
	}

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

// loadDotEnv reads API keys from path. A missing file is not an error and
// variables already set in the environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func tracingEnabled(cfg *config.Config) bool {
	if strings.TrimSpace(cfg.OTELEndpoint) != "" {
		return true
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != ""
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "featuredev",
		Short:         "Conversational code generation against a local workspace",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().Bool("verbose", false, "print progress details")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newHistoryCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name(), "args", redactArgs(os.Args[1:])).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		if redactNext {
			out[i] = "<redacted>"
			redactNext = false
			continue
		}
		if key, _, found := strings.Cut(arg, "="); found && strings.HasPrefix(key, "-") && isSensitiveToken(strings.ToLower(key)) {
			out[i] = key + "=<redacted>"
			continue
		}
		out[i] = arg
		if strings.HasPrefix(arg, "-") && isSensitiveToken(strings.ToLower(arg)) {
			redactNext = true
		}
	}
	return out
}

func isSensitiveToken(value string) bool {
	if strings.Contains(value, "max_tokens") || strings.Contains(value, "max-tokens") {
		return false
	}
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "api_key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
