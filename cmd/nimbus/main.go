// Command nimbus is the main entry point for the Nimbus live audio relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusiq/nimbus/internal/app"
	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		// cobra has already printed usage errors.
		slog.Error("nimbus failed", "err", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "nimbus",
		Short:         "Live audio relay between browser panels and a hosted speech model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		newSpeakCmd(&configPath),
		newTranscribeCmd(&configPath),
		newInspectCmd(&configPath),
		newStormCmd(&configPath),
	)
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the HTTP and WebSocket gateway.

Clients open /v1/live/{panel} to stream microphone audio to the panel's live
session and receive its spoken reply. The config file is polled and panel
presets are hot-swapped for sessions started afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	// ── Logger ────────────────────────────────────────────────────────────────
	// The watcher may change the level, so start from info until it loads.
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// ── Load configuration ────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		onConfigChange(level, old, new)
	})
	if err != nil {
		return configError(configPath, err)
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("nimbus starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	realtime, err := reg.CreateRealtime(cfg.Providers.Realtime)
	if err != nil {
		return err
	}
	slog.Info("provider created", "kind", "realtime", "name", cfg.Providers.Realtime.Name,
		"model", cfg.Providers.Realtime.Model)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, &app.Providers{Realtime: realtime}, app.WithWatcher(watcher))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", application.Addr().String())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	slog.Info("goodbye")
	return runErr
}

// onConfigChange applies the parts of a reloaded config that take effect
// without a restart and logs the rest.
func onConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, p := range d.Panels {
		slog.Info("panel preset reloaded",
			"panel", p.Name,
			"added", p.Added,
			"removed", p.Removed,
			"model_changed", p.ModelChanged,
			"voice_changed", p.VoiceChanged,
			"instructions_changed", p.InstructionsChanged,
		)
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Lease != new.Lease {
		slog.Warn("server and lease settings change only after a restart")
	}
}

// ── validate ──────────────────────────────────────────────────────────────────

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return configError(*configPath, err)
			}
			printStartupSummary(cfg)
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Nimbus: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Realtime", providerValue(cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model))
	studio := "(disabled)"
	if cfg.Providers.Studio.APIKey != "" {
		studio = cfg.Providers.Studio.SpeechModel
	}
	printRow("Studio", studio)
	printRow("Lease", string(cfg.Lease.Backend))
	printRow("Panels", fmt.Sprint(len(cfg.Panels)))
	for _, p := range cfg.Panels {
		printRow("  "+p.Name, p.Voice)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(label) > 15 {
		label = label[:14] + "…"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
	}
	return err
}
