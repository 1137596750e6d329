// Command verbatim is the entry point for the verbatim transcription
// post-processing server and its admin tools.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/verbatim/internal/app"
	"github.com/MrWong99/verbatim/internal/config"
	"github.com/MrWong99/verbatim/internal/observe"
)

var version = "0.1.0-dev"

const defaultConfigPath = "verbatim.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "verbatim:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "verbatim",
		Short: "Real-time transcript post-processing server",
		Long: `verbatim cleans up live speech-to-text output.

Each utterance is deduplicated, stripped of fillers, grammar corrected within
a latency budget, rewritten in the selected tone and broken into paragraphs.
Corrections from users are learned as word rules.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newStatsCmd(),
		newExportCmd(),
		newClearCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verbatim version %s\n", version)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

// loadConfig reads the --config file. A missing file is only an error when
// the flag was given explicitly; otherwise the defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and admin HTTP server",
		Long: `Serve the pipeline on the configured listen address.

Clients connect to /ws, send control commands as JSON text frames and
audio as binary frames. Health, metrics and read-only admin views are served
on the same address. Pipeline settings and the log level are reloaded when
the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, path)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, path string) error {
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("verbatim starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"store", cfg.Store.Backend,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	var application *app.App
	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithLogLevel(level),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	}
	if path != "" {
		w, err := config.NewWatcher(path, func(old, new *config.Config) {
			application.Reload(old, new)
		})
		if err != nil {
			return err
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return err
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
