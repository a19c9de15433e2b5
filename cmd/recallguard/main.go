// Recallguard is the experience-memory daemon.
//
// It stores past agent experiences with provenance-based trust, serves
// trust-filtered retrieval over HTTP, records every retrieval for poisoning
// analysis and sweeps stored content for suspicious phrasing.
//
// Configuration is read from ~/.config/recallguard/config.yaml (or --config)
// and RECALLGUARD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	recallguard serve
//
//	# Override the port
//	RECALLGUARD_SERVER_HTTP_PORT=9090 recallguard serve
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recallguard/internal/config"
	"github.com/fyrsmithlabs/recallguard/internal/embeddings"
	"github.com/fyrsmithlabs/recallguard/internal/engine"
	api "github.com/fyrsmithlabs/recallguard/internal/http"
	"github.com/fyrsmithlabs/recallguard/internal/logging"
	"github.com/fyrsmithlabs/recallguard/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recallguard",
	Short: "Experience memory with trust-filtered retrieval",
	Long: `recallguard stores agent experiences tagged with their provenance,
serves trust-filtered retrieval over HTTP and monitors how often
low-trust experiences reach callers.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/recallguard/config.yaml)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "override data_dir")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recallguard daemon",
	Long: `Run the recallguard daemon until SIGINT or SIGTERM.

Examples:
  # Start with the default config
  recallguard serve

  # Use a specific config and data directory
  recallguard serve --config /etc/recallguard/config.yaml --data-dir /var/lib/recallguard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, serveOptions{ConfigPath: configPath, DataDir: dataDir, LogLevel: logLevel})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("recallguard by Fyrsmith Labs\n")
		cmd.Printf("Version:    %s\n", version)
		cmd.Printf("Commit:     %s\n", gitCommit)
		cmd.Printf("Build Date: %s\n", buildDate)
	},
}

// serveOptions are command-line overrides applied on top of the config file.
type serveOptions struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
}

// settings is the fully resolved configuration of one daemon run.
type settings struct {
	config    *config.Config
	logging   *logging.Config
	telemetry *telemetry.Config
}

// loadSettings loads the config file and decodes the logging and telemetry
// sections, then applies overrides.
func loadSettings(opts serveOptions) (*settings, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		lvl, err := logging.LevelFromString(opts.LogLevel)
		if err != nil {
			return nil, err
		}
		logCfg.Level = lvl
	}
	if err := logCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return nil, err
	}
	if err := telCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return &settings{config: cfg, logging: logCfg, telemetry: telCfg}, nil
}

// run starts the daemon and blocks until ctx is cancelled.
//
// This function:
//  1. Loads configuration and the logging/telemetry sections
//  2. Initializes logger and telemetry
//  3. Creates the embedding provider, if configured
//  4. Opens and starts the engine
//  5. Serves HTTP until ctx is done, then shuts everything down
func run(ctx context.Context, opts serveOptions) error {
	s, err := loadSettings(opts)
	if err != nil {
		return err
	}
	cfg := s.config

	logger, err := logging.NewLogger(s.logging, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, s.telemetry, zl.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting recallguard",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	engOpts, err := engineOptions(cfg, zl)
	if err != nil {
		return err
	}
	eng, err := engine.Open(ctx, engOpts)
	if err != nil {
		if engOpts.Embedder != nil {
			_ = engOpts.Embedder.Close()
		}
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			zl.Error("engine close failed", zap.Error(err))
		}
	}()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	srv, err := api.NewServer(eng, cfg.Server,
		api.WithLogger(logger.Named("http")),
		api.WithTracer(tel.Tracer("github.com/fyrsmithlabs/recallguard/internal/http")),
		api.WithMeter(tel.Meter("github.com/fyrsmithlabs/recallguard/internal/http")),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.Background(), "recallguard stopped")
	return nil
}

// engineOptions maps the daemon config onto engine options and builds the
// embedding provider when one is configured.
func engineOptions(cfg *config.Config, logger *zap.Logger) (engine.Options, error) {
	policy, err := cfg.Trust.DecayPolicy()
	if err != nil {
		return engine.Options{}, err
	}

	opts := engine.DefaultOptions(cfg.DataDir)
	opts.Retrieval = cfg.Retrieval
	opts.InitialTrust = cfg.Trust.Initial
	opts.DecayPolicy = policy
	opts.IndexInterval = cfg.Index.CycleInterval.Duration()
	opts.IndexMaxPending = cfg.Index.MaxPending
	opts.Audit = engine.AuditOptions{
		Interval:     cfg.Audit.SweepInterval.Duration(),
		PatternsFile: cfg.Audit.PatternsFile,
		Credentials:  cfg.Audit.Credentials,
	}
	opts.Logger = logger.Named("engine")

	if cfg.Embeddings.Enabled() {
		p, err := embeddings.NewProvider(cfg.Embeddings)
		if err != nil {
			return engine.Options{}, fmt.Errorf("failed to create embedding provider: %w", err)
		}
		opts.Embedder = embeddings.Instrument(p, cfg.Embeddings.Model, embeddings.NewMetrics(logger.Named("embeddings")))
		logger.Info("embedding provider initialized",
			zap.String("provider", cfg.Embeddings.Provider),
			zap.String("model", cfg.Embeddings.Model),
			zap.Int("dimension", p.Dimension()),
		)
	}
	return opts, nil
}

// levelName renders a level the way --log-level accepts it.
func levelName(l zapcore.Level) string {
	if l == logging.TraceLevel {
		return "trace"
	}
	return l.String()
}
