package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/reactor/internal/engine"
	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/reload"
	"github.com/roach88/reactor/internal/storage"
)

// RunConfig is the run command's configuration, loadable from a YAML
// file and overridable by flags.
type RunConfig struct {
	Rules struct {
		Paths          []string      `mapstructure:"paths"`
		Globs          []string      `mapstructure:"globs"`
		Recursive      bool          `mapstructure:"recursive"`
		Watch          bool          `mapstructure:"watch"`
		ReloadInterval time.Duration `mapstructure:"reload_interval"`
	} `mapstructure:"rules"`
	Engine struct {
		MaxForwardDepth int           `mapstructure:"max_forward_depth"`
		MaxConcurrency  int           `mapstructure:"max_concurrency"`
		MaxEvents       int           `mapstructure:"max_events"`
		MaxEventAge     time.Duration `mapstructure:"max_event_age"`
	} `mapstructure:"engine"`
	Storage struct {
		Path     string `mapstructure:"path"`
		ServerID string `mapstructure:"server_id"`
	} `mapstructure:"storage"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var configFile string
	var dbPath string
	var watch bool
	var recursive bool

	cmd := &cobra.Command{
		Use:   "run [rules-path...]",
		Short: "Start the engine with a set of rule files",
		Long: `Start the rule engine, load rules from the given paths, and run
until interrupted.

Rules load from YAML, JSON, or CUE files. With --watch the paths are
polled and changes hot-reload atomically: a cycle with an invalid rule
leaves the running rule set untouched. With --db engine state (facts,
timers, rule version history) persists to SQLite and is restored on the
next start.

Example:
  reactor run ./rules
  reactor run --db ./reactor.db --watch ./rules
  reactor run --config ./reactor.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(configFile, args)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if dbPath != "" {
				cfg.Storage.Path = dbPath
			}
			if watch {
				cfg.Rules.Watch = true
			}
			if recursive {
				cfg.Rules.Recursive = true
			}
			return runEngine(rootOpts, cfg, cmd)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (empty: in-memory only)")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll rule paths and hot-reload changes")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into rule subdirectories")
	return cmd
}

// loadRunConfig merges defaults, an optional config file, and the
// positional rule paths.
func loadRunConfig(configFile string, paths []string) (*RunConfig, error) {
	v := viper.New()
	v.SetDefault("rules.reload_interval", reload.DefaultInterval)
	v.SetDefault("engine.max_forward_depth", engine.DefaultMaxForwardDepth)
	v.SetDefault("engine.max_concurrency", engine.DefaultMaxConcurrency)
	v.SetDefault("storage.server_id", "reactor")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		cfg.Rules.Paths = paths
	}
	if len(cfg.Rules.Paths) == 0 {
		return nil, fmt.Errorf("no rule paths given (positional args or rules.paths in config)")
	}
	return &cfg, nil
}

func runEngine(rootOpts *RootOptions, cfg *RunConfig, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if rootOpts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMaxForwardDepth(cfg.Engine.MaxForwardDepth),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithEventBounds(cfg.Engine.MaxEvents, cfg.Engine.MaxEventAge),
	}
	if rootOpts.Verbose {
		opts = append(opts, engine.WithTracer(observe.SlogTracer{Log: log}))
	}

	var metrics *observe.PromMetrics
	if cfg.Metrics.Addr != "" {
		metrics = observe.NewPromMetrics(prometheus.DefaultRegisterer)
		opts = append(opts, engine.WithMetrics(metrics))
	}

	if cfg.Storage.Path != "" {
		log.Info("opening database", "path", cfg.Storage.Path)
		db, err := storage.OpenSQLite(cfg.Storage.Path, cfg.Storage.ServerID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		opts = append(opts, engine.WithAdapter(db))
	}

	eng := engine.New(opts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "engine start failed", err)
	}

	watcherCfg := reload.Config{
		Sources: []reload.Source{&reload.FSSource{
			Paths:     cfg.Rules.Paths,
			Globs:     cfg.Rules.Globs,
			Recursive: cfg.Rules.Recursive,
		}},
		Interval:            cfg.Rules.ReloadInterval,
		ValidateBeforeApply: true,
		AtomicReload:        true,
		Log:                 log,
	}
	if metrics != nil {
		watcherCfg.Metrics = metrics
	}
	watcher := reload.NewWatcher(watcherCfg, eng)

	if cfg.Rules.Watch {
		watcher.Start(ctx)
	} else if err := watcher.PerformCheck(ctx); err != nil {
		stopErr := eng.Stop(context.Background())
		if stopErr != nil {
			log.Error("engine stop after load failure", "error", stopErr)
		}
		return WrapExitError(ExitFailure, "initial rule load failed", err)
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	stats := eng.GetStats()
	log.Info("engine running", "rules", stats.Rules)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	<-ctx.Done()

	if cfg.Rules.Watch {
		watcher.Stop()
	}
	if err := eng.Stop(context.Background()); err != nil {
		return WrapExitError(ExitFailure, "engine stop failed", err)
	}
	log.Info("engine stopped gracefully")
	return nil
}
