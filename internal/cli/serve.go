package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/tasknode/internal/config"
	"github.com/me/tasknode/internal/logging"
	"github.com/me/tasknode/internal/metrics"
	"github.com/me/tasknode/internal/server"
	"github.com/me/tasknode/internal/store"
	"github.com/me/tasknode/internal/worker"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		override   config.WorkerConfig
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serveConfig(cmd, configPath, override)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") || flagDebug {
				cfg.LogLevel, cfg.LogFormat = flagLogLevel, flagLogFormat
			}
			log := logging.Setup(cfg.LogLevel, cfg.LogFormat, flagDebug)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Worker config YAML file")
	cmd.Flags().StringVar(&override.Listen, "listen", "", "HTTP listen address")
	cmd.Flags().IntVar(&override.NCPUs, "ncpus", 0, "Number of CPUs to schedule on")
	cmd.Flags().StringVar(&override.Runtime, "runtime", "", "Container runtime (none, docker, apptainer)")
	cmd.Flags().StringVar(&override.Name, "name", "", "Worker name (default: hostname)")
	cmd.Flags().StringVar(&override.WorkDir, "workdir", "", "Working directory (default: $TMPDIR/tasknode-worker)")
	cmd.Flags().StringVar(&override.HistoryDB, "history-db", "", "SQLite run history path (empty disables)")
	return cmd
}

// serveConfig loads the config file, if any, and applies flags the user set.
func serveConfig(cmd *cobra.Command, path string, override config.WorkerConfig) (config.WorkerConfig, error) {
	cfg := config.DefaultWorkerConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = override.Listen
	}
	if flags.Changed("ncpus") {
		cfg.NCPUs = override.NCPUs
	}
	if flags.Changed("runtime") {
		cfg.Runtime = override.Runtime
	}
	if flags.Changed("name") {
		cfg.Name = override.Name
	}
	if flags.Changed("workdir") {
		cfg.WorkDir = override.WorkDir
	}
	if flags.Changed("history-db") {
		cfg.HistoryDB = override.HistoryDB
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serve runs the worker loop and the API until ctx is cancelled.
func serve(ctx context.Context, cfg config.WorkerConfig, log *slog.Logger) error {
	m := metrics.New()
	var opts []worker.Option
	if cfg.HistoryDB != "" {
		st, err := store.NewSQLiteStore(cfg.HistoryDB, log)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
		opts = append(opts, worker.WithHistory(st))
		log.Info("run history enabled", "path", cfg.HistoryDB)
	}

	w, err := worker.New(worker.Config{
		Name:    cfg.Name,
		NCPUs:   cfg.NCPUs,
		Runtime: cfg.Runtime,
		WorkDir: cfg.WorkDir,
	}, log, m, opts...)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	srv := server.New(w, log, server.WithMetricsHandler(m.Handler()))
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- w.Run(loopCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen, "worker_id", w.ID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopLoop()
			<-loopDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	stopLoop()
	if err := <-loopDone; err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	log.Info("worker stopped")
	return nil
}
