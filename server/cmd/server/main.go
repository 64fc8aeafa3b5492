// Command countdown3d-server accepts position reports over WebSocket and
// HTTP, keeps the positions from the last retention window in memory and
// broadcasts the full set to every connected client after each change.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/server/internal/api"
	"github.com/paulloo/countdown3d/server/internal/config"
	"github.com/paulloo/countdown3d/server/internal/metrics"
	"github.com/paulloo/countdown3d/server/internal/persist"
	"github.com/paulloo/countdown3d/server/internal/store"
	"github.com/paulloo/countdown3d/server/internal/sweep"
	"github.com/paulloo/countdown3d/server/internal/ws"
)

var version = "dev"

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "countdown3d-server",
		Short:         "Real-time position broadcast service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			port, _ := cmd.Flags().GetInt("port")

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, level, configPath, port)
		},
	}
	rootCmd.Flags().String("config", "", "path to config file; defaults are used when empty")
	rootCmd.Flags().Int("port", 0, "override server.http_port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("countdown3d-server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, configPath string, port int) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if port != 0 {
		cfg.Server.HTTPPort = port
	}
	s := cfg.Server
	applyLogLevel(logger, level, s.LogLevel)

	logger.Info("countdown3d-server starting",
		"version", version,
		"config", configPath,
		"http_port", s.HTTPPort,
		"retention", s.Store.Retention,
		"dedup_mode", s.Dedup.Mode,
	)

	st := store.New(s.Store.Retention)
	m := metrics.New()

	gw, recent, err := openPersistence(ctx, logger, s.Persistence, st)
	if err != nil {
		return err
	}

	var (
		writer    *persist.Writer
		persister ws.Persister
	)
	if gw != nil {
		defer gw.Close()
		writer = persist.NewWriter(gw, s.Persistence.Timeout, s.Persistence.QueueSize, m, logger)
		persister = writer
	}

	hub := ws.New(st, ws.Options{
		Persister:   persister,
		Metrics:     m,
		Logger:      logger,
		SendBuffer:  s.Hub.SendBuffer,
		ReadLimit:   s.Hub.ReadLimit,
		IngestRate:  s.Hub.IngestRate,
		IngestBurst: s.Hub.IngestBurst,
		Dedup:       ws.Dedup{Reject: s.Dedup.Reject(), MinDistanceKm: s.Dedup.MinDistanceKm},
	})
	if len(recent) > 0 {
		n := hub.Seed(recent)
		logger.Info("store seeded from persistence", "loaded", len(recent), "retained", n)
	}

	sweeper, err := sweep.New(hub, s.Store.SweepInterval, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", s.HTTPPort),
		Handler: api.New(hub, api.Options{
			WebSocket: hub,
			WSPath:    s.WSPath,
			Metrics:   m,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The writer outlives the HTTP server so reports accepted during shutdown
	// are still flushed.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	if writer != nil {
		go writer.Run(writerCtx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "port", s.HTTPPort, "ws_path", s.WSPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next *config.Config) {
				applyLogLevel(logger, level, next.Server.LogLevel)
				hub.SetDedup(ws.Dedup{Reject: next.Server.Dedup.Reject(), MinDistanceKm: next.Server.Dedup.MinDistanceKm})
				if err := sweeper.SetInterval(next.Server.Store.SweepInterval); err != nil {
					logger.Error("apply sweep interval", "err", err)
				}
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("countdown3d-server shutting down")
		hub.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()

	if writer != nil {
		stopWriter()
		<-writer.Done()
	}
	return err
}

// openPersistence connects to the configured backend, loads the positions
// still inside the retention window and prunes the rest. Without
// RequireInitialLoad any failure leaves the server running memory-only.
func openPersistence(ctx context.Context, logger *slog.Logger, pc config.PersistenceConfig, st *store.Store) (persist.Gateway, []position.Position, error) {
	uri := pc.EffectiveURI()
	if uri == "" {
		logger.Info("persistence disabled; running memory-only")
		return nil, nil, nil
	}

	gw, err := persist.Open(ctx, uri, persist.RetryPolicy{
		Attempts: pc.ConnectAttempts,
		Delay:    pc.ConnectDelay,
	}, logger)
	if err != nil {
		if pc.RequireInitialLoad {
			return nil, nil, fmt.Errorf("open persistence: %w", err)
		}
		logger.Error("persistence unavailable; running memory-only", "err", err)
		return nil, nil, nil
	}

	since := st.Now().Add(-st.Retention()).UnixMilli()
	lctx, cancel := context.WithTimeout(ctx, pc.Timeout)
	defer cancel()
	recent, err := gw.LoadRecent(lctx, since)
	if err != nil {
		if pc.RequireInitialLoad {
			gw.Close()
			return nil, nil, fmt.Errorf("initial load: %w", err)
		}
		logger.Warn("initial load failed; starting with an empty store", "err", err)
		return gw, nil, nil
	}

	if pr, ok := gw.(persist.Pruner); ok {
		pctx, cancel := context.WithTimeout(ctx, pc.Timeout)
		defer cancel()
		if n, err := pr.Prune(pctx, since); err != nil {
			logger.Warn("pruning expired records failed", "err", err)
		} else if n > 0 {
			logger.Info("pruned expired records", "removed", n)
		}
	}
	return gw, recent, nil
}

func applyLogLevel(logger *slog.Logger, level *slog.LevelVar, name string) {
	l, err := logging.ParseLevel(name)
	if err != nil {
		logger.Warn("invalid log level, keeping current", "level", name, "err", err)
		return
	}
	if level.Level() != l {
		level.Set(l)
		logger.Info("log level set", "level", l.String())
	}
}
