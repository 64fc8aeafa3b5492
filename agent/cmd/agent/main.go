// Command countdown3d-agent is a headless client of countdown3d-server. It
// keeps a live view of the shared positions and, when configured, reports its
// own location.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paulloo/countdown3d/agent/internal/config"
	"github.com/paulloo/countdown3d/agent/internal/scraper"
	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/pkg/syncagent"
)

var version = "dev"

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "countdown3d-agent",
		Short:         "Headless countdown3d client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			serverURL, _ := cmd.Flags().GetString("url")

			cfg, err := loadConfig(configPath, serverURL)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, level, configPath, cfg)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "path to config file; defaults are used when empty")
	rootCmd.PersistentFlags().String("url", "", "override agent.server_url")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Report one position and wait for the server to broadcast it",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			serverURL, _ := cmd.Flags().GetString("url")
			lat, _ := cmd.Flags().GetFloat64("lat")
			lng, _ := cmd.Flags().GetFloat64("lng")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, err := loadConfig(configPath, serverURL)
			if err != nil {
				return err
			}
			level.Set(slog.LevelWarn)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			p := position.New(lat, lng, time.Now())
			n, err := sendOnce(ctx, logger, cfg.Agent, p)
			if err != nil {
				return err
			}
			fmt.Printf("accepted %s; %d positions active\n", p, n)
			return nil
		},
	}
	sendCmd.Flags().Float64("lat", 0, "latitude in degrees")
	sendCmd.Flags().Float64("lng", 0, "longitude in degrees")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "give up after this long")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the server's counters from its /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			serverURL, _ := cmd.Flags().GetString("url")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, err := loadConfig(configPath, serverURL)
			if err != nil {
				return err
			}
			endpoint, err := scraper.MetricsURL(cfg.Agent.ServerURL)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := scraper.New(endpoint, nil).Scrape(ctx)
			if err != nil {
				return err
			}
			printStatus(endpoint, st)
			return nil
		},
	}
	statusCmd.Flags().Duration("timeout", 5*time.Second, "give up after this long")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(sendCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("countdown3d-agent failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path, serverURL string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, configPath string, cfg *config.Config) error {
	applyLogLevel(logger, level, cfg.Agent.LogLevel)
	logger.Info("countdown3d-agent starting",
		"version", version,
		"server_url", cfg.Agent.ServerURL,
		"reconnect_delay", cfg.Agent.ReconnectDelay,
		"ping", cfg.Agent.Ping.Enabled,
	)

	var ping atomic.Pointer[config.PingConfig]
	ping.Store(&cfg.Agent.Ping)

	agent := syncagent.New(cfg.Agent.ServerURL, syncagent.Options{
		ReconnectDelay: cfg.Agent.ReconnectDelay,
		Logger:         logger,
	})

	sendPing := func() {
		pc := ping.Load()
		if !pc.Enabled {
			return
		}
		p := position.New(pc.Lat, pc.Lng, time.Now())
		if err := agent.Send(p); err != nil {
			if errors.Is(err, syncagent.ErrNotConnected) {
				logger.Debug("ping skipped, not connected")
				return
			}
			logger.Warn("ping failed", "err", err)
			return
		}
		logger.Info("ping sent", "position", p.String())
	}

	agent.OnStateChange(func(s syncagent.State) {
		logger.Info("connection state", "state", s.String())
		if s == syncagent.Connected {
			sendPing()
		}
	})
	agent.OnSnapshot(func(ps []position.Position) {
		attrs := []any{"count", len(ps)}
		if len(ps) > 0 {
			attrs = append(attrs, "newest", ps[0].String())
		}
		logger.Info("snapshot", attrs...)
	})
	agent.OnError(func(err error) {
		logger.Warn("server rejected report", "err", err)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		agent.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return pingLoop(gctx, &ping, sendPing)
	})

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next *config.Config) {
				applyLogLevel(logger, level, next.Agent.LogLevel)
				pc := next.Agent.Ping
				ping.Store(&pc)
				if next.Agent.ServerURL != cfg.Agent.ServerURL || next.Agent.ReconnectDelay != cfg.Agent.ReconnectDelay {
					logger.Warn("server_url and reconnect_delay changes apply after restart")
				}
			})
		})
	}

	err := g.Wait()
	logger.Info("countdown3d-agent stopped")
	return err
}

// pingLoop re-sends the ping on the configured interval, picking up interval
// changes from reloads.
func pingLoop(ctx context.Context, ping *atomic.Pointer[config.PingConfig], send func()) error {
	const idle = time.Second
	for {
		wait := ping.Load().Interval
		if wait <= 0 {
			wait = idle
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if ping.Load().Interval > 0 {
			send()
		}
	}
}

// sendOnce connects, reports p and waits until a snapshot containing it
// arrives. It returns the size of that snapshot.
func sendOnce(ctx context.Context, logger *slog.Logger, cfg config.AgentConfig, p position.Position) (int, error) {
	if err := position.Validate(p); err != nil {
		return 0, err
	}

	agent := syncagent.New(cfg.ServerURL, syncagent.Options{
		ReconnectDelay: time.Second,
		Logger:         logging.Default(logger),
	})

	connected := make(chan struct{}, 1)
	result := make(chan int, 1)
	rejected := make(chan error, 1)

	agent.OnStateChange(func(s syncagent.State) {
		if s == syncagent.Connected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	agent.OnSnapshot(func(ps []position.Position) {
		for _, q := range ps {
			if q == p {
				select {
				case result <- len(ps):
				default:
				}
				return
			}
		}
	})
	agent.OnError(func(err error) {
		select {
		case rejected <- err:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go agent.Run(runCtx)

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("send: %w", ctx.Err())
		case <-connected:
			if err := agent.Send(p); err != nil {
				logger.Warn("send failed, waiting for reconnect", "err", err)
			}
		case n := <-result:
			return n, nil
		case err := <-rejected:
			return 0, err
		}
	}
}

func printStatus(endpoint string, st *scraper.Status) {
	fmt.Printf("server:           %s\n", endpoint)
	fmt.Printf("clients:          %.0f\n", st.Clients)
	fmt.Printf("positions:        %.0f\n", st.Retained)
	fmt.Printf("ingested:         %.0f\n", st.Ingested)
	fmt.Printf("rejected:         %.0f\n", st.TotalRejected())
	reasons := make([]string, 0, len(st.Rejected))
	for r := range st.Rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Printf("  %-16s%.0f\n", r+":", st.Rejected[r])
	}
	fmt.Printf("broadcasts:       %.0f\n", st.Broadcasts)
	fmt.Printf("frames dropped:   %.0f\n", st.FramesDropped)
	fmt.Printf("persist failures: %.0f\n", st.PersistFailed)
	fmt.Printf("persist dropped:  %.0f\n", st.PersistDropped)
}

func applyLogLevel(logger *slog.Logger, level *slog.LevelVar, name string) {
	l, err := logging.ParseLevel(name)
	if err != nil {
		logger.Warn("invalid log level, keeping current", "level", name, "err", err)
		return
	}
	level.Set(l)
}
