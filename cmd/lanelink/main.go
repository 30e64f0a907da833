// Package main provides the CLI entry point for the lanelink engine.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/lanelink/internal/config"
	"github.com/postalsys/lanelink/internal/control"
	"github.com/postalsys/lanelink/internal/health"
	"github.com/postalsys/lanelink/internal/link"
	"github.com/postalsys/lanelink/internal/logging"
	"github.com/postalsys/lanelink/internal/metrics"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lanelink",
		Short: "lanelink - lane link negotiation engine",
		Long: `lanelink brings up device-to-device links for a peer-to-peer
connectivity stack. Simple link types are served from known addresses,
Wi-Fi Direct and HML links are negotiated over a ladder of guide
channels with fallback.

The run and simulate commands drive the engine against in-process
loopback adapters described in the configuration file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(linksCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(bindingsCmd())
	rootCmd.AddCommand(destroyCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

// newEngine builds an engine over the configured loopback world.
func newEngine(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*link.Engine, error) {
	adapters, err := cfg.Simulation.Loopback()
	if err != nil {
		return nil, fmt.Errorf("failed to build adapters: %w", err)
	}
	lc, err := cfg.LinkConfig(adapters.Set(), m, logger)
	if err != nil {
		return nil, err
	}
	return link.New(lc)
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		Long:  "Start the engine with the control socket and health server enabled in the configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLogger(cfg.Engine.LogLevel, cfg.Engine.LogFormat)

			engine, err := newEngine(cfg, metrics.Default(), logger)
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}
			if err := engine.Start(); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			if cfg.Control.Enabled {
				ccfg := control.DefaultServerConfig()
				ccfg.SocketPath = cfg.Control.SocketPath
				ccfg.MaxConns = cfg.Control.MaxConnections
				ccfg.Logger = logger
				srv := control.NewServer(ccfg, engine)
				if err := srv.Start(); err != nil {
					engine.Stop(context.Background())
					return fmt.Errorf("failed to start control socket: %w", err)
				}
				g.Go(func() error {
					<-ctx.Done()
					return srv.Stop()
				})
			}

			if cfg.Health.Enabled {
				srv := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Gatherer:     prometheus.DefaultGatherer,
					Logger:       logger,
				}, engine)
				if err := srv.Start(); err != nil {
					engine.Stop(context.Background())
					return fmt.Errorf("failed to start health server: %w", err)
				}
				g.Go(func() error {
					<-ctx.Done()
					return srv.Stop()
				})
			}

			fmt.Println(titleStyle.Render("lanelink engine running"))
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}
			if cfg.Health.Enabled {
				fmt.Printf("Health server:  %s\n", cfg.Health.Address)
			}

			g.Go(func() error {
				<-ctx.Done()
				fmt.Println("\nShutting down...")
				return stopEngine(engine, cfg.Engine.StopTimeout)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Println("Engine stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// stopEngine stops the engine within timeout, or within the engine's
// default bound when timeout is not positive.
func stopEngine(engine *link.Engine, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return engine.Stop(ctx)
}

func configCmd() *cobra.Command {
	var configPath string
	var unsafe bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the configuration",
		Long:  "Load the configuration, validate it and print the effective values with sensitive attributes redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if unsafe {
				fmt.Print(cfg.StringUnsafe())
				return nil
			}
			fmt.Print(cfg.String())
			if cfg.HasSensitiveData() {
				fmt.Fprintln(os.Stderr, dimStyle.Render("# sensitive attributes redacted, use --unsafe to show them"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&unsafe, "unsafe", false, "Print sensitive values")

	return cmd
}
