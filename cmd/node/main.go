package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/config"
	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/node"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "node",
	Short:         "Bisq P2P transport node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ─── run ─────────────────────────────────────────────────────────────────────

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bootstrap from a seed node and join the peer network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		n, err := node.New(node.Opts{Config: cfg, Logger: logger, Registerer: reg})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.MetricsAddr != "" {
			srv := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           metricsMux(reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() { _ = srv.Close() }()
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		}

		runErr := n.Run(ctx)

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Append(runErr, n.Close(sctx))
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// loadConfig reads --config, then applies every flag set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("network") {
		s, _ := flags.GetString("network")
		if cfg.Network, err = config.ParseNetwork(s); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("listen") {
		cfg.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("public-addr") {
		cfg.PublicAddr, _ = flags.GetString("public-addr")
	}
	if flags.Changed("seed") {
		cfg.ForcedSeed, _ = flags.GetString("seed")
	}
	if flags.Changed("socks-port") {
		cfg.SocksProxyPort, _ = flags.GetInt("socks-port")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("dev-log") {
		cfg.LogDevelopment, _ = flags.GetBool("dev-log")
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr, _ = flags.GetString("metrics")
	}
	if flags.Changed("data") {
		cfg.DataDir, _ = flags.GetString("data")
	}
	return cfg, cfg.Validate()
}

// ─── seeds ───────────────────────────────────────────────────────────────────

var seedsCmd = &cobra.Command{
	Use:   "seeds",
	Short: "Print the seed nodes of a network",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _ := cmd.Flags().GetString("network")
		network, err := config.ParseNetwork(s)
		if err != nil {
			return err
		}
		for _, addr := range config.SeedNodes(network) {
			fmt.Fprintln(cmd.OutOrStdout(), addr)
		}
		return nil
	},
}

// addRunFlags declares run's flags on cmd.
func addRunFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("network", d.Network.String(), "BTC_MAINNET, BTC_TESTNET or BTC_REGTEST")
	f.String("listen", d.ListenAddr, "address to accept peers on")
	f.String("public-addr", "", "address announced to peers (host:port); defaults to the listen address")
	f.String("seed", "", "bootstrap from this seed (host:port) instead of a random one")
	f.Int("socks-port", 0, "dial through the SOCKS5 proxy on 127.0.0.1:<port>; 0 dials directly")
	f.String("log-level", d.LogLevel, "debug, info, warn or error")
	f.Bool("dev-log", false, "human-readable development logging")
	f.String("metrics", "", "serve Prometheus /metrics on this address")
	f.String("data", "", "directory for received data items; empty keeps them in memory")
}

func init() {
	addRunFlags(runCmd)
	seedsCmd.Flags().String("network", config.Default().Network.String(), "BTC_MAINNET, BTC_TESTNET or BTC_REGTEST")

	rootCmd.AddCommand(runCmd, seedsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
