// Package main provides the CLI entry point for the dual-protocol proxy.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/dualproxy/internal/config"
	"github.com/postalsys/dualproxy/internal/httpproxy"
	"github.com/postalsys/dualproxy/internal/logging"
	"github.com/postalsys/dualproxy/internal/metrics"
	"github.com/postalsys/dualproxy/internal/server"
	"github.com/postalsys/dualproxy/internal/socks5"
	"github.com/postalsys/dualproxy/internal/udprelay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dualproxy",
		Short:   "Dual-protocol forwarding proxy",
		Long:    "dualproxy serves HTTP/HTTPS forward proxying and SOCKS5 (TCP and UDP) on a single port, detecting the protocol from the first byte of each connection.",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long:  "Start the dual-protocol proxy listener with the given configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			} else {
				cfg = config.Default()
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			reg := prometheus.NewRegistry()
			m := metrics.New(reg, cfg.Limits.MaxRecentErrors)

			srvCfg := server.Config{
				Address:                  cfg.Listener.Address,
				MaxConcurrentConnections: cfg.Limits.MaxConcurrentConnections,
				Logger:                   logger,
				Stats:                    m,
				HTTP: httpproxy.Config{
					Dialer:         &net.Dialer{},
					Logger:         logger,
					Stats:          m,
					ConnectTimeout: cfg.Listener.ConnectTimeout,
					IdleTimeout:    cfg.Listener.IdleTimeout,
				},
				SOCKS5: socks5.Config{
					Dialer:         &net.Dialer{},
					Authenticators: []socks5.Authenticator{socks5.NoAuthAuthenticator{}},
					Logger:         logger,
					Stats:          m,
					UDPStats:       m,
					ConnectTimeout: cfg.Listener.ConnectTimeout,
					UDP: udprelay.Config{
						MaxOutboundChannels: cfg.UDP.MaxOutboundChannels,
						IdleTimeout:         cfg.UDP.RelayTimeout,
					},
				},
			}
			srv := server.New(srvCfg)

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server stopped", "error", err)
					}
				}()
				fmt.Printf("Metrics: http://%s/metrics\n", cfg.Metrics.Address)
			}

			fmt.Printf("Listening on %s (max connections: %s)\n",
				cfg.Listener.Address, connectionLimitDisplay(cfg.Limits.MaxConcurrentConnections))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.ListenAndServe(ctx)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
				cancel()
				srv.Stop()
				<-serveErr
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("server stopped: %w", err)
				}
			}

			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				metricsSrv.Shutdown(shutdownCtx)
			}

			fmt.Println("Proxy stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults to built-in defaults)")

	return cmd
}

// connectionLimitDisplay renders the configured connection ceiling the way
// an operator would want to read it: "unlimited" when the gate is open, a
// humanized count otherwise.
func connectionLimitDisplay(max int) string {
	if max <= 0 {
		return "unlimited"
	}
	return humanize.Comma(int64(max))
}
