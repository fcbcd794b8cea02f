package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nisschay/sshcompare/config"
	"github.com/nisschay/sshcompare/metrics"
	"github.com/nisschay/sshcompare/tcpshell"
	"github.com/nisschay/sshcompare/udpshell"
)

type serverOptions struct {
	addr        string
	metricsAddr string
	idleTimeout time.Duration
	maxUpload   int
}

func newServerCmd(logger *slog.Logger, g *globals, protocol string) *cobra.Command {
	var opts serverOptions

	def := config.Default()
	defAddr := def.TCPAddr()
	if protocol == protocolUDP {
		defAddr = def.UDPAddr()
	}

	cmd := &cobra.Command{
		Use:   protocol + "-server [host port]",
		Short: fmt.Sprintf("Serve the remote shell over %s", strings.ToUpper(protocol)),
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			addr := defaultAddr(cfg, protocol)

			switch len(args) {
			case 1:
				addr = net.JoinHostPort(args[0], portOf(addr))
			case 2:
				addr = net.JoinHostPort(args[0], args[1])
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				addr = opts.addr
			}
			if flags.Changed("idle-timeout") {
				cfg.IdleTimeout = opts.idleTimeout
			}
			if flags.Changed("max-upload") {
				cfg.MaxUpload = opts.maxUpload
			}

			metricsAddr := cfg.MetricsAddr
			if flags.Changed("metrics-addr") {
				metricsAddr = opts.metricsAddr
			}

			return runServer(cmd.Context(), logger, protocol, addr, metricsAddr, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", defAddr,
		"Address to listen on")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (e.g. 127.0.0.1:9100)")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", def.IdleTimeout,
		"Close sessions idle for this long")
	flags.IntVar(&opts.maxUpload, "max-upload", def.MaxUpload,
		"Largest accepted upload in bytes")

	return cmd
}

func defaultAddr(cfg config.Config, protocol string) string {
	if protocol == protocolUDP {
		return cfg.UDPAddr()
	}

	return cfg.TCPAddr()
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return port
}

func runServer(
	ctx context.Context,
	logger *slog.Logger,
	protocol, addr, metricsAddr string,
	cfg config.Config,
) error {
	if metricsAddr != "" {
		stop, err := serveMetrics(ctx, metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	if protocol == protocolUDP {
		return udpshell.NewServer(udpServerConfig(cfg, addr), logger).ListenAndServe(ctx)
	}

	return tcpshell.NewServer(tcpServerConfig(cfg, addr), logger).ListenAndServe(ctx)
}

// serveMetrics exposes /metrics on addr until the returned function is
// called or ctx ends.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) (func(), error) {
	metrics.RegisterMetrics()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { srv.Close() })

	return func() {
		stop()
		srv.Close()
	}, nil
}
