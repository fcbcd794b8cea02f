package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nisschay/sshcompare/battery"
	"github.com/nisschay/sshcompare/config"
	"github.com/nisschay/sshcompare/harness"
	"github.com/nisschay/sshcompare/report"
	"github.com/nisschay/sshcompare/tcpshell"
	"github.com/nisschay/sshcompare/udpshell"
)

const (
	protocolTCP = "tcp"
	protocolUDP = "udp"
)

type compareOptions struct {
	host        string
	tcpPort     int
	udpPort     int
	commands    int
	fileSizes   []int
	pattern     string
	seed        int64
	batteryPath string
	outDir      string
	spawn       string
	isolate     bool
	metricsAddr string
}

func newCompareCmd(logger *slog.Logger, g *globals) *cobra.Command {
	var opts compareOptions

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Run the battery over TCP, then over UDP, and report",
		Long: `Make sure both servers are running (starting any that are missing),
run the battery against the TCP server and then the UDP server, and write
the metrics file, the text report and the chart. Failed measurements are
recorded, never fatal: the artifacts are always written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompareCmd(cmd, logger, g, &opts)
		},
	}

	addCompareFlags(cmd, &opts)

	return cmd
}

func addCompareFlags(cmd *cobra.Command, opts *compareOptions) {
	def := config.Default()

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", def.Host,
		"Host both servers listen on")
	flags.IntVar(&opts.tcpPort, "tcp-port", def.TCPPort,
		"TCP server port")
	flags.IntVar(&opts.udpPort, "udp-port", def.UDPPort,
		"UDP server port")
	flags.IntVar(&opts.commands, "commands", def.NumCommands,
		"Number of echo commands in the battery")
	flags.IntSliceVar(&opts.fileSizes, "file-sizes", def.FileSizes,
		"Upload sizes in bytes")
	flags.StringVar(&opts.pattern, "pattern", def.Pattern,
		"Upload body pattern: fill or random")
	flags.Int64Var(&opts.seed, "seed", def.Seed,
		"Seed for the random upload pattern")
	flags.StringVar(&opts.batteryPath, "battery", "",
		"Replay a JSONL battery file instead of generating one")
	flags.StringVar(&opts.outDir, "out", def.OutDir,
		"Directory for the metrics file, report and chart")
	flags.StringVar(&opts.spawn, "spawn", def.Spawn,
		"How to start missing servers: process, in-process or none")
	flags.BoolVar(&opts.isolate, "isolate", def.Isolate,
		"Run each protocol's battery in a child process")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", def.MetricsAddr,
		"Serve Prometheus metrics of in-process servers on this address")
}

// apply copies the flags that were set on the command line over cfg.
func (o *compareOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("host") {
		cfg.Host = o.host
	}
	if flags.Changed("tcp-port") {
		cfg.TCPPort = o.tcpPort
	}
	if flags.Changed("udp-port") {
		cfg.UDPPort = o.udpPort
	}
	if flags.Changed("commands") {
		cfg.NumCommands = o.commands
	}
	if flags.Changed("file-sizes") {
		cfg.FileSizes = o.fileSizes
	}
	if flags.Changed("pattern") {
		cfg.Pattern = o.pattern
	}
	if flags.Changed("seed") {
		cfg.Seed = o.seed
	}
	if flags.Changed("out") {
		cfg.OutDir = o.outDir
	}
	if flags.Changed("spawn") {
		cfg.Spawn = o.spawn
	}
	if flags.Changed("isolate") {
		cfg.Isolate = o.isolate
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
}

func runCompareCmd(cmd *cobra.Command, logger *slog.Logger, g *globals, opts *compareOptions) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	opts.apply(cmd, &cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ops, err := loadBattery(cfg, opts.batteryPath)
	if err != nil {
		return err
	}

	out, err := runComparison(cmd.Context(), logger, cfg, ops)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Comparison Report:")
	fmt.Fprintln(cmd.OutOrStdout(), "==================")
	fmt.Fprint(cmd.OutOrStdout(), out.Report)

	return nil
}

// loadBattery generates the battery from cfg, or replays it from path.
func loadBattery(cfg config.Config, path string) ([]battery.Operation, error) {
	if path == "" {
		return battery.NewGenerator(batteryConfig(cfg)).Operations(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open battery %s: %w", path, err)
	}
	defer f.Close()

	ops, err := battery.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("battery %s: %w", path, err)
	}

	return ops, nil
}

func batteryConfig(cfg config.Config) battery.Config {
	return battery.Config{
		NumCommands: cfg.NumCommands,
		FileSizes:   cfg.FileSizes,
		Pattern:     cfg.Pattern,
		Seed:        cfg.Seed,
	}
}

// serverSpecs lists one server per protocol, in the order the batteries run.
func serverSpecs(cfg config.Config) []harness.ServerSpec {
	protocols := harness.KnownProtocols()
	specs := make([]harness.ServerSpec, 0, len(protocols))

	for _, p := range protocols {
		specs = append(specs, harness.ServerSpec{
			Protocol: p,
			Addr:     defaultAddr(cfg, strings.ToLower(p)),
		})
	}

	return specs
}

// runComparison drives both protocols sequentially and writes the
// artifacts. Only setup and artifact failures are returned; measurement
// failures end up in the record.
func runComparison(
	ctx context.Context,
	logger *slog.Logger,
	cfg config.Config,
	ops []battery.Operation,
) (report.Artifacts, error) {
	summary := battery.Summarize(ops)

	logger.InfoContext(ctx, "starting comparison",
		slog.String("tcp", cfg.TCPAddr()),
		slog.String("udp", cfg.UDPAddr()),
		slog.Int("commands", summary.Commands),
		slog.Int("uploads", summary.Uploads),
		slog.String("spawn", cfg.Spawn),
	)

	stopServers, err := startServers(ctx, logger, cfg)
	if err != nil {
		// The batteries still run: they record the failed connections.
		logger.ErrorContext(ctx, "starting servers failed",
			slog.String("error", err.Error()),
		)

		stopServers = func() error { return nil }
	}

	defer func() {
		if err := stopServers(); err != nil {
			logger.Warn("stopping servers failed", slog.String("error", err.Error()))
		}
	}()

	var batteryPath string

	if cfg.Isolate {
		batteryPath, err = writeBatteryFile(ops)
		if err != nil {
			return report.Artifacts{}, err
		}

		defer os.Remove(batteryPath)
	}

	results := make(map[string]harness.Result, 2)

	for _, spec := range serverSpecs(cfg) {
		if cfg.Isolate {
			results[spec.Protocol] = runIsolated(ctx, logger, spec, batteryPath, ops)
			continue
		}

		client := newClient(spec.Protocol, spec.Addr, cfg, logger)
		results[spec.Protocol] = harness.NewRunner(spec.Protocol, client, logger).Run(ctx, ops)
	}

	rec := report.NewRecord(results[harness.ProtocolTCP], results[harness.ProtocolUDP])

	out, err := report.WriteArtifacts(cfg.OutDir, report.Names{
		Metrics: cfg.MetricsFile,
		Report:  cfg.ReportFile,
		Chart:   cfg.ChartFile,
	}, rec)
	if err != nil {
		return out, fmt.Errorf("write artifacts: %w", err)
	}

	if out.ChartErr != nil {
		logger.WarnContext(ctx, "chart not written",
			slog.String("error", out.ChartErr.Error()),
		)
	}

	logger.InfoContext(ctx, "comparison complete",
		slog.String("metrics", out.MetricsPath),
		slog.String("report", out.ReportPath),
		slog.String("chart", out.ChartPath),
	)

	return out, nil
}

func startServers(ctx context.Context, logger *slog.Logger, cfg config.Config) (func() error, error) {
	var start harness.StartFunc

	switch cfg.Spawn {
	case config.SpawnNone:
		return func() error { return nil }, nil
	case config.SpawnInProcess:
		start = inProcessStarter(cfg, logger)
	default:
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}

		start = harness.ProcessStarter(binary, logger)
	}

	stopServers, err := harness.EnsureServers(ctx, logger, serverSpecs(cfg), start)
	if err != nil {
		return nil, err
	}

	if cfg.Spawn != config.SpawnInProcess || cfg.MetricsAddr == "" {
		return stopServers, nil
	}

	stopMetrics, err := serveMetrics(ctx, cfg.MetricsAddr, logger)
	if err != nil {
		stopServers()
		return nil, err
	}

	return func() error {
		stopMetrics()
		return stopServers()
	}, nil
}

// runIsolated runs one protocol's battery through a child "client"
// process. A failed child still yields a Result so the run completes.
func runIsolated(
	ctx context.Context,
	logger *slog.Logger,
	spec harness.ServerSpec,
	batteryPath string,
	ops []battery.Operation,
) harness.Result {
	binary, err := os.Executable()
	if err != nil {
		return harness.Failed(spec.Protocol, ops, err)
	}

	var env []string
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		env = append(env, EnvLogLevel+"="+lvl)
	}

	runner := harness.NewProcessRunner(spec.Protocol, binary, nil, env, logger)

	result, err := runner.Run(ctx, harness.RunConfig{
		BatteryPath: batteryPath,
		Addr:        spec.Addr,
		Timeout:     10 * time.Minute,
	})
	if err != nil {
		logger.ErrorContext(ctx, "isolated run failed",
			slog.String("protocol", spec.Protocol),
			slog.String("error", err.Error()),
		)

		return harness.Failed(spec.Protocol, ops, errors.New(firstLine(err.Error())))
	}

	return *result
}

func writeBatteryFile(ops []battery.Operation) (string, error) {
	f, err := os.CreateTemp("", "sshcompare-battery-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if err := battery.Write(f, ops); err != nil {
		f.Close()
		os.Remove(f.Name())

		return "", fmt.Errorf("write battery: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close battery file: %w", err)
	}

	return f.Name(), nil
}

func newClient(protocol, addr string, cfg config.Config, logger *slog.Logger) harness.Client {
	if protocol == harness.ProtocolUDP {
		return udpshell.NewClient(udpshell.ClientConfig{
			Addr:            addr,
			AckTimeout:      cfg.AckTimeout,
			MaxRetries:      cfg.MaxRetries,
			ResponseTimeout: cfg.ResponseTimeout,
			WelcomeTimeout:  cfg.WelcomeTimeout,
		}, logger)
	}

	return tcpshell.NewClient(tcpshell.ClientConfig{
		Addr:        addr,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	}, logger)
}

// inProcessStarter serves missing servers from goroutines of this process.
// The socket is bound before returning so the server is ready at once.
func inProcessStarter(cfg config.Config, logger *slog.Logger) harness.StartFunc {
	return func(ctx context.Context, spec harness.ServerSpec) (func() error, error) {
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)

		switch spec.Protocol {
		case harness.ProtocolTCP:
			ln, err := net.Listen("tcp", spec.Addr)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("listen %s: %w", spec.Addr, err)
			}

			srv := tcpshell.NewServer(tcpServerConfig(cfg, spec.Addr), logger)
			go func() { done <- srv.Serve(srvCtx, ln) }()

		case harness.ProtocolUDP:
			conn, err := net.ListenPacket("udp", spec.Addr)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("listen %s: %w", spec.Addr, err)
			}

			srv := udpshell.NewServer(udpServerConfig(cfg, spec.Addr), logger)
			go func() { done <- srv.Serve(srvCtx, conn) }()

		default:
			cancel()
			return nil, fmt.Errorf("unknown protocol %q", spec.Protocol)
		}

		return func() error {
			cancel()
			return <-done
		}, nil
	}
}

func tcpServerConfig(cfg config.Config, addr string) tcpshell.ServerConfig {
	return tcpshell.ServerConfig{
		Addr:        addr,
		MaxUpload:   cfg.MaxUpload,
		IdleTimeout: cfg.IdleTimeout,
	}
}

func udpServerConfig(cfg config.Config, addr string) udpshell.ServerConfig {
	srvCfg := udpshell.DefaultServerConfig()
	srvCfg.Addr = addr
	srvCfg.MaxUpload = cfg.MaxUpload
	srvCfg.IdleTimeout = cfg.IdleTimeout

	return srvCfg
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
