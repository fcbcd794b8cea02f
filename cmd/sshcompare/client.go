package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nisschay/sshcompare/battery"
	"github.com/nisschay/sshcompare/config"
	"github.com/nisschay/sshcompare/harness"
	"github.com/nisschay/sshcompare/report"
	"github.com/nisschay/sshcompare/shell"
)

func protocolName(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case protocolTCP:
		return harness.ProtocolTCP, nil
	case protocolUDP:
		return harness.ProtocolUDP, nil
	default:
		return "", usageError("--protocol must be tcp or udp, got %q", raw)
	}
}

func newClientCmd(logger *slog.Logger, g *globals) *cobra.Command {
	var (
		protocol    string
		addr        string
		batteryPath string
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the battery against one server and print the result",
		Long: `Connect to one server, run the battery and print the measurements.
With --battery - the battery is read as JSONL from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			proto, err := protocolName(protocol)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("addr") {
				addr = defaultAddr(cfg, strings.ToLower(proto))
			}

			ops, err := readBattery(cmd.InOrStdin(), cfg, batteryPath)
			if err != nil {
				return err
			}

			client := newClient(proto, addr, cfg, logger)
			result := harness.NewRunner(proto, client, logger).Run(cmd.Context(), ops)

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(result)
			}

			writeResult(cmd.OutOrStdout(), result)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&protocol, "protocol", protocolTCP,
		"Transport to use: tcp or udp")
	flags.StringVar(&addr, "addr", "",
		"Server address (default from config)")
	flags.StringVar(&batteryPath, "battery", "",
		"JSONL battery to run; - reads stdin")
	flags.BoolVar(&outputJSON, "json", false,
		"Print the result as JSON")

	return cmd
}

func readBattery(stdin io.Reader, cfg config.Config, path string) ([]battery.Operation, error) {
	if path != "-" {
		return loadBattery(cfg, path)
	}

	ops, err := battery.Decode(stdin)
	if err != nil {
		return nil, fmt.Errorf("battery from stdin: %w", err)
	}

	return ops, nil
}

func writeResult(w io.Writer, r harness.Result) {
	fmt.Fprintf(w, "%s results\n", r.Protocol)

	if !r.Connected {
		fmt.Fprintf(w, "  Connection failed: %s\n", r.Error)
		return
	}

	fmt.Fprintf(w, "  Connection time: %.4f seconds\n", r.ConnectionTime)

	if avg, ok := r.AvgCommandTime(); ok {
		fmt.Fprintf(w, "  Average command time: %.4f seconds (%d/%d ok)\n",
			avg, len(r.CommandTimes()), len(r.Commands))
	}

	for _, t := range r.FileTransfers {
		if t.OK {
			fmt.Fprintf(w, "  %s: %.2f bytes/sec (%.4f sec)\n", t.Name, t.Speed, t.Time)
		} else {
			fmt.Fprintf(w, "  %s: failed: %s\n", t.Name, t.Error)
		}
	}

	fmt.Fprintf(w, "  Data sent: %d bytes, received: %d bytes\n", r.DataSent, r.DataReceived)
}

func newShellCmd(logger *slog.Logger, g *globals) *cobra.Command {
	var (
		protocol string
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive session on one server",
		Long: `Read command lines from stdin and print the server's replies.
"upload <path>" sends a local file. "exit" ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			proto, err := protocolName(protocol)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("addr") {
				addr = defaultAddr(cfg, strings.ToLower(proto))
			}

			ctx := cmd.Context()
			client := newClient(proto, addr, cfg, logger)

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, shell.Prompt)

			scanner := bufio.NewScanner(cmd.InOrStdin())

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				if strings.EqualFold(line, "exit") {
					return nil
				}

				var reply string

				if path, ok := strings.CutPrefix(line, "upload "); ok {
					content, err := os.ReadFile(strings.TrimSpace(path))
					if err != nil {
						fmt.Fprintf(out, "%v\r\n%s", err, shell.Prompt)
						continue
					}

					reply, err = client.Upload(ctx, filepath.Base(path), content)
					if err != nil {
						return err
					}
				} else {
					reply, err = client.Execute(ctx, line)
					if err != nil {
						return err
					}
				}

				fmt.Fprint(out, reply)
			}

			return scanner.Err()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&protocol, "protocol", protocolTCP,
		"Transport to use: tcp or udp")
	flags.StringVar(&addr, "addr", "",
		"Server address (default from config)")

	return cmd
}

func newBatteryCmd(logger *slog.Logger, g *globals) *cobra.Command {
	var opts compareOptions

	cmd := &cobra.Command{
		Use:   "battery",
		Short: "Print the benchmark battery as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			opts.apply(cmd, &cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}

			summary, err := battery.NewGenerator(batteryConfig(cfg)).Generate(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("generate battery: %w", err)
			}

			logger.InfoContext(cmd.Context(), "battery generated",
				slog.Int("operations", summary.TotalOperations),
				slog.Int("commands", summary.Commands),
				slog.Int("uploads", summary.Uploads),
				slog.Int("payload_bytes", summary.PayloadBytes),
			)

			return nil
		},
	}

	def := config.Default()

	flags := cmd.Flags()
	flags.IntVar(&opts.commands, "commands", def.NumCommands,
		"Number of echo commands")
	flags.IntSliceVar(&opts.fileSizes, "file-sizes", def.FileSizes,
		"Upload sizes in bytes")
	flags.StringVar(&opts.pattern, "pattern", def.Pattern,
		"Upload body pattern: fill or random")
	flags.Int64Var(&opts.seed, "seed", def.Seed,
		"Seed for the random upload pattern")

	return cmd
}

func newReportCmd(logger *slog.Logger, g *globals) *cobra.Command {
	var (
		metricsPath string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Regenerate the report and chart from a metrics file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			if metricsPath == "" {
				metricsPath = filepath.Join(cfg.OutDir, cfg.MetricsFile)
			}

			if cmd.Flags().Changed("out") {
				cfg.OutDir = outDir
			}

			rec, err := report.Load(metricsPath)
			if err != nil {
				return err
			}

			out, err := report.WriteArtifacts(cfg.OutDir, report.Names{
				Metrics: cfg.MetricsFile,
				Report:  cfg.ReportFile,
				Chart:   cfg.ChartFile,
			}, rec)
			if err != nil {
				return fmt.Errorf("write artifacts: %w", err)
			}

			if out.ChartErr != nil {
				logger.WarnContext(cmd.Context(), "chart not written",
					slog.String("error", out.ChartErr.Error()),
				)
			}

			fmt.Fprint(cmd.OutOrStdout(), out.Report)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&metricsPath, "metrics", "",
		"Metrics file to read (default <out>/ssh_benchmark_results.json)")
	flags.StringVar(&outDir, "out", ".",
		"Directory for the regenerated artifacts")

	return cmd
}
