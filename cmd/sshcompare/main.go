// Package main provides the CLI entry point for sshcompare, which measures
// a toy remote shell carried over TCP against the same shell carried over
// UDP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nisschay/sshcompare/config"
)

func main() {
	level := new(slog.LevelVar)
	logger := newLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCmd(logger, level)
	err := root.ExecuteContext(ctx)
	stop()

	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// globals are the flags every subcommand shares.
type globals struct {
	configPath string
	level      *slog.LevelVar
}

// loadConfig reads the config file (if any) and applies the log level,
// letting SSHCOMPARE_LOG_LEVEL win over the file.
func (g *globals) loadConfig() (config.Config, error) {
	cfg := config.Default()

	if g.configPath != "" {
		var err error

		cfg, err = config.Load(g.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		g.level.Set(lvl)
	} else if lvl, ok := parseLevel(cfg.LogLevel); ok {
		g.level.Set(lvl)
	}

	return cfg, nil
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	g := &globals{level: level}

	var opts compareOptions

	root := &cobra.Command{
		Use:   "sshcompare",
		Short: "Compare a remote shell over TCP with the same shell over UDP",
		Long: `sshcompare runs the same battery of commands and file uploads through a
TCP remote shell and a UDP remote shell with its own acknowledgement layer,
then writes a metrics file, a text report and a comparison chart.

Without a subcommand it runs "compare".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompareCmd(cmd, logger, g, &opts)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "",
		"Path to a TOML config file")

	addCompareFlags(root, &opts)

	root.AddCommand(
		newCompareCmd(logger, g),
		newServerCmd(logger, g, protocolTCP),
		newServerCmd(logger, g, protocolUDP),
		newClientCmd(logger, g),
		newShellCmd(logger, g),
		newBatteryCmd(logger, g),
		newReportCmd(logger, g),
	)

	return root
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("usage: "+format, args...)
}
