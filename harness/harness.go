package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// RunConfig holds parameters for a single out-of-process battery run.
type RunConfig struct {
	BatteryPath string
	Addr        string
	Timeout     time.Duration
}

// ProcessRunner runs a battery in a child process (the CLI's "client"
// subcommand) so each protocol is measured in a fresh runtime.
type ProcessRunner struct {
	Protocol   string
	BinaryPath string
	ExtraArgs  []string
	Env        []string
	Logger     *slog.Logger
}

// NewProcessRunner creates a ProcessRunner for the named protocol. Env is
// appended to the inherited environment.
func NewProcessRunner(
	protocol, binaryPath string,
	extraArgs, env []string,
	logger *slog.Logger,
) *ProcessRunner {
	return &ProcessRunner{
		Protocol:   protocol,
		BinaryPath: binaryPath,
		ExtraArgs:  extraArgs,
		Env:        env,
		Logger:     logger.With(slog.String("protocol", protocol)),
	}
}

// Run executes the child process and returns the Result it prints.
func (r *ProcessRunner) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.ExtraArgs)+7)
	args = append(args, r.ExtraArgs...)
	args = append(args,
		"client",
		"--protocol", strings.ToLower(r.Protocol),
		"--json",
	)

	if cfg.Addr != "" {
		args = append(args, "--addr", cfg.Addr)
	}

	cmd := exec.CommandContext(ctx, r.BinaryPath, args...)

	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	if cfg.BatteryPath != "" {
		batteryFile, err := os.Open(cfg.BatteryPath)
		if err != nil {
			return nil, fmt.Errorf("open battery %s: %w", cfg.BatteryPath, err)
		}
		defer batteryFile.Close()

		cmd.Args = append(cmd.Args, "--battery", "-")
		cmd.Stdin = batteryFile
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)

	r.Logger.Info("starting client process",
		slog.String("binary", r.BinaryPath),
		slog.String("addr", cfg.Addr),
	)

	wallStart := time.Now()

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"client %s failed: %w\nstderr: %s",
			r.Protocol, err, stderr.String(),
		)
	}

	r.Logger.Info("client process finished",
		slog.Duration("wall_time", time.Since(wallStart)),
	)

	result, err := parseResult(r.Protocol, &stdout)
	if err != nil {
		return nil, fmt.Errorf(
			"parse %s output: %w\nstdout: %s",
			r.Protocol, err, stdout.String(),
		)
	}

	return result, nil
}
