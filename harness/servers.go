package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	ProtocolTCP = "TCP"
	ProtocolUDP = "UDP"
)

// ServerSpec names a server the comparison needs.
type ServerSpec struct {
	Protocol string
	Addr     string
}

// KnownProtocols returns the protocols the comparison drives, in run order.
func KnownProtocols() []string {
	return []string{ProtocolTCP, ProtocolUDP}
}

// Serving reports whether something already serves spec. A TCP server is
// detected by dialing it; a UDP server by failing to bind its address.
func Serving(ctx context.Context, spec ServerSpec) bool {
	switch spec.Protocol {
	case ProtocolTCP:
		d := net.Dialer{Timeout: time.Second}

		conn, err := d.DialContext(ctx, "tcp", spec.Addr)
		if err != nil {
			return false
		}

		conn.Close()

		return true

	case ProtocolUDP:
		conn, err := net.ListenPacket("udp", spec.Addr)
		if err != nil {
			return true
		}

		conn.Close()

		return false

	default:
		return false
	}
}

// StartFunc starts the server described by spec and returns a function that
// stops it.
type StartFunc func(ctx context.Context, spec ServerSpec) (stop func() error, err error)

// EnsureServers starts every server in specs that Serving does not find
// running. The returned function stops the servers it started.
func EnsureServers(
	ctx context.Context,
	logger *slog.Logger,
	specs []ServerSpec,
	start StartFunc,
) (func() error, error) {
	var stops []func() error

	stopAll := func() error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i]())
		}

		return errors.Join(errs...)
	}

	for _, spec := range specs {
		if Serving(ctx, spec) {
			logger.InfoContext(ctx, "server already running",
				slog.String("protocol", spec.Protocol),
				slog.String("addr", spec.Addr),
			)

			continue
		}

		logger.InfoContext(ctx, "starting server",
			slog.String("protocol", spec.Protocol),
			slog.String("addr", spec.Addr),
		)

		stop, err := start(ctx, spec)
		if err != nil {
			stopAll()

			return nil, fmt.Errorf("start %s server: %w", spec.Protocol, err)
		}

		stops = append(stops, stop)
	}

	return stopAll, nil
}

// WaitReady polls Serving until spec is served or timeout passes.
func WaitReady(ctx context.Context, spec ServerSpec, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if Serving(ctx, spec) {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s server on %s not ready after %s",
				spec.Protocol, spec.Addr, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// CommandConfig holds the resolved command and arguments needed to run a
// server subcommand.
type CommandConfig struct {
	Binary    string
	ExtraArgs []string
}

// ServerCommand returns the command line that serves spec from the CLI
// binary, e.g. "sshcompare tcp-server --addr 127.0.0.1:2222".
func ServerCommand(binary string, spec ServerSpec) CommandConfig {
	return CommandConfig{
		Binary: binary,
		ExtraArgs: []string{
			strings.ToLower(spec.Protocol) + "-server",
			"--addr", spec.Addr,
		},
	}
}

// ProcessStarter returns a StartFunc that launches each server as a child
// process of binary and waits until it accepts traffic.
func ProcessStarter(binary string, logger *slog.Logger) StartFunc {
	return func(ctx context.Context, spec ServerSpec) (func() error, error) {
		cmdCfg := ServerCommand(binary, spec)

		cmd := exec.Command(cmdCfg.Binary, cmdCfg.ExtraArgs...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("run %s: %w", cmdCfg.Binary, err)
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		stop := func() error {
			cmd.Process.Signal(os.Interrupt)

			select {
			case <-done:
				return nil
			case <-time.After(5 * time.Second):
				logger.Warn("server did not exit, killing",
					slog.String("protocol", spec.Protocol),
				)
				cmd.Process.Kill()
				<-done

				return nil
			}
		}

		if err := WaitReady(ctx, spec, 5*time.Second); err != nil {
			stop()
			return nil, err
		}

		logger.InfoContext(ctx, "server started",
			slog.String("protocol", spec.Protocol),
			slog.Int("pid", cmd.Process.Pid),
		)

		return stop, nil
	}
}
