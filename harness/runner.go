package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nisschay/sshcompare/battery"
	"github.com/nisschay/sshcompare/shell"
)

// ErrNotConnected marks operations skipped because the session never opened.
var ErrNotConnected = errors.New("harness: not connected")

// Client is a remote-shell session the runner can drive. tcpshell.Client
// and udpshell.Client both satisfy it.
type Client interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, command string) (string, error)
	Upload(ctx context.Context, name string, content []byte) (string, error)
	Traffic() (sent, received int64)
	Close() error
}

// Runner executes a battery against one client.
type Runner struct {
	Protocol string
	Client   Client
	Logger   *slog.Logger
}

// NewRunner creates a Runner for the named protocol.
func NewRunner(protocol string, client Client, logger *slog.Logger) *Runner {
	return &Runner{
		Protocol: protocol,
		Client:   client,
		Logger:   logger.With(slog.String("protocol", protocol)),
	}
}

// Run connects, executes every operation in order and disconnects. It never
// fails: errors are stored in the Result, one entry per operation.
func (r *Runner) Run(ctx context.Context, ops []battery.Operation) Result {
	result := Result{
		Protocol:      r.Protocol,
		Commands:      []CommandResult{},
		FileTransfers: []TransferResult{},
	}

	r.Logger.InfoContext(ctx, "connecting")

	start := time.Now()
	err := r.Client.Connect(ctx)
	elapsed := time.Since(start)

	if err != nil {
		r.Logger.ErrorContext(ctx, "connect failed",
			slog.String("error", err.Error()),
		)

		return Failed(r.Protocol, ops, err)
	}

	result.Connected = true
	result.ConnectionTime = elapsed.Seconds()

	r.Logger.InfoContext(ctx, "connected",
		slog.Duration("connection_time", elapsed),
	)

	for _, op := range ops {
		switch op.Op {
		case battery.OpCommand:
			result.Commands = append(result.Commands, r.command(ctx, op))
		case battery.OpUpload:
			result.FileTransfers = append(result.FileTransfers, r.upload(ctx, op))
		default:
			r.Logger.WarnContext(ctx, "skipping unknown operation",
				slog.String("op", op.Op),
			)
		}
	}

	result.DataSent, result.DataReceived = r.Client.Traffic()

	if err := r.Client.Close(); err != nil {
		r.Logger.WarnContext(ctx, "disconnect failed",
			slog.String("error", err.Error()),
		)
	}

	r.Logger.InfoContext(ctx, "battery finished",
		slog.Int("commands", len(result.Commands)),
		slog.Int("transfers", len(result.FileTransfers)),
		slog.Int64("data_sent", result.DataSent),
		slog.Int64("data_received", result.DataReceived),
	)

	return result
}

func (r *Runner) command(ctx context.Context, op battery.Operation) CommandResult {
	res := CommandResult{Command: op.Command}

	start := time.Now()
	reply, err := r.Client.Execute(ctx, op.Command)
	elapsed := time.Since(start)

	if err != nil {
		r.Logger.WarnContext(ctx, "command failed",
			slog.String("command", op.Command),
			slog.String("error", err.Error()),
		)

		res.Error = err.Error()

		return res
	}

	res.OK = true
	res.Time = elapsed.Seconds()

	r.Logger.DebugContext(ctx, "command executed",
		slog.String("command", op.Command),
		slog.Duration("elapsed", elapsed),
		slog.Int("reply_bytes", len(reply)),
	)

	return res
}

func (r *Runner) upload(ctx context.Context, op battery.Operation) TransferResult {
	res := TransferResult{Name: op.File, Size: op.Size}
	content := op.Payload()

	start := time.Now()
	reply, err := r.Client.Upload(ctx, op.File, content)
	elapsed := time.Since(start)

	if err == nil && strings.HasPrefix(reply, shell.UploadFailed) {
		err = fmt.Errorf("server rejected upload: %s", strings.TrimSpace(strings.TrimSuffix(reply, shell.Prompt)))
	}

	if err != nil {
		r.Logger.WarnContext(ctx, "upload failed",
			slog.String("file", op.File),
			slog.String("error", err.Error()),
		)

		res.Error = err.Error()

		return res
	}

	res.OK = true
	res.Time = elapsed.Seconds()
	if res.Time > 0 {
		res.Speed = float64(len(content)) / res.Time
	}

	r.Logger.InfoContext(ctx, "file transferred",
		slog.String("file", op.File),
		slog.Int("size", op.Size),
		slog.Duration("elapsed", elapsed),
		slog.Float64("speed", res.Speed),
	)

	return res
}

// Failed returns the Result of a battery that never ran: every operation
// keeps its entry, marked as not connected, and err is the run error.
func Failed(protocol string, ops []battery.Operation, err error) Result {
	result := Result{
		Protocol:      protocol,
		Commands:      []CommandResult{},
		FileTransfers: []TransferResult{},
		Error:         err.Error(),
	}

	msg := ErrNotConnected.Error()

	for _, op := range ops {
		switch op.Op {
		case battery.OpCommand:
			result.Commands = append(result.Commands, CommandResult{
				Command: op.Command,
				Error:   msg,
			})
		case battery.OpUpload:
			result.FileTransfers = append(result.FileTransfers, TransferResult{
				Name:  op.File,
				Size:  op.Size,
				Error: msg,
			})
		}
	}

	return result
}
