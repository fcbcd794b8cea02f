package tcpshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nisschay/sshcompare/shell"
)

var (
	ErrNotConnected = errors.New("tcpshell: not connected")
	ErrClosedByPeer = errors.New("tcpshell: session closed by server")
)

// ClientConfig holds the client's address and timeouts.
type ClientConfig struct {
	Addr        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// DefaultClientConfig returns the settings the benchmark uses.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:        "127.0.0.1:2222",
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	}
}

// Client runs commands against a tcpshell server, one at a time.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn     net.Conn
	buf      []byte
	sent     int64
	received int64
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("protocol", Protocol)),
		buf:    make([]byte, 4096),
	}
}

// Connect dials the server and waits for the welcome banner.
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}

	c.logger.Info("connecting", slog.String("addr", c.cfg.Addr))

	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	c.conn = conn

	welcome, err := c.readReply(ctx, false)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}

	c.logger.Info("connected",
		slog.String("welcome", strings.TrimSpace(strings.TrimSuffix(welcome, shell.Prompt))),
	)

	return nil
}

// Execute sends one command line and returns the server's reply.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}

	if err := c.write(ctx, []byte(command+"\n")); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	return c.readReply(ctx, isExit(command))
}

// Upload streams content to the server as a file named name.
func (c *Client) Upload(ctx context.Context, name string, content []byte) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}

	if err := c.write(ctx, []byte(shell.UploadHeader(name, len(content)))); err != nil {
		return "", fmt.Errorf("send upload header: %w", err)
	}

	if err := c.write(ctx, content); err != nil {
		return "", fmt.Errorf("send upload body: %w", err)
	}

	return c.readReply(ctx, false)
}

// Traffic returns the application bytes sent and received so far.
func (c *Client) Traffic() (sent, received int64) {
	return c.sent, c.received
}

// Close says goodbye to the server and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.write(ctx, []byte("exit\n")); err == nil {
		if _, err := c.readReply(ctx, true); err != nil && !errors.Is(err, ErrClosedByPeer) {
			c.logger.Debug("no goodbye from server", slog.String("error", err.Error()))
		}
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("connection closed")

	return err
}

// abandon closes a connection whose stream position is no longer known.
// A late reply would otherwise be read as the answer to the next command.
func (c *Client) abandon(reason error) {
	if c.conn == nil {
		return
	}

	c.logger.Warn("dropping connection",
		slog.String("addr", c.cfg.Addr),
		slog.String("error", reason.Error()),
	)

	c.conn.Close()
	c.conn = nil
}

func (c *Client) write(ctx context.Context, b []byte) error {
	c.conn.SetWriteDeadline(c.deadline(ctx))

	n, err := c.conn.Write(b)
	c.sent += int64(n)

	if err != nil {
		c.abandon(err)
	}

	return err
}

// readReply reads until the prompt terminates the reply, or the goodbye
// line when exiting is set. Any read error closes the connection.
func (c *Client) readReply(ctx context.Context, exiting bool) (string, error) {
	conn := c.conn
	conn.SetReadDeadline(c.deadline(ctx))

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var reply bytes.Buffer

	for {
		n, err := conn.Read(c.buf)
		if n > 0 {
			c.received += int64(n)
			reply.Write(c.buf[:n])

			if complete(reply.Bytes(), exiting) {
				return reply.String(), nil
			}
		}

		if err != nil {
			c.abandon(err)

			if isEOF(err) {
				return reply.String(), fmt.Errorf("%w: %v", ErrClosedByPeer, err)
			}

			return reply.String(), fmt.Errorf("read reply: %w", err)
		}
	}
}

// deadline picks the earlier of the read timeout and the ctx deadline. The
// zero time means no deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.cfg.ReadTimeout > 0 {
		d = time.Now().Add(c.cfg.ReadTimeout)
	}

	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		return dl
	}

	return d
}

// complete reports whether b is a whole reply. Command output may contain
// the goodbye line, so it only ends the reply to exit, and only on its own.
func complete(b []byte, exiting bool) bool {
	if exiting && bytes.Equal(b, []byte(shell.Goodbye)) {
		return true
	}

	return bytes.Equal(b, []byte(shell.Prompt)) ||
		bytes.HasSuffix(b, []byte("\r\n"+shell.Prompt))
}

// isExit mirrors the shell: the first word "exit", in any case, ends the
// session.
func isExit(command string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	return strings.EqualFold(name, "exit")
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
