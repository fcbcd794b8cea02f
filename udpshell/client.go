package udpshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nisschay/sshcompare/shell"
)

var (
	ErrNotConnected    = errors.New("udpshell: not connected")
	ErrConnectTimeout  = errors.New("udpshell: no CONNECT_ACK from server")
	ErrNoAck           = errors.New("udpshell: packet not acknowledged")
	ErrResponseTimeout = errors.New("udpshell: timed out waiting for reply")
)

// ClientConfig holds the client's address, timeouts and retry budget.
type ClientConfig struct {
	Addr string
	// AckTimeout is how long each send attempt waits for its ACK.
	AckTimeout time.Duration
	MaxRetries int
	// ResponseTimeout bounds the wait for each packet of a reply.
	ResponseTimeout time.Duration
	WelcomeTimeout  time.Duration
}

// DefaultClientConfig returns the settings the benchmark uses.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:            "127.0.0.1:2223",
		AckTimeout:      time.Second,
		MaxRetries:      5,
		ResponseTimeout: 2 * time.Second,
		WelcomeTimeout:  2 * time.Second,
	}
}

// Client runs commands against a udpshell server, one at a time.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *net.UDPConn
	session string
	seq     uint64
	buf     []byte
	// pending holds reply chunks that arrived while waiting for an ACK.
	pending []Packet

	sent     int64
	received int64
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("protocol", Protocol)),
		buf:    make([]byte, PacketSize),
	}
}

// Session returns the session id, empty before Connect.
func (c *Client) Session() string {
	return c.session
}

// Connect opens a session, retrying CONNECT until the server acknowledges
// it, and then waits briefly for the welcome banner.
func (c *Client) Connect(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.cfg.Addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	c.conn = conn
	c.session = newSessionID()
	// Requests start at 1 so that a reply_to of 0 marks the welcome.
	c.seq = 1
	c.pending = nil

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		c.conn = nil
		c.session = ""

		return err
	}

	welcome, err := c.readMessage(ctx, c.cfg.WelcomeTimeout, 0)
	if err != nil {
		c.logger.Warn("no welcome from server", slog.String("error", err.Error()))
	} else {
		c.logger.Info("server welcome",
			slog.String("welcome", strings.TrimSpace(strings.TrimSuffix(welcome, shell.Prompt))),
		)
	}

	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	for attempt := 1; attempt <= c.attempts(); attempt++ {
		c.logger.Info("connecting",
			slog.String("addr", c.cfg.Addr),
			slog.Int("attempt", attempt),
		)

		if err := c.send(NewPacket(KindConnect, 0, c.session, []byte("CONNECT"))); err != nil {
			return fmt.Errorf("send CONNECT: %w", err)
		}

		deadline := time.Now().Add(c.cfg.AckTimeout)

		for {
			p, err := c.readPacket(ctx, deadline)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				if isTimeout(err) {
					break
				}

				if errors.Is(err, net.ErrClosed) {
					return err
				}

				c.logger.Debug("handshake read failed", slog.String("error", err.Error()))

				continue
			}

			if p.Type == KindConnectAck && p.Session == c.session {
				c.logger.Info("session established", slog.String("session", c.session))

				return nil
			}
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrConnectTimeout, c.attempts())
}

// Execute sends one command line and returns the server's reply.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}

	last, err := c.sendReliable(ctx, []byte(command+"\n"))
	if err != nil {
		return "", err
	}

	return c.readMessage(ctx, c.cfg.ResponseTimeout, last)
}

// Upload sends content to the server as a file named name.
func (c *Client) Upload(ctx context.Context, name string, content []byte) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}

	msg := make([]byte, 0, len(content)+64)
	msg = append(msg, shell.UploadHeader(name, len(content))...)
	msg = append(msg, content...)

	last, err := c.sendReliable(ctx, msg)
	if err != nil {
		return "", err
	}

	return c.readMessage(ctx, c.cfg.ResponseTimeout, last)
}

// Traffic returns the datagram bytes sent and received so far, headers
// included.
func (c *Client) Traffic() (sent, received int64) {
	return c.sent, c.received
}

// Close sends exit to the server and releases the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if last, err := c.sendReliable(ctx, []byte("exit\n")); err == nil {
		if _, err := c.readMessage(ctx, 500*time.Millisecond, last); err != nil {
			c.logger.Debug("no goodbye from server", slog.String("error", err.Error()))
		}
	}

	err := c.conn.Close()
	c.conn = nil

	c.logger.Info("connection closed")

	return err
}

// sendReliable sends msg chunk by chunk, waiting for each ACK before the
// next chunk and retrying up to MaxRetries times. It returns the seq of the
// LAST chunk, which the server's reply carries as reply_to.
func (c *Client) sendReliable(ctx context.Context, msg []byte) (uint64, error) {
	chunks := Chunk(msg)

	var seq uint64
	for i, chunk := range chunks {
		seq = c.seq
		c.seq++

		p := NewPacket(chunkKind(i, len(chunks)), seq, c.session, chunk)

		if err := c.sendChunk(ctx, p); err != nil {
			return 0, err
		}
	}

	return seq, nil
}

func (c *Client) sendChunk(ctx context.Context, p Packet) error {
	for attempt := 1; attempt <= c.attempts(); attempt++ {
		if err := c.send(p); err != nil {
			return fmt.Errorf("send packet %d: %w", p.Seq, err)
		}

		acked, err := c.awaitAck(ctx, p.Seq)
		if err != nil {
			return err
		}

		if acked {
			return nil
		}

		c.logger.Warn("timeout waiting for ACK",
			slog.Uint64("seq", p.Seq),
			slog.Int("retry", attempt),
		)
	}

	return fmt.Errorf("%w: packet %d after %d attempts", ErrNoAck, p.Seq, c.attempts())
}

// awaitAck reads until the ACK for seq arrives or AckTimeout passes. Reply
// chunks that arrive in the meantime are acknowledged and kept for
// readMessage.
func (c *Client) awaitAck(ctx context.Context, seq uint64) (bool, error) {
	deadline := time.Now().Add(c.cfg.AckTimeout)

	for {
		p, err := c.readPacket(ctx, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}

			if isTimeout(err) {
				return false, nil
			}

			if errors.Is(err, net.ErrClosed) {
				return false, err
			}

			c.logger.Debug("read failed", slog.String("error", err.Error()))

			continue
		}

		switch p.Type {
		case KindAck:
			if p.Seq == seq {
				return true, nil
			}
		case KindData, KindLast:
			c.acknowledge(p)
			c.pending = append(c.pending, p)
		}
	}
}

// readMessage collects the reply to request want up to and including its
// LAST chunk. Chunks answering an earlier request, such as the tail of a
// reply that timed out, are acknowledged and dropped.
func (c *Client) readMessage(ctx context.Context, timeout time.Duration, want uint64) (string, error) {
	var msg bytes.Buffer

	for len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]

		if !c.answers(p, want) {
			continue
		}

		msg.Write(p.Data)

		if p.Type == KindLast {
			return msg.String(), nil
		}
	}

	for {
		p, err := c.readPacket(ctx, time.Now().Add(timeout))
		if err != nil {
			if ctx.Err() != nil {
				return msg.String(), ctx.Err()
			}

			if isTimeout(err) {
				return msg.String(), ErrResponseTimeout
			}

			if errors.Is(err, net.ErrClosed) {
				return msg.String(), err
			}

			c.logger.Debug("read failed", slog.String("error", err.Error()))

			continue
		}

		if p.Type != KindData && p.Type != KindLast {
			continue
		}

		c.acknowledge(p)

		if !c.answers(p, want) {
			continue
		}

		msg.Write(p.Data)

		if p.Type == KindLast {
			return msg.String(), nil
		}
	}
}

func (c *Client) answers(p Packet, want uint64) bool {
	if p.ReplyTo == want {
		return true
	}

	c.logger.Debug("dropping stale reply chunk",
		slog.Uint64("seq", p.Seq),
		slog.Uint64("reply_to", p.ReplyTo),
		slog.Uint64("want", want),
	)

	return false
}

func (c *Client) acknowledge(p Packet) {
	if err := c.send(NewPacket(KindAck, p.Seq, c.session, nil)); err != nil {
		c.logger.Debug("send ACK failed", slog.String("error", err.Error()))
	}
}

// readPacket reads and decodes one datagram. Undecodable datagrams are
// returned as errors so callers can skip them.
func (c *Client) readPacket(ctx context.Context, deadline time.Time) (Packet, error) {
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	conn := c.conn
	conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := conn.Read(c.buf)
	if err != nil {
		return Packet{}, err
	}

	p, err := Decode(c.buf[:n])
	if err != nil {
		return Packet{}, err
	}

	c.received += int64(n)

	return p, nil
}

func (c *Client) send(p Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}

	n, err := c.conn.Write(b)
	c.sent += int64(n)

	return err
}

func (c *Client) attempts() int {
	if c.cfg.MaxRetries < 1 {
		return 1
	}

	return c.cfg.MaxRetries
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
