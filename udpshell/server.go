package udpshell

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nisschay/sshcompare/metrics"
	"github.com/nisschay/sshcompare/shell"
)

// Protocol is the transport label used in logs and metrics.
const Protocol = "UDP"

// maxSessionID keeps client-chosen session ids small enough for the header.
const maxSessionID = 64

// uploadHeaderMargin is the room left for the upload header line on top of
// MaxUpload before a message is cut off.
const uploadHeaderMargin = 1024

// ServerConfig holds the listener parameters.
type ServerConfig struct {
	Addr string
	// IdleTimeout drops a session that has sent nothing for this long.
	IdleTimeout time.Duration
	// PollInterval bounds each blocking read so the loop can reap idle
	// sessions and notice cancellation.
	PollInterval time.Duration
	MaxUpload    int
}

// DefaultServerConfig returns the settings the benchmark expects.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:2223",
		IdleTimeout:  60 * time.Second,
		PollInterval: time.Second,
		MaxUpload:    64 << 20,
	}
}

type session struct {
	id         string
	addr       net.Addr
	lastActive time.Time
	shell      *shell.Shell

	inbox    bytes.Buffer
	lastSeq  uint64
	received bool
	outSeq   uint64
	// overflow is set once the inbox passed the upload limit; chunks are
	// dropped until the message's LAST chunk.
	overflow bool
}

// Server answers UDP sessions from a single receive loop.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	sessions map[string]*session
	conn     net.PacketConn
}

// NewServer creates a Server. Call ListenAndServe or Serve to start it.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With(slog.String("protocol", Protocol)),
		sessions: make(map[string]*session),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig

	conn, err := lc.ListenPacket(ctx, "udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is cancelled. It closes conn
// on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	metrics.RegisterMetrics()

	s.conn = conn
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.logger.Info("server listening", slog.String("addr", conn.LocalAddr().String()))

	buf := make([]byte, PacketSize)

	for {
		if ctx.Err() != nil {
			s.closeSessions()
			s.logger.Info("server shutdown complete")

			return nil
		}

		if s.cfg.PollInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		}

		n, addr, err := conn.ReadFrom(buf)

		switch {
		case err == nil:
			metrics.RecordBytes(Protocol, metrics.DirectionIn, n)
			s.handlePacket(buf[:n], addr)
		case errors.Is(err, os.ErrDeadlineExceeded):
		case errors.Is(err, net.ErrClosed):
			s.closeSessions()
			return nil
		default:
			s.logger.Error("read failed", slog.String("error", err.Error()))
		}

		s.reap(time.Now())
	}
}

func (s *Server) handlePacket(b []byte, addr net.Addr) {
	p, err := Decode(b)
	if err != nil {
		s.logger.Warn("dropping packet",
			slog.String("from", addr.String()),
			slog.String("error", err.Error()),
		)
		metrics.RecordDrop(dropReason(err))

		return
	}

	switch p.Type {
	case KindConnect:
		s.handleConnect(p, addr)
	case KindData, KindLast:
		s.handleData(p, addr)
	case KindAck:
		// Replies are sent without waiting for acknowledgements.
	default:
		s.logger.Warn("unexpected packet type",
			slog.String("type", string(p.Type)),
			slog.String("from", addr.String()),
		)
		metrics.RecordDrop("type")
	}
}

func (s *Server) handleConnect(p Packet, addr net.Addr) {
	id := p.Session
	if len(id) > maxSessionID {
		metrics.RecordDrop("session")
		return
	}

	if sess, ok := s.sessions[id]; ok && id != "" {
		sess.addr = addr
		sess.lastActive = time.Now()
		s.send(NewPacket(KindConnectAck, 0, id, []byte(id)), addr)

		return
	}

	if id == "" {
		id = newSessionID()
	}

	sess := &session{
		id:         id,
		addr:       addr,
		lastActive: time.Now(),
		shell:      shell.New(Protocol),
	}
	s.sessions[id] = sess

	metrics.SessionOpened(Protocol)

	s.logger.Info("session opened",
		slog.String("session", id),
		slog.String("remote", addr.String()),
	)

	s.send(NewPacket(KindConnectAck, 0, id, []byte(id)), addr)
	s.sendMessage(sess, []byte(sess.shell.Welcome()), 0)
}

func (s *Server) handleData(p Packet, addr net.Addr) {
	sess, ok := s.sessions[p.Session]
	if !ok {
		s.logger.Warn("data for unknown session", slog.String("session", p.Session))
		metrics.RecordDrop("session")

		return
	}

	sess.addr = addr
	sess.lastActive = time.Now()

	s.send(NewPacket(KindAck, p.Seq, sess.id, nil), addr)

	if sess.received && p.Seq <= sess.lastSeq {
		s.logger.Debug("duplicate packet",
			slog.String("session", sess.id),
			slog.Uint64("seq", p.Seq),
		)

		return
	}

	sess.received = true
	sess.lastSeq = p.Seq

	if !sess.overflow {
		sess.inbox.Write(p.Data)

		if s.cfg.MaxUpload > 0 && sess.inbox.Len() > s.cfg.MaxUpload+uploadHeaderMargin {
			s.logger.Warn("message exceeds upload limit",
				slog.String("session", sess.id),
				slog.Int("limit", s.cfg.MaxUpload),
			)

			sess.inbox = bytes.Buffer{}
			sess.overflow = true
		}
	}

	if p.Type != KindLast {
		return
	}

	start := time.Now()

	if sess.overflow {
		sess.overflow = false

		s.sendMessage(sess, shell.Reject(shell.ErrUploadTooLarge).Bytes(), p.Seq)
		metrics.RecordCommand(Protocol, "upload", time.Since(start))

		return
	}

	msg := bytes.Clone(sess.inbox.Bytes())
	sess.inbox.Reset()

	reply, kind := s.dispatch(sess, msg)
	s.sendMessage(sess, reply.Bytes(), p.Seq)

	metrics.RecordCommand(Protocol, kind, time.Since(start))

	if reply.Exit {
		s.logger.Info("client requested exit", slog.String("session", sess.id))
		s.closeSession(sess.id)
	}
}

// dispatch handles one assembled message. A message whose first line is an
// upload header carries the file body after that line.
func (s *Server) dispatch(sess *session, msg []byte) (shell.Reply, string) {
	line, body, _ := bytes.Cut(msg, []byte("\n"))

	name, size, ok, err := shell.ParseUpload(string(line), s.cfg.MaxUpload)
	if !ok {
		s.logger.Debug("executing command",
			slog.String("session", sess.id),
			slog.String("command", string(bytes.TrimSpace(msg))),
		)

		return sess.shell.Execute(string(msg)), "command"
	}

	if err == nil && len(body) != size {
		err = fmt.Errorf("upload %s: got %d of %d bytes", name, len(body), size)
	}

	if err != nil {
		s.logger.Warn("upload rejected",
			slog.String("session", sess.id),
			slog.String("error", err.Error()),
		)

		return shell.Reject(err), "upload"
	}

	return sess.shell.Store(name, size), "upload"
}

// sendMessage sends msg as DATA chunks closed by a LAST chunk, each tagged
// with the seq of the request it answers.
func (s *Server) sendMessage(sess *session, msg []byte, replyTo uint64) {
	chunks := Chunk(msg)

	for i, chunk := range chunks {
		p := NewPacket(chunkKind(i, len(chunks)), sess.outSeq, sess.id, chunk)
		p.ReplyTo = replyTo

		s.send(p, sess.addr)
		sess.outSeq++
	}
}

func (s *Server) send(p Packet, addr net.Addr) {
	b, err := Encode(p)
	if err != nil {
		s.logger.Error("encode packet failed", slog.String("error", err.Error()))
		return
	}

	n, err := s.conn.WriteTo(b, addr)
	metrics.RecordBytes(Protocol, metrics.DirectionOut, n)

	if err != nil {
		s.logger.Warn("send failed",
			slog.String("to", addr.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) reap(now time.Time) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}

	for id, sess := range s.sessions {
		if now.Sub(sess.lastActive) > s.cfg.IdleTimeout {
			s.logger.Info("removing inactive session", slog.String("session", id))
			s.closeSession(id)
		}
	}
}

func (s *Server) closeSession(id string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}

	delete(s.sessions, id)
	metrics.SessionClosed(Protocol)
}

func (s *Server) closeSessions() {
	for id := range s.sessions {
		s.closeSession(id)
	}
}

// Sessions returns the number of open sessions. It is only safe to call
// from the goroutine running Serve or after Serve has returned.
func (s *Server) Sessions() int {
	return len(s.sessions)
}

func newSessionID() string {
	var b [16]byte
	rand.Read(b[:])

	return hex.EncodeToString(b[:])
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrShortPacket), errors.Is(err, ErrLengthMismatch):
		return "truncated"
	default:
		return "malformed"
	}
}
