// Package tcpshell carries the remote shell over a TCP stream. Commands are
// newline-terminated; an upload header "put <name> <size>" is followed by
// exactly size raw bytes. Replies end with the shell prompt.
package tcpshell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nisschay/sshcompare/metrics"
	"github.com/nisschay/sshcompare/shell"
)

// Protocol is the transport label used in logs and metrics.
const Protocol = "TCP"

// ServerConfig holds the listener parameters.
type ServerConfig struct {
	Addr string
	// MaxUpload bounds a single upload payload.
	MaxUpload int
	// IdleTimeout closes a session that sends nothing for this long.
	IdleTimeout time.Duration
}

// DefaultServerConfig returns the settings the benchmark expects.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        "127.0.0.1:2222",
		MaxUpload:   64 << 20,
		IdleTimeout: 5 * time.Minute,
	}
}

// Server accepts TCP sessions and answers them with a shell.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server. Call ListenAndServe or Serve to start it.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("protocol", Protocol)),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, ln)
}

// Addr returns the bound address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open session and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	metrics.RegisterMetrics()

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeAll()
	})
	defer stop()

	defer func() {
		s.wg.Wait()
		s.logger.Info("server shutdown complete")
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.logger.Error("accept failed", slog.String("error", err.Error()))

			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)

			s.handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns == nil {
		return false
	}

	s.conns[conn] = struct{}{}

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
	}

	s.conns = nil
}

func (s *Server) handle(conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote", remote))

	metrics.SessionOpened(Protocol)
	defer metrics.SessionClosed(Protocol)

	defer func() {
		conn.Close()
		logger.Info("connection closed",
			slog.Duration("session", time.Since(start)),
		)
	}()

	logger.Info("connection accepted")

	sh := shell.New(Protocol)
	r := bufio.NewReader(conn)

	if err := s.write(conn, []byte(sh.Welcome())); err != nil {
		logger.Error("send welcome failed", slog.String("error", err.Error()))
		return
	}

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		line, err := r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("read failed", slog.String("error", err.Error()))
			}

			return
		}

		metrics.RecordBytes(Protocol, metrics.DirectionIn, len(line))

		handled := time.Now()

		reply, kind, err := s.dispatch(sh, r, line)
		if err != nil {
			logger.Warn("upload failed", slog.String("error", err.Error()))
			return
		}

		if err := s.write(conn, reply.Bytes()); err != nil {
			logger.Warn("write failed", slog.String("error", err.Error()))
			return
		}

		metrics.RecordCommand(Protocol, kind, time.Since(handled))
		logger.Debug("command handled",
			slog.String("kind", kind),
			slog.Duration("elapsed", time.Since(handled)),
		)

		if reply.Exit {
			logger.Info("client sent exit")
			return
		}
	}
}

// dispatch runs one command line, reading the upload body from r when the
// line is an upload header.
func (s *Server) dispatch(sh *shell.Shell, r io.Reader, line string) (shell.Reply, string, error) {
	name, size, ok, err := shell.ParseUpload(line, s.cfg.MaxUpload)
	if !ok {
		return sh.Execute(line), "command", nil
	}

	if err != nil {
		return shell.Reply{}, "upload", err
	}

	n, err := io.CopyN(io.Discard, r, int64(size))
	metrics.RecordBytes(Protocol, metrics.DirectionIn, int(n))

	if err != nil {
		return shell.Reply{}, "upload", fmt.Errorf(
			"read upload %s: got %d of %d bytes: %w", name, n, size, err,
		)
	}

	return sh.Store(name, size), "upload", nil
}

func (s *Server) write(conn net.Conn, b []byte) error {
	n, err := conn.Write(b)
	metrics.RecordBytes(Protocol, metrics.DirectionOut, n)

	return err
}
