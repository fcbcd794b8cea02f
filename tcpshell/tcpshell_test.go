package tcpshell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg ServerConfig) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, discardLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return ln.Addr().String()
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()

	cfg := DefaultClientConfig()
	cfg.Addr = addr

	c := NewClient(cfg, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return c
}

func TestExecuteRoundTrip(t *testing.T) {
	addr := startServer(t, DefaultServerConfig())
	c := newClient(t, addr)
	defer c.Close()

	got, err := c.Execute(context.Background(), "echo This is test command 0")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "This is test command 0\r\n$ " {
		t.Errorf("reply = %q", got)
	}

	got, err = c.Execute(context.Background(), "ls -la")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "$ " {
		t.Errorf("empty listing reply = %q", got)
	}
}

func TestUpload(t *testing.T) {
	addr := startServer(t, DefaultServerConfig())
	c := newClient(t, addr)
	defer c.Close()

	content := bytes.Repeat([]byte("X"), 100*1024)

	got, err := c.Upload(context.Background(), "test_file_102400.txt", content)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(got, "Received test_file_102400.txt (102400 bytes)") {
		t.Errorf("upload reply = %q", got)
	}

	listing, err := c.Execute(context.Background(), "ls")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(listing, "test_file_102400.txt") {
		t.Errorf("listing = %q", listing)
	}

	sent, received := c.Traffic()
	if sent < int64(len(content)) {
		t.Errorf("sent = %d, want >= %d", sent, len(content))
	}
	if received <= 0 {
		t.Errorf("received = %d, want > 0", received)
	}
}

func TestUploadTooLargeClosesSession(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxUpload = 16
	addr := startServer(t, cfg)
	c := newClient(t, addr)
	defer c.Close()

	_, err := c.Upload(context.Background(), "big.bin", make([]byte, 64))
	if err == nil {
		t.Fatal("expected error for oversized upload")
	}
}

func TestExitSendsGoodbye(t *testing.T) {
	addr := startServer(t, DefaultServerConfig())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	welcome, err := r.ReadString('$')
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome != "Welcome to SSH over TCP server!\r\n$" {
		t.Errorf("welcome = %q", welcome)
	}
	if b, err := r.ReadByte(); err != nil || b != ' ' {
		t.Fatalf("prompt not followed by space: %q %v", b, err)
	}

	if _, err := conn.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write exit: %v", err)
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read goodbye: %v", err)
	}
	if string(rest) != "Goodbye!\r\n" {
		t.Errorf("goodbye = %q", rest)
	}
}

func TestExecuteWithoutConnect(t *testing.T) {
	c := NewClient(DefaultClientConfig(), discardLogger())

	if _, err := c.Execute(context.Background(), "pwd"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("close unconnected client: %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := DefaultClientConfig()
	cfg.Addr = addr
	cfg.DialTimeout = time.Second

	if err := NewClient(cfg, discardLogger()).Connect(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		in      string
		exiting bool
		want    bool
	}{
		{"$ ", false, true},
		{"hello\r\n$ ", false, true},
		{"Goodbye!\r\n", true, true},
		{"Goodbye!\r\n", false, false},
		{"output\r\nGoodbye!\r\n", true, false},
		{"hello", false, false},
		{"cost $ ", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		if got := complete([]byte(tt.in), tt.exiting); got != tt.want {
			t.Errorf("complete(%q, %v) = %v, want %v", tt.in, tt.exiting, got, tt.want)
		}
	}
}

func TestIsExit(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"exit", true},
		{"  EXIT now", true},
		{"echo exit", false},
		{"exiting", false},
	}

	for _, tt := range tests {
		if got := isExit(tt.in); got != tt.want {
			t.Errorf("isExit(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// scriptedServer accepts one connection, sends the welcome and answers each
// line with reply(i, line), written in the given pieces after delay(i).
func scriptedServer(t *testing.T, delay func(i int) time.Duration, reply func(i int, line string) []string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte("Welcome to SSH over TCP server!\r\n$ "))

		r := bufio.NewReader(conn)
		for i := 0; ; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}

			time.Sleep(delay(i))

			for _, piece := range reply(i, strings.TrimSpace(line)) {
				if _, err := conn.Write([]byte(piece)); err != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	return ln.Addr().String()
}

func TestReadTimeoutDropsConnection(t *testing.T) {
	addr := scriptedServer(t,
		func(i int) time.Duration {
			if i == 0 {
				return 300 * time.Millisecond
			}
			return 0
		},
		func(_ int, line string) []string {
			return []string{"reply-to:" + line + "\r\n$ "}
		},
	)

	cfg := DefaultClientConfig()
	cfg.Addr = addr
	cfg.ReadTimeout = 150 * time.Millisecond

	c := NewClient(cfg, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.Execute(context.Background(), "cmd1"); err == nil {
		t.Fatal("expected timeout on delayed reply")
	}

	// Let the late reply arrive; it must not be taken as cmd2's answer.
	time.Sleep(300 * time.Millisecond)

	got, err := c.Execute(context.Background(), "cmd2")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("cmd2 = %q, %v; want ErrNotConnected", got, err)
	}
}

func TestGoodbyeInOutputIsNotEndOfReply(t *testing.T) {
	addr := scriptedServer(t,
		func(int) time.Duration { return 0 },
		func(_ int, line string) []string {
			out, _ := strings.CutPrefix(line, "echo ")
			return []string{out + "\r\n", "$ "}
		},
	)

	c := newClient(t, addr)
	defer c.Close()

	got, err := c.Execute(context.Background(), "echo Goodbye!")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "Goodbye!\r\n$ " {
		t.Errorf("reply = %q, want the full echo", got)
	}

	got, err = c.Execute(context.Background(), "echo next")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "next\r\n$ " {
		t.Errorf("next reply = %q", got)
	}
}
