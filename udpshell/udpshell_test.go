package udpshell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeDecode(t *testing.T) {
	in := NewPacket(KindData, 7, "abc", []byte("echo hi\n"))

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != HeaderSize+len(in.Data) {
		t.Fatalf("encoded length = %d, want %d", len(b), HeaderSize+len(in.Data))
	}
	if b[HeaderSize-1] != ' ' {
		t.Errorf("header not space padded")
	}

	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Seq != 7 || out.Type != KindData || out.Session != "abc" {
		t.Errorf("header mismatch: %+v", out.Header)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Errorf("data = %q, want %q", out.Data, in.Data)
	}
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(NewPacket(KindLast, 1, "s", []byte("payload")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	corrupt := bytes.Clone(good)
	corrupt[len(corrupt)-1] ^= 0xff

	truncated := good[:len(good)-3]

	garbage := bytes.Repeat([]byte{'{'}, HeaderSize)

	ackWithBadSum := NewPacket(KindAck, 1, "s", nil)
	ackWithBadSum.Checksum = "nope"
	ack, err := Encode(ackWithBadSum)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"short", []byte("tiny"), ErrShortPacket},
		{"checksum", corrupt, ErrChecksum},
		{"truncated", truncated, ErrLengthMismatch},
		{"garbage header", garbage, ErrBadHeader},
		{"control packets skip checksum", ack, nil},
	}

	for _, tt := range tests {
		_, err := Decode(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestEncodeLimits(t *testing.T) {
	if _, err := Encode(NewPacket(KindData, 0, "", make([]byte, DataSize+1))); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}

	long := strings.Repeat("s", HeaderSize)
	if _, err := Encode(NewPacket(KindAck, 0, long, nil)); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("err = %v, want ErrHeaderTooLarge", err)
	}

	reply := NewPacket(KindConnectAck, 1<<32, strings.Repeat("r", maxSessionID), make([]byte, DataSize))
	reply.ReplyTo = 1 << 32
	b, err := Encode(reply)
	if err != nil {
		t.Fatalf("reply header: %v", err)
	}
	if got, err := Decode(b); err != nil || got.ReplyTo != 1<<32 {
		t.Errorf("decoded reply_to = %d, %v", got.ReplyTo, err)
	}

	full, err := Encode(NewPacket(KindData, 1<<63, strings.Repeat("f", maxSessionID), make([]byte, DataSize)))
	if err != nil {
		t.Fatalf("max-sized packet: %v", err)
	}
	if len(full) != PacketSize {
		t.Errorf("max packet length = %d, want %d", len(full), PacketSize)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		size       int
		wantChunks int
		wantLast   int
	}{
		{0, 1, 0},
		{1, 1, 1},
		{DataSize, 1, DataSize},
		{DataSize + 1, 2, 1},
		{10 * 1024, 9, 10*1024 - 8*DataSize},
	}

	for _, tt := range tests {
		chunks := Chunk(make([]byte, tt.size))
		if len(chunks) != tt.wantChunks {
			t.Errorf("Chunk(%d): %d chunks, want %d", tt.size, len(chunks), tt.wantChunks)
			continue
		}
		if got := len(chunks[len(chunks)-1]); got != tt.wantLast {
			t.Errorf("Chunk(%d): last chunk %d bytes, want %d", tt.size, got, tt.wantLast)
		}
	}

	if chunkKind(0, 1) != KindLast || chunkKind(0, 2) != KindData {
		t.Error("chunkKind must mark only the final chunk LAST")
	}
}

func startServer(t *testing.T) string {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.PollInterval = 50 * time.Millisecond

	return startServerWith(t, cfg)
}

func startServerWith(t *testing.T, cfg ServerConfig) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, discardLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn) }()

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

	return conn.LocalAddr().String()
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
	addr := startServer(t)
	c := newClient(t, addr)
	defer c.Close()

	if c.Session() == "" {
		t.Fatal("expected session id after connect")
	}

	got, err := c.Execute(context.Background(), "echo This is test command 1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "This is test command 1\r\n$ " {
		t.Errorf("reply = %q", got)
	}

	got, err = c.Execute(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "/home/ssh\r\n$ " {
		t.Errorf("pwd reply = %q", got)
	}
}

func TestUploadSpansManyPackets(t *testing.T) {
	addr := startServer(t)
	c := newClient(t, addr)
	defer c.Close()

	content := bytes.Repeat([]byte("X"), 10*1024)

	got, err := c.Upload(context.Background(), "test_file_10240.txt", content)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(got, "Received test_file_10240.txt (10240 bytes)") {
		t.Errorf("upload reply = %q", got)
	}

	sent, received := c.Traffic()
	if sent < int64(len(content)+9*HeaderSize) {
		t.Errorf("sent = %d, want at least payload plus headers", sent)
	}
	if received <= 0 {
		t.Errorf("received = %d", received)
	}
}

func TestConnectTimesOutWithoutServer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	cfg := DefaultClientConfig()
	cfg.Addr = conn.LocalAddr().String()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 2

	err = NewClient(cfg, discardLogger()).Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("err = %v, want ErrConnectTimeout", err)
	}
}

func TestExecuteWithoutConnect(t *testing.T) {
	c := NewClient(DefaultClientConfig(), discardLogger())

	if _, err := c.Execute(context.Background(), "pwd"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

// rawPeer speaks the packet format directly so tests can replay and reorder.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	t.Helper()

	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &rawPeer{t: t, conn: conn, buf: make([]byte, PacketSize)}
}

func (r *rawPeer) send(p Packet) {
	r.t.Helper()

	b, err := Encode(p)
	if err != nil {
		r.t.Fatalf("encode: %v", err)
	}
	if _, err := r.conn.Write(b); err != nil {
		r.t.Fatalf("write: %v", err)
	}
}

func (r *rawPeer) recv() Packet {
	r.t.Helper()

	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	n, err := r.conn.Read(r.buf)
	if err != nil {
		r.t.Fatalf("read: %v", err)
	}

	p, err := Decode(r.buf[:n])
	if err != nil {
		r.t.Fatalf("decode: %v", err)
	}

	return p
}

func TestServerIgnoresRetransmittedChunk(t *testing.T) {
	addr := startServer(t)
	peer := dialRaw(t, addr)

	peer.send(NewPacket(KindConnect, 0, "sess-1", []byte("CONNECT")))

	if p := peer.recv(); p.Type != KindConnectAck || string(p.Data) != "sess-1" {
		t.Fatalf("expected CONNECT_ACK, got %+v", p.Header)
	}
	if p := peer.recv(); p.Type != KindLast || p.ReplyTo != 0 || !strings.HasPrefix(string(p.Data), "Welcome to SSH over UDP") {
		t.Fatalf("expected welcome, got %+v %q", p.Header, p.Data)
	}

	// A retransmitted CONNECT is acknowledged again without a second welcome.
	peer.send(NewPacket(KindConnect, 0, "sess-1", []byte("CONNECT")))
	if p := peer.recv(); p.Type != KindConnectAck {
		t.Fatalf("expected CONNECT_ACK, got %+v", p.Header)
	}

	first := NewPacket(KindData, 0, "sess-1", []byte("echo du"))
	peer.send(first)
	if p := peer.recv(); p.Type != KindAck || p.Seq != 0 {
		t.Fatalf("expected ACK 0, got %+v", p.Header)
	}

	peer.send(first)
	if p := peer.recv(); p.Type != KindAck || p.Seq != 0 {
		t.Fatalf("expected re-ACK 0, got %+v", p.Header)
	}

	peer.send(NewPacket(KindLast, 1, "sess-1", []byte("plicate\n")))
	if p := peer.recv(); p.Type != KindAck || p.Seq != 1 {
		t.Fatalf("expected ACK 1, got %+v", p.Header)
	}

	reply := peer.recv()
	if reply.Type != KindLast || reply.ReplyTo != 1 || string(reply.Data) != "duplicate\r\n$ " {
		t.Errorf("reply = %+v %q", reply.Header, reply.Data)
	}
}

func TestServerRejectsShortUpload(t *testing.T) {
	addr := startServer(t)
	peer := dialRaw(t, addr)

	peer.send(NewPacket(KindConnect, 0, "sess-2", nil))
	peer.recv()
	peer.recv()

	peer.send(NewPacket(KindLast, 0, "sess-2", []byte("put f.txt 10\nabc")))
	peer.recv()

	reply := peer.recv()
	if !strings.HasPrefix(string(reply.Data), "Upload failed") {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestServerDropsUnknownSession(t *testing.T) {
	addr := startServer(t)
	peer := dialRaw(t, addr)

	peer.send(NewPacket(KindLast, 0, "nobody", []byte("pwd\n")))

	peer.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := peer.conn.Read(peer.buf); err == nil {
		t.Errorf("expected no reply for unknown session, got %d bytes", n)
	}
}

func TestReapIdleSessions(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), discardLogger())
	now := time.Now()

	srv.sessions["old"] = &session{id: "old", lastActive: now.Add(-2 * time.Minute)}
	srv.sessions["new"] = &session{id: "new", lastActive: now}

	srv.reap(now)

	if _, ok := srv.sessions["old"]; ok {
		t.Error("idle session not reaped")
	}
	if srv.Sessions() != 1 {
		t.Errorf("sessions = %d, want 1", srv.Sessions())
	}
}

func TestServerBoundsOversizedMessage(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.MaxUpload = 100

	addr := startServerWith(t, cfg)
	peer := dialRaw(t, addr)

	peer.send(NewPacket(KindConnect, 0, "sess-3", nil))
	peer.recv()
	peer.recv()

	chunk := bytes.Repeat([]byte("X"), DataSize)
	for seq := uint64(0); seq < 3; seq++ {
		peer.send(NewPacket(KindData, seq, "sess-3", chunk))
		if p := peer.recv(); p.Type != KindAck || p.Seq != seq {
			t.Fatalf("expected ACK %d, got %+v", seq, p.Header)
		}
	}

	peer.send(NewPacket(KindLast, 3, "sess-3", chunk))
	if p := peer.recv(); p.Type != KindAck || p.Seq != 3 {
		t.Fatalf("expected ACK 3, got %+v", p.Header)
	}

	reply := peer.recv()
	if reply.ReplyTo != 3 || !strings.HasPrefix(string(reply.Data), "Upload failed") {
		t.Fatalf("reply = %+v %q", reply.Header, reply.Data)
	}

	// The session keeps working once the oversized message is over.
	peer.send(NewPacket(KindLast, 4, "sess-3", []byte("pwd\n")))
	peer.recv()

	if reply := peer.recv(); string(reply.Data) != "/home/ssh\r\n$ " {
		t.Errorf("reply after overflow = %q", reply.Data)
	}
}

func writePacket(conn net.PacketConn, addr net.Addr, p Packet) {
	if b, err := Encode(p); err == nil {
		conn.WriteTo(b, addr)
	}
}

// fakeServer completes the handshake and sends a welcome, then passes every
// DATA or LAST packet to handle.
func fakeServer(t *testing.T, handle func(conn net.PacketConn, addr net.Addr, p Packet)) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, PacketSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}

			p, err := Decode(buf[:n])
			if err != nil {
				continue
			}

			switch p.Type {
			case KindConnect:
				writePacket(conn, addr, NewPacket(KindConnectAck, 0, p.Session, []byte(p.Session)))
				writePacket(conn, addr, NewPacket(KindLast, 0, p.Session, []byte("Welcome\r\n$ ")))
			case KindData, KindLast:
				handle(conn, addr, p)
			}
		}
	}()

	return conn.LocalAddr().String()
}

func TestLateReplyIsNotTakenForNext(t *testing.T) {
	var outSeq uint64 = 1

	addr := fakeServer(t, func(conn net.PacketConn, addr net.Addr, p Packet) {
		writePacket(conn, addr, NewPacket(KindAck, p.Seq, p.Session, nil))

		if p.Type != KindLast {
			return
		}

		cmd := strings.TrimSpace(string(p.Data))
		reply := NewPacket(KindLast, outSeq, p.Session, []byte("reply-to:"+cmd))
		reply.ReplyTo = p.Seq
		outSeq++

		if cmd == "cmd1" {
			go func() {
				time.Sleep(300 * time.Millisecond)
				writePacket(conn, addr, reply)
			}()

			return
		}

		writePacket(conn, addr, reply)
	})

	cfg := DefaultClientConfig()
	cfg.Addr = addr
	cfg.ResponseTimeout = 150 * time.Millisecond

	c := NewClient(cfg, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.Execute(context.Background(), "cmd1"); !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("cmd1 err = %v, want ErrResponseTimeout", err)
	}

	time.Sleep(300 * time.Millisecond)

	for _, cmd := range []string{"cmd2", "cmd3"} {
		got, err := c.Execute(context.Background(), cmd)
		if err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		if want := "reply-to:" + cmd; got != want {
			t.Errorf("%s reply = %q, want %q", cmd, got, want)
		}
	}
}

func TestUnacknowledgedCommandFails(t *testing.T) {
	addr := fakeServer(t, func(net.PacketConn, net.Addr, Packet) {})

	cfg := DefaultClientConfig()
	cfg.Addr = addr
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 2

	c := NewClient(cfg, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.Execute(context.Background(), "pwd"); !errors.Is(err, ErrNoAck) {
		t.Errorf("err = %v, want ErrNoAck", err)
	}
}

// lossyProxy relays datagrams between one client and server, skipping any
// packet drop reports true for.
func lossyProxy(t *testing.T, server string, drop func(toServer bool, p Packet) bool) string {
	t.Helper()

	front, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { front.Close() })

	back, err := net.Dial("udp", server)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { back.Close() })

	var (
		mu     sync.Mutex
		client net.Addr
	)

	dropped := func(toServer bool, b []byte) bool {
		p, err := Decode(b)
		if err != nil {
			return false
		}

		mu.Lock()
		defer mu.Unlock()

		return drop(toServer, p)
	}

	go func() {
		buf := make([]byte, PacketSize)
		for {
			n, addr, err := front.ReadFrom(buf)
			if err != nil {
				return
			}

			mu.Lock()
			client = addr
			mu.Unlock()

			if !dropped(true, buf[:n]) {
				back.Write(buf[:n])
			}
		}
	}()

	go func() {
		buf := make([]byte, PacketSize)
		for {
			n, err := back.Read(buf)
			if err != nil {
				return
			}

			mu.Lock()
			addr := client
			mu.Unlock()

			if addr != nil && !dropped(false, buf[:n]) {
				front.WriteTo(buf[:n], addr)
			}
		}
	}()

	return front.LocalAddr().String()
}

// dropFirst drops the first packet match accepts.
func dropFirst(match func(toServer bool, p Packet) bool) func(bool, Packet) bool {
	done := false

	return func(toServer bool, p Packet) bool {
		if done || !match(toServer, p) {
			return false
		}

		done = true

		return true
	}
}

func TestRetransmissionRecoversLostPacket(t *testing.T) {
	lastSeqs := make(map[uint64]bool)

	tests := []struct {
		name   string
		upload bool
		drop   func(toServer bool, p Packet) bool
	}{
		{
			name: "lost request",
			drop: func(toServer bool, p Packet) bool {
				return toServer && p.Type == KindLast
			},
		},
		{
			name: "lost ack",
			drop: func(toServer bool, p Packet) bool {
				if toServer && p.Type == KindLast {
					lastSeqs[p.Seq] = true
					return false
				}

				return !toServer && p.Type == KindAck && lastSeqs[p.Seq]
			},
		},
		{
			name:   "lost data chunk",
			upload: true,
			drop: func(toServer bool, p Packet) bool {
				return toServer && p.Type == KindData
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := lossyProxy(t, startServer(t), dropFirst(tt.drop))

			cfg := DefaultClientConfig()
			cfg.Addr = addr
			cfg.AckTimeout = 100 * time.Millisecond

			c := NewClient(cfg, discardLogger())
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("connect: %v", err)
			}
			defer c.Close()

			if tt.upload {
				got, err := c.Upload(context.Background(), "f.txt", bytes.Repeat([]byte("X"), 3000))
				if err != nil {
					t.Fatalf("upload: %v", err)
				}
				if !strings.Contains(got, "Received f.txt (3000 bytes)") {
					t.Errorf("upload reply = %q", got)
				}

				return
			}

			got, err := c.Execute(context.Background(), "echo recovered")
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if got != "recovered\r\n$ " {
				t.Errorf("reply = %q", got)
			}
		})
	}
}
