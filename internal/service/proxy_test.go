package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"host-smuggler/internal/client"
	"host-smuggler/internal/config"
	"host-smuggler/internal/metrics"
	"host-smuggler/internal/pump"
)

type fakeUpstream struct {
	ln       net.Listener
	accepted *atomic.Int64
}

// startUpstream runs handle for every connection accepted on a loopback port.
func startUpstream(t *testing.T, handle func(net.Conn)) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &fakeUpstream{ln: ln, accepted: atomic.NewInt64(0)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			u.accepted.Inc()
			go func() {
				defer func() { _ = c.Close() }()
				handle(c)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return u
}

func (u *fakeUpstream) port() int {
	return u.ln.Addr().(*net.TCPAddr).Port
}

func testConfig(port int, header string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{Host: "127.0.0.1", Port: port, ConnectTimeoutSeconds: 2},
		Smuggle:  config.SmuggleConfig{Header: header, MaxHeaderBytes: 1024, HeaderTimeoutSeconds: 5},
		Relay:    config.RelayConfig{IdleTimeoutSeconds: 5, BufferBytes: 4096},
	}
}

func newTestHandler(cfg *config.Config, m *metrics.Metrics) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(cfg, client.NewConnector(cfg, logger, m), pump.New(cfg, logger, m), logger, m)
}

// serveOne connects a client to a fresh proxy-side socket served by h. The
// returned channel is closed when Serve returns.
func serveOne(t *testing.T, ctx context.Context, h *Handler) (*net.TCPConn, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	done := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		h.Serve(ctx, c)
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*net.TCPConn), done
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("Serve() did not return within %v", within)
	}
}

func readAll(t *testing.T, c net.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestServe_RewritesAndRelays(t *testing.T) {
	tests := []struct {
		name   string
		header string
		chunks []string
		want   string
	}{
		{
			name:   "smuggled header becomes Host",
			header: "X-Smuggled-Host",
			chunks: []string{"GET / HTTP/1.1\r\nX-Smuggled-Host: app.example.com\r\n\r\n"},
			want:   "GET / HTTP/1.1\r\nHost: app.example.com\r\n\r\n",
		},
		{
			name:   "mesh Host replaced",
			header: "X-Smuggle-Host",
			chunks: []string{"GET /a HTTP/1.1\r\nHost: svc.mesh\r\nX-Smuggle-Host: real.example\r\nAccept: */*\r\n\r\n"},
			want:   "GET /a HTTP/1.1\r\nHost: real.example\r\nAccept: */*\r\n\r\n",
		},
		{
			name:   "no smuggle header is byte-identical",
			header: "X-Smuggle-Host",
			chunks: []string{"GET / HTTP/1.1\r\nhost:   svc.mesh\r\nX-Odd:v \r\n\r\n"},
			want:   "GET / HTTP/1.1\r\nhost:   svc.mesh\r\nX-Odd:v \r\n\r\n",
		},
		{
			name:   "head split across writes with chunked body",
			header: "X-Smuggle-Host",
			chunks: []string{
				"POST /upload HTTP/1.1\r\nX-Smug",
				"gle-Host: up.example\r\nTransfer-Encoding: chunked\r\n\r",
				"\n5\r\nhello\r\n",
				"6\r\n world\r\n0\r\n\r\n",
			},
			want: "POST /upload HTTP/1.1\r\nHost: up.example\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n",
		},
		{
			name:   "pipelined second request is relayed untouched",
			header: "X-Smuggle-Host",
			chunks: []string{
				"GET /1 HTTP/1.1\r\nX-Smuggle-Host: a\r\n\r\nGET /2 HTTP/1.1\r\nX-Smuggle-Host: b\r\n\r\n",
			},
			want: "GET /1 HTTP/1.1\r\nHost: a\r\n\r\nGET /2 HTTP/1.1\r\nX-Smuggle-Host: b\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan string, 1)
			up := startUpstream(t, func(c net.Conn) {
				b, _ := io.ReadAll(c)
				received <- string(b)
				_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			})

			m := metrics.New()
			h := newTestHandler(testConfig(up.port(), tt.header), m)
			conn, done := serveOne(t, context.Background(), h)

			for _, chunk := range tt.chunks {
				if _, err := conn.Write([]byte(chunk)); err != nil {
					t.Fatal(err)
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err := conn.CloseWrite(); err != nil {
				t.Fatal(err)
			}

			if got := readAll(t, conn); got != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
				t.Errorf("client received %q", got)
			}
			select {
			case got := <-received:
				if got != tt.want {
					t.Errorf("upstream received %q, want %q", got, tt.want)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("upstream received nothing")
			}
			waitDone(t, done, 5*time.Second)
		})
	}
}

func TestServe_MalformedRequest(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"garbage request line", "BROKEN\r\n\r\n"},
		{"obsolete folding", "GET / HTTP/1.1\r\nX-A: 1\r\n  folded\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nnocolon\r\n\r\n"},
		{"truncated head", "GET / HTTP/1.1\r\nX-A: 1\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := startUpstream(t, func(net.Conn) {})
			m := metrics.New()
			h := newTestHandler(testConfig(up.port(), "X-Smuggle-Host"), m)
			conn, done := serveOne(t, context.Background(), h)

			_, _ = conn.Write([]byte(tt.in))
			_ = conn.CloseWrite()

			got := readAll(t, conn)
			if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") {
				t.Errorf("response = %q, want a 400", got)
			}
			if !strings.Contains(got, "Connection: close\r\n") || !strings.Contains(got, "error id: ") {
				t.Errorf("response = %q, want Connection: close and an error id", got)
			}
			waitDone(t, done, 5*time.Second)

			if n := up.accepted.Load(); n != 0 {
				t.Errorf("upstream accepted %d connections, want 0", n)
			}
			if v := counterValue(t, m, ResultMalformedRequest); v != 1 {
				t.Errorf("malformed_request count = %v, want 1", v)
			}
		})
	}
}

func TestServe_HeaderTooLarge(t *testing.T) {
	up := startUpstream(t, func(net.Conn) {})
	h := newTestHandler(testConfig(up.port(), "X-Smuggle-Host"), nil)
	conn, done := serveOne(t, context.Background(), h)

	go func() {
		_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 4096) + "\r\n\r\n"))
	}()

	// The proxy stops reading once the bound is hit; the connection must end
	// promptly whether or not the 400 makes it through.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.ReadAll(conn)
	waitDone(t, done, 5*time.Second)

	if n := up.accepted.Load(); n != 0 {
		t.Errorf("upstream accepted %d connections, want 0", n)
	}
}

func TestServe_UpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := metrics.New()
	h := newTestHandler(testConfig(port, "X-Smuggle-Host"), m)
	conn, done := serveOne(t, context.Background(), h)

	start := time.Now()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nX-Smuggle-Host: a\r\n\r\n"))

	got := readAll(t, conn)
	if !strings.HasPrefix(got, "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Errorf("response = %q, want a 502", got)
	}
	waitDone(t, done, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("took %v, want within the connect timeout", elapsed)
	}
	if v := counterValue(t, m, ResultUpstreamUnreachable); v != 1 {
		t.Errorf("upstream_unreachable count = %v, want 1", v)
	}
}

func TestServe_ClientClosesWithoutData(t *testing.T) {
	up := startUpstream(t, func(net.Conn) {})
	m := metrics.New()
	h := newTestHandler(testConfig(up.port(), "X-Smuggle-Host"), m)
	conn, done := serveOne(t, context.Background(), h)

	_ = conn.Close()
	waitDone(t, done, 5*time.Second)

	if n := up.accepted.Load(); n != 0 {
		t.Errorf("upstream accepted %d connections, want 0", n)
	}
	if v := counterValue(t, m, ResultClientClosed); v != 1 {
		t.Errorf("client_closed count = %v, want 1", v)
	}
}

func TestServe_HeaderTimeout(t *testing.T) {
	up := startUpstream(t, func(net.Conn) {})
	cfg := testConfig(up.port(), "X-Smuggle-Host")
	cfg.Smuggle.HeaderTimeoutSeconds = 1
	h := newTestHandler(cfg, nil)
	conn, done := serveOne(t, context.Background(), h)

	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\n"))

	got := readAll(t, conn)
	if !strings.HasPrefix(got, "HTTP/1.1 408 Request Timeout\r\n") {
		t.Errorf("response = %q, want a 408", got)
	}
	waitDone(t, done, 5*time.Second)
}

func TestServe_ConcurrentClientsNoCrossTalk(t *testing.T) {
	// The upstream answers with the Host it was asked for.
	up := startUpstream(t, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		body := "host=" + req.Host
		_, _ = fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	})
	h := newTestHandler(testConfig(up.port(), "X-Smuggle-Host"), nil)

	const clients = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		i := i
		conn, done := serveOne(t, context.Background(), h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := fmt.Sprintf("client-%d.example", i)
			_, _ = fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: svc.mesh\r\nX-Smuggle-Host: %s\r\n\r\n", host)

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, err := io.ReadAll(conn)
			if err != nil {
				errs <- fmt.Errorf("client %d: %w", i, err)
				return
			}
			if !strings.HasSuffix(string(b), "host="+host) {
				errs <- fmt.Errorf("client %d received %q", i, b)
			}
			_ = conn.Close()
			<-done
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServe_ContextCancelClosesConnection(t *testing.T) {
	up := startUpstream(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	h := newTestHandler(testConfig(up.port(), "X-Smuggle-Host"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	conn, done := serveOne(t, ctx, h)
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nX-Smuggle-Host: a\r\n\r\n"))

	time.Sleep(100 * time.Millisecond)
	cancel()
	waitDone(t, done, 5*time.Second)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("client read succeeded; expected the connection to be closed")
	}
}

func TestServe_HeadSpansManyReads(t *testing.T) {
	received := make(chan string, 1)
	up := startUpstream(t, func(c net.Conn) {
		b, _ := io.ReadAll(c)
		received <- string(b)
	})

	// Buffers smaller than the head force it to be assembled over many reads.
	cfg := testConfig(up.port(), "X-Smuggle-Host")
	cfg.Relay.BufferBytes = 16
	h := newTestHandler(cfg, nil)
	conn, done := serveOne(t, context.Background(), h)

	in := "GET /long/path HTTP/1.1\r\nAccept: */*\r\nX-Smuggle-Host: backend.example\r\nUser-Agent: test\r\n\r\nbody"
	want := "GET /long/path HTTP/1.1\r\nAccept: */*\r\nHost: backend.example\r\nUser-Agent: test\r\n\r\nbody"
	if _, err := conn.Write([]byte(in)); err != nil {
		t.Fatal(err)
	}
	_ = conn.CloseWrite()

	select {
	case got := <-received:
		if got != want {
			t.Errorf("upstream received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream received nothing")
	}
	_ = conn.Close()
	waitDone(t, done, 5*time.Second)
}

func TestSession_ForwardBounded(t *testing.T) {
	tests := []struct {
		name          string
		headerTimeout time.Duration
		cancelAfter   time.Duration
	}{
		{"write deadline", 200 * time.Millisecond, 0},
		{"context canceled", 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientSide, clientApp := net.Pipe()
			upstream, upstreamApp := net.Pipe()
			t.Cleanup(func() {
				_ = clientSide.Close()
				_ = clientApp.Close()
				_ = upstream.Close()
				_ = upstreamApp.Close()
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelAfter > 0 {
				time.AfterFunc(tt.cancelAfter, cancel)
			}

			// Nothing reads upstreamApp, so every write to upstream blocks.
			s := &session{h: &Handler{headerTimeout: tt.headerTimeout}, client: clientSide}
			errc := make(chan error, 1)
			go func() {
				errc <- s.forward(ctx, upstream, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil)
			}()

			select {
			case err := <-errc:
				if err == nil {
					t.Error("forward() error = nil, want the blocked write to fail")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("forward() did not return while upstream was not reading")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAccepted, "accepted"},
		{StateParsingHead, "parsing_head"},
		{StateConnecting, "connecting"},
		{StateForwardingHead, "forwarding_head"},
		{StatePumping, "pumping"},
		{StateClosed, "closed"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
		{State(-1), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
			}
		})
	}
}

// counterValue returns connections_total for the given result label.
func counterValue(t *testing.T, m *metrics.Metrics, result string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "host_smuggler_connections_total" {
			continue
		}
		for _, sample := range f.GetMetric() {
			for _, l := range sample.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return sample.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
