package relay_test

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"github.com/webitel/tcp-relay-proxy/infra/poller"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
	"github.com/webitel/tcp-relay-proxy/internal/relay"
	"github.com/webitel/tcp-relay-proxy/internal/upstream"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func endpoint(t *testing.T, addr string) config.Endpoint {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr)
	require.NoError(t, err)
	return config.Endpoint{
		AddrPort: ap,
		Display: socket.AddrPort{
			Addr: ap.Addr().String(),
			Port: fmt.Sprintf("%d", ap.Port()),
		},
	}
}

// startProxy binds a loopback proxy and runs its reactor until test
// cleanup.
func startProxy(t *testing.T, buf *syncBuffer, upstreams []string, connectTimeout, periodic time.Duration) string {
	t.Helper()

	sink := logger.New(buf, true)
	events, err := poller.New(sink)
	require.NoError(t, err)

	cfg := &config.ProxyConfig{
		Listeners:        []config.Endpoint{endpoint(t, "127.0.0.1:0")},
		ConnectTimeout:   connectTimeout,
		PeriodicInterval: periodic,
	}
	for _, u := range upstreams {
		cfg.Upstreams = append(cfg.Upstreams, endpoint(t, u))
	}

	pool := upstream.New(cfg, logger.NewSlog(sink))
	r := relay.New(cfg, events, pool, sink)
	require.NoError(t, r.Bind())

	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		r.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
	})

	addrs := r.ListenerAddrs()
	require.Len(t, addrs, 1)
	return addrs[0]
}

// startEcho runs a loopback echo service.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// closedPort reserves a loopback port and releases it again, yielding an
// address that refuses connections.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitForLog(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), substr)
	}, 5*time.Second, 10*time.Millisecond, "log never contained %q; log:\n%s", substr, buf.String())
}

func TestRelayEchoHappyPath(t *testing.T) {
	var buf syncBuffer
	echo := startEcho(t)
	addr := startProxy(t, &buf, []string{echo}, 5*time.Second, 0)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "ping\n", string(reply))

	require.NoError(t, conn.Close())

	waitForLog(t, &buf, "disconnect client to proxy")
	waitForLog(t, &buf, "disconnect proxy to remote")

	out := buf.String()
	require.Contains(t, out, "listening on 127.0.0.1:")
	require.Contains(t, out, "accept fd=")
	require.Contains(t, out, "connect client to proxy")
	require.Contains(t, out, "connect complete proxy to remote")
	require.Equal(t, 2, strings.Count(out, "bytes=5"), "both halves relayed five bytes; log:\n%s", out)
}

func TestUpstreamRefusedTearsDownClient(t *testing.T) {
	var buf syncBuffer
	addr := startProxy(t, &buf, []string{closedPort(t)}, 5*time.Second, 0)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "client socket must be closed after the refused connect")

	waitForLog(t, &buf, "disconnect client to proxy")
	waitForLog(t, &buf, "disconnect proxy to remote")
}

func TestConnectTimeoutEnforced(t *testing.T) {
	var buf syncBuffer
	// Blackhole test network address; packets go nowhere.
	addr := startProxy(t, &buf, []string{"10.255.255.1:80"}, 100*time.Millisecond, 0)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, time.Since(start), 5*time.Second)

	waitForLog(t, &buf, "disconnect client to proxy")
	out := buf.String()
	// Some environments reject the blackhole route outright; both paths
	// must tear the pair down.
	if !strings.Contains(out, "connect timeout fd=") &&
		!strings.Contains(out, "async remote connect error") {
		t.Fatalf("expected a connect timeout or error; log:\n%s", out)
	}
}

func TestUpstreamPoolSpread(t *testing.T) {
	var buf syncBuffer
	echoA := startEcho(t)
	echoB := startEcho(t)
	echoC := startEcho(t)
	addr := startProxy(t, &buf, []string{echoA, echoB, echoC}, 5*time.Second, 0)

	for i := 0; i < 90; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write([]byte("x"))
		require.NoError(t, err)
		one := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(conn, one)
		require.NoError(t, err)
		conn.Close()
	}

	out := buf.String()
	for i := 0; i < 3; i++ {
		n := strings.Count(out, fmt.Sprintf("(index=%d)", i))
		require.Greater(t, n, 5, "upstream %d starved; log:\n%s", i, out)
	}
}

func TestAcceptBurstAllClientsServed(t *testing.T) {
	var buf syncBuffer
	echo := startEcho(t)
	addr := startProxy(t, &buf, []string{echo}, 5*time.Second, 0)

	const clients = 120
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			if _, err := conn.Write([]byte("y")); err != nil {
				errs <- err
				return
			}
			one := make([]byte, 1)
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if _, err := io.ReadFull(conn, one); err != nil {
				errs <- err
				return
			}
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestPeriodicReporterFramesActiveConnections(t *testing.T) {
	var buf syncBuffer
	echo := startEcho(t)
	addr := startProxy(t, &buf, []string{echo}, 5*time.Second, 100*time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Force the pair into the relaying state before sampling the report.
	_, err = conn.Write([]byte("z"))
	require.NoError(t, err)
	one := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, one)
	require.NoError(t, err)

	waitForLog(t, &buf, "Active connections: [")
	waitForLog(t, &buf, "]")
	require.Contains(t, buf.String(), "  fd=")
}
