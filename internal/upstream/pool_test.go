package upstream

import (
	"fmt"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
)

func testEndpoints(n int) []config.Endpoint {
	eps := make([]config.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		port := 9000 + i
		eps = append(eps, config.Endpoint{
			AddrPort: netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:%d", port)),
			Display:  socket.AddrPort{Addr: "127.0.0.1", Port: fmt.Sprintf("%d", port)},
		})
	}
	return eps
}

func testPool(n int) *Pool {
	cfg := &config.ProxyConfig{Upstreams: testEndpoints(n)}
	return New(cfg, logger.NewSlog(logger.New(io.Discard, false)))
}

func TestPickFollowsSelectionSource(t *testing.T) {
	p := testPool(3)
	next := 0
	p.intn = func(n int) int {
		require.Equal(t, 3, n)
		return next
	}

	for _, want := range []int{0, 1, 2, 1} {
		next = want
		sel := p.Pick()
		require.Equal(t, want, sel.Index)
		require.Equal(t, p.entries[want].endpoint, sel.Endpoint)
		sel.Done(true)
	}
}

func TestPickSpreadsOverPool(t *testing.T) {
	p := testPool(3)
	counts := make(map[int]int)
	for i := 0; i < 3000; i++ {
		sel := p.Pick()
		counts[sel.Index]++
		sel.Done(true)
	}
	for i := 0; i < 3; i++ {
		require.Greater(t, counts[i], 700, "index %d starved: %v", i, counts)
	}
}

func TestSingleEndpointSurvivesOpenBreaker(t *testing.T) {
	p := testPool(1)

	// Default gobreaker trips after more than five consecutive failures.
	for i := 0; i < 6; i++ {
		sel := p.Pick()
		require.Equal(t, 0, sel.Index)
		sel.Done(false)
	}

	sel := p.Pick()
	require.Equal(t, 0, sel.Index)
	require.NotNil(t, sel.Done)
	sel.Done(false)
}

func TestPickAvoidsOpenBreaker(t *testing.T) {
	p := testPool(2)
	p.intn = func(int) int { return 0 }

	for i := 0; i < 6; i++ {
		sel := p.Pick()
		sel.Done(false)
	}

	// With index 0 open, a forced pick of 0 must fall through to 1.
	sel := p.Pick()
	require.Equal(t, 1, sel.Index)
	sel.Done(true)
}
