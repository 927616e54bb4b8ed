package relay

import (
	"container/list"

	"github.com/webitel/tcp-relay-proxy/infra/socket"
)

type direction uint8

const (
	clientToProxy direction = iota
	proxyToRemote
)

func (d direction) String() string {
	if d == clientToProxy {
		return "client to proxy"
	}
	return "proxy to remote"
}

// half is one of the two sockets participating in a relay. Its waiting
// flags mirror the registrations armed with the event source at all
// times; the destruction pass disarms strictly by flag.
type half struct {
	fd   int
	dir  direction
	from socket.AddrPort
	to   socket.AddrPort

	waitingForConnect bool
	waitingForRead    bool
	waitingForWrite   bool
	marked            bool

	// spliced means the kernel moves the bytes; the read registration
	// then only signals that the connection is no longer healthy.
	spliced bool

	// sibling is nil once the other half has been freed.
	sibling *half

	// elem is this half's position in the active or destroy list.
	elem *list.Element

	// bytes counts bytes drained from this socket by the relay pump. In
	// spliced mode the kernel keeps the counter instead.
	bytes int64

	// out holds bytes read from the sibling that this socket could not
	// yet accept.
	out []byte

	// connectDone reports the connect outcome to the upstream pool
	// breaker. Consumed on completion; the destruction pass reports
	// failure for anything still pending.
	connectDone func(success bool)
}

// bytesTransferred is the value the disconnect record and the periodic
// report publish for this half.
func (h *half) bytesTransferred() int64 {
	if h.spliced {
		return socket.SpliceBytesTransferred(h.fd)
	}
	return h.bytes
}

// registry tracks every live half in exactly one of two intrusive lists:
// active, or scheduled for destruction at end of iteration.
type registry struct {
	active  *list.List
	destroy *list.List
}

func newRegistry() registry {
	return registry{active: list.New(), destroy: list.New()}
}

func (g *registry) insert(h *half) {
	h.elem = g.active.PushBack(h)
}

// mark moves one half from the active list to the destroy list. Callers
// mark both halves of a pair; the tag stays valid so later events in the
// current batch dispatch safely.
func (g *registry) mark(h *half) {
	if h == nil || h.marked {
		return
	}
	h.marked = true
	g.active.Remove(h.elem)
	h.elem = g.destroy.PushBack(h)
}
