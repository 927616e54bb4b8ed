// Package relay implements the proxy core: the single-goroutine reactor
// that accepts clients, drives outbound connects, installs the relay
// (kernel splice where the platform has one, a userspace pump otherwise)
// and tears connection pairs down through a deferred-destruction pass.
package relay

import (
	"errors"
	"fmt"

	"github.com/bassosimone/runtimex"
	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"github.com/webitel/tcp-relay-proxy/infra/poller"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
	"github.com/webitel/tcp-relay-proxy/internal/upstream"
)

type listener struct {
	fd   int
	addr socket.AddrPort
}

// periodicReporter and shutdownNote are dispatch tags with no state of
// their own; the reactor routes on their type.
type periodicReporter struct{}

type shutdownNote struct{}

// Reactor owns every connection pair and the event loop that drives them.
// All fields are confined to the loop goroutine once Run starts; the only
// outside entry point is Shutdown, which goes through the wakeup pipe.
type Reactor struct {
	cfg    *config.ProxyConfig
	events poller.EventSource
	pool   *upstream.Pool
	sink   *logger.Sink

	listeners []*listener
	reg       registry

	reporter periodicReporter
	shutdown shutdownNote
	stopping bool

	wakeR, wakeW int

	acceptBurst int
	buf         []byte
}

func New(cfg *config.ProxyConfig, events poller.EventSource, pool *upstream.Pool, sink *logger.Sink, opts ...Option) *Reactor {
	r := &Reactor{
		cfg:         cfg,
		events:      events,
		pool:        pool,
		sink:        sink,
		reg:         newRegistry(),
		wakeR:       -1,
		wakeW:       -1,
		acceptBurst: defaultAcceptBurst,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.buf == nil {
		r.buf = make([]byte, defaultPumpBufferSize)
	}
	return r
}

// Bind installs every listener, the wakeup pipe and, when configured, the
// periodic diagnostic timer.
func (r *Reactor) Bind() error {
	for _, ep := range r.cfg.Upstreams {
		r.sink.Logf("remote address = %s", ep.Display)
	}
	r.sink.Logf("connect timeout milliseconds = %d", r.cfg.ConnectTimeout.Milliseconds())

	for _, ep := range r.cfg.Listeners {
		fd, err := socket.NewStreamSocket(ep.AddrPort.Addr())
		if err != nil {
			return fmt.Errorf("creating listen socket %s: %w", ep.Display, err)
		}
		if err := socket.SetReuseAddr(fd); err != nil {
			socket.Close(fd)
			return fmt.Errorf("setting address reuse on %s: %w", ep.Display, err)
		}
		if err := socket.Bind(fd, ep.AddrPort); err != nil {
			socket.Close(fd)
			return fmt.Errorf("binding %s: %w", ep.Display, err)
		}
		if err := socket.Listen(fd); err != nil {
			socket.Close(fd)
			return fmt.Errorf("listening on %s: %w", ep.Display, err)
		}
		addr, err := socket.LocalAddrPort(fd)
		if err != nil {
			socket.Close(fd)
			return fmt.Errorf("reading bound address of %s: %w", ep.Display, err)
		}
		l := &listener{fd: fd, addr: addr}
		r.listeners = append(r.listeners, l)
		r.sink.Logf("listening on %s (fd=%d)", addr, fd)
		r.events.ArmRead(fd, l)
	}

	rp, wp, err := socket.Pipe()
	if err != nil {
		return fmt.Errorf("creating wakeup pipe: %w", err)
	}
	r.wakeR, r.wakeW = rp, wp
	r.events.ArmRead(rp, &r.shutdown)

	if r.cfg.PeriodicInterval > 0 {
		r.events.ArmPeriodicTimer(poller.PeriodicTimerID, &r.reporter, r.cfg.PeriodicInterval)
	}
	return nil
}

// ListenerAddrs reports the bound listener addresses; with port 0
// listeners this is the only way to learn the chosen ports.
func (r *Reactor) ListenerAddrs() []string {
	addrs := make([]string, 0, len(r.listeners))
	for _, l := range r.listeners {
		addrs = append(addrs, l.addr.String())
	}
	return addrs
}

// Shutdown asks the loop to stop. Safe to call from any goroutine.
func (r *Reactor) Shutdown() {
	socket.Write(r.wakeW, []byte{0})
}

// Run executes the event loop until Shutdown. Every iteration dispatches
// the whole ready batch in order and only then drains the destroy list,
// so a tag seen in the batch always refers to a live or merely-marked
// half, never a freed one. A failing Wait is an invariant violation: it is
// logged and the reactor panics.
func (r *Reactor) Run() error {
	for {
		batch, err := r.events.Wait()
		if err != nil {
			r.sink.Logf("event source wait failed: %v", err)
			r.sink.Flush()
			panic(err)
		}
		for _, ev := range batch {
			switch tag := ev.Tag.(type) {
			case *listener:
				r.onListenerReady(tag)
			case *half:
				r.onHalfReady(tag, ev.Kind)
			case *periodicReporter:
				r.reportActive()
			case *shutdownNote:
				r.onShutdownNote()
			}
		}
		r.drainDestroyed()
		if r.stopping {
			r.teardown()
			return nil
		}
	}
}

func (r *Reactor) onShutdownNote() {
	var buf [8]byte
	socket.Read(r.wakeR, buf[:])
	r.stopping = true
}

// teardown closes everything on the way out; no orderly drain is owed to
// in-flight pairs.
func (r *Reactor) teardown() {
	for e := r.reg.active.Front(); e != nil; e = r.reg.active.Front() {
		h := e.Value.(*half)
		r.reg.mark(h)
		r.reg.mark(h.sibling)
	}
	r.drainDestroyed()
	for _, l := range r.listeners {
		r.events.DisarmRead(l.fd)
		socket.Close(l.fd)
	}
	r.events.DisarmRead(r.wakeR)
	socket.Close(r.wakeR)
	socket.Close(r.wakeW)
	r.events.Close()
	r.sink.Flush()
}

// onListenerReady accepts a burst of inbound connections, capped so a
// flood on one listener cannot monopolize the iteration.
func (r *Reactor) onListenerReady(l *listener) {
	for n := 0; n < r.acceptBurst; n++ {
		fd, peer, err := socket.Accept(l.fd)
		if err != nil {
			if !socket.IsWouldBlock(err) {
				r.sink.Logf("accept error on %s: %v", l.addr, err)
			}
			return
		}
		r.sink.Logf("accept fd=%d", fd)
		r.handleNewClient(fd, peer)
	}
}

// handleNewClient builds a connection pair for one accepted socket. Any
// failure before the pair enters the active list closes the sockets
// directly; deferred destruction only applies to registered pairs.
func (r *Reactor) handleNewClient(fd int, peer socket.AddrPort) {
	local, err := socket.LocalAddrPort(fd)
	if err != nil {
		r.sink.Logf("getsockname error fd=%d: %v", fd, err)
		socket.Close(fd)
		return
	}
	r.sink.Logf("connect client to proxy %s -> %s (fd=%d)", peer, local, fd)

	sel := r.pool.Pick()
	r.sink.Logf("using remote endpoint %s (index=%d)", sel.Endpoint.Display, sel.Index)

	rfd, err := socket.NewStreamSocket(sel.Endpoint.AddrPort.Addr())
	if err != nil {
		r.sink.Logf("error creating remote socket: %v", err)
		socket.Close(fd)
		sel.Done(false)
		return
	}

	status, err := socket.Connect(rfd, sel.Endpoint.AddrPort)
	if err != nil {
		r.sink.Logf("remote socket connect error fd=%d: %v", rfd, err)
		socket.Close(rfd)
		socket.Close(fd)
		sel.Done(false)
		return
	}

	outLocal, err := socket.LocalAddrPort(rfd)
	if err != nil {
		r.sink.Logf("getsockname error fd=%d: %v", rfd, err)
		socket.Close(rfd)
		socket.Close(fd)
		sel.Done(false)
		return
	}

	client := &half{fd: fd, dir: clientToProxy, from: peer, to: local}
	remote := &half{fd: rfd, dir: proxyToRemote, from: outLocal, to: sel.Endpoint.Display}
	client.sibling, remote.sibling = remote, client

	switch status {
	case socket.ConnectDone:
		r.sink.Logf("connect complete proxy to remote %s -> %s (fd=%d)", outLocal, sel.Endpoint.Display, rfd)
		if err := r.setupRelay(client, remote); err != nil {
			r.sink.Logf("splice setup error fd=%d: %v", rfd, err)
			sel.Done(false)
			socket.Close(rfd)
			socket.Close(fd)
			return
		}
		sel.Done(true)
	case socket.ConnectInProgress:
		remote.waitingForConnect = true
		remote.connectDone = sel.Done
		r.sink.Logf("connect starting proxy to remote %s -> %s (fd=%d)", outLocal, sel.Endpoint.Display, rfd)
	}

	r.armHalf(client)
	r.armHalf(remote)
	r.reg.insert(client)
	r.reg.insert(remote)
}

// setupRelay puts an established pair into the relaying state: kernel
// splice when the platform offers it, the userspace pump otherwise. The
// waiting flags are only touched on success.
func (r *Reactor) setupRelay(a, b *half) error {
	err := socket.SetBidirectionalSplice(a.fd, b.fd)
	switch {
	case err == nil:
		a.spliced, b.spliced = true, true
	case errors.Is(err, socket.ErrSpliceUnsupported):
		// pump mode: the reactor moves the bytes itself
	default:
		return err
	}
	a.waitingForRead, b.waitingForRead = true, true
	return nil
}

// armHalf registers the events matching the half's waiting flags.
func (r *Reactor) armHalf(h *half) {
	if h.waitingForConnect {
		r.events.ArmWriteWithTimeout(h.fd, h, r.cfg.ConnectTimeout)
	}
	if h.waitingForRead {
		r.events.ArmRead(h.fd, h)
	}
	if h.waitingForWrite {
		r.events.ArmWrite(h.fd, h)
	}
}

// onHalfReady is the per-half ready handler. A half whose pair was
// destroyed by an earlier event in the same batch is already marked and
// ignored here.
func (r *Reactor) onHalfReady(h *half, kind poller.Kind) {
	if h.marked {
		return
	}
	switch kind {
	case poller.KindRead:
		r.onHalfReadable(h)
	case poller.KindWrite:
		r.onHalfWritable(h)
	case poller.KindTimer:
		r.onHalfTimeout(h)
	}
}

// onHalfReadable fires for relaying halves only. With the kernel splice
// in place the process never reads these sockets, so readability can only
// mean the connection is no longer healthy; in pump mode it is the pump
// trigger.
func (r *Reactor) onHalfReadable(h *half) {
	if !h.waitingForRead {
		return
	}
	if h.spliced {
		r.sink.Logf("splice read error fd=%d", h.fd)
		r.markPair(h)
		return
	}
	r.pumpRead(h)
}

func (r *Reactor) onHalfWritable(h *half) {
	if h.waitingForConnect {
		r.resolveConnect(h)
		return
	}
	if h.waitingForWrite {
		r.pumpFlush(h)
	}
}

// resolveConnect inspects the pending socket error of an in-progress
// connect and either keeps waiting, fails the pair, or moves both halves
// into the relaying state.
func (r *Reactor) resolveConnect(h *half) {
	sib := h.sibling
	runtimex.Assert(sib != nil)

	pending, err := socket.SocketError(h.fd)
	if err != nil {
		r.sink.Logf("getsockopt error fd=%d: %v", h.fd, err)
		r.markPair(h)
		return
	}
	if pending != nil {
		if socket.IsInProgress(pending) {
			return
		}
		r.sink.Logf("async remote connect error fd=%d: %v", h.fd, pending)
		r.markPair(h)
		return
	}

	r.sink.Logf("connect complete proxy to remote %s -> %s (fd=%d)", h.from, h.to, h.fd)

	// The breaker only hears success once the relay is in place; a
	// splice setup failure leaves connectDone pending so the destruction
	// pass reports the failure.
	if err := r.setupRelay(h, sib); err != nil {
		r.sink.Logf("splice setup error fd=%d: %v", h.fd, err)
		r.markPair(h)
		return
	}
	if h.connectDone != nil {
		h.connectDone(true)
		h.connectDone = nil
	}

	r.events.DisarmWriteWithTimeout(h.fd)
	h.waitingForConnect = false
	r.events.ArmRead(h.fd, h)
	r.events.ArmRead(sib.fd, sib)
}

func (r *Reactor) onHalfTimeout(h *half) {
	if !h.waitingForConnect {
		return
	}
	r.sink.Logf("connect timeout fd=%d", h.fd)
	r.markPair(h)
}

// markPair schedules both halves for destruction at end of iteration.
func (r *Reactor) markPair(h *half) {
	r.reg.mark(h)
	r.reg.mark(h.sibling)
}

// drainDestroyed runs the destruction pass. It executes after the whole
// batch has been dispatched, never in the middle of it.
func (r *Reactor) drainDestroyed() {
	for e := r.reg.destroy.Front(); e != nil; e = r.reg.destroy.Front() {
		r.reg.destroy.Remove(e)
		r.destroyHalf(e.Value.(*half))
	}
}

// destroyHalf releases one half: disarm by flag, close, log the
// disconnect record, unlink from the sibling.
func (r *Reactor) destroyHalf(h *half) {
	if h.waitingForConnect {
		r.events.DisarmWriteWithTimeout(h.fd)
	}
	if h.waitingForRead {
		r.events.DisarmRead(h.fd)
	}
	if h.waitingForWrite {
		r.events.DisarmWrite(h.fd)
	}
	h.waitingForConnect, h.waitingForRead, h.waitingForWrite = false, false, false

	if h.connectDone != nil {
		h.connectDone(false)
		h.connectDone = nil
	}

	bytes := h.bytesTransferred()
	socket.Close(h.fd)
	r.sink.Logf("disconnect %s %s -> %s (fd=%d,bytes=%d)", h.dir, h.from, h.to, h.fd, bytes)

	if sib := h.sibling; sib != nil {
		sib.sibling = nil
	}
	h.sibling = nil
	h.out = nil
}
