package relay

import (
	"github.com/bassosimone/runtimex"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
)

const (
	defaultAcceptBurst    = 100
	defaultPumpBufferSize = 64 * 1024
)

// pumpRead drains a readable half into its sibling. A partial write
// stashes the remainder on the sibling, arms the sibling for write and
// disarms this half's read until the stash flushes (backpressure).
func (r *Reactor) pumpRead(h *half) {
	sib := h.sibling
	runtimex.Assert(sib != nil)

	for {
		n, err := socket.Read(h.fd, r.buf)
		if err != nil {
			if socket.IsWouldBlock(err) {
				return
			}
			r.sink.Logf("relay read error fd=%d: %v", h.fd, err)
			r.markPair(h)
			return
		}
		if n == 0 {
			// end of stream
			r.markPair(h)
			return
		}
		h.bytes += int64(n)

		w := 0
		for w < n {
			m, werr := socket.Write(sib.fd, r.buf[w:n])
			if werr != nil {
				if socket.IsWouldBlock(werr) {
					break
				}
				r.sink.Logf("relay write error fd=%d: %v", sib.fd, werr)
				r.markPair(h)
				return
			}
			w += m
		}
		if w < n {
			sib.out = append(sib.out, r.buf[w:n]...)
			r.events.DisarmRead(h.fd)
			h.waitingForRead = false
			if !sib.waitingForWrite {
				r.events.ArmWrite(sib.fd, sib)
				sib.waitingForWrite = true
			}
			return
		}
		if n < len(r.buf) {
			// Short read: the socket is likely drained. Level-triggered
			// readiness re-fires if not.
			return
		}
	}
}

// pumpFlush writes out the stashed bytes of a writable half; once empty
// the sibling resumes reading.
func (r *Reactor) pumpFlush(h *half) {
	for len(h.out) > 0 {
		n, err := socket.Write(h.fd, h.out)
		if err != nil {
			if socket.IsWouldBlock(err) {
				return
			}
			r.sink.Logf("relay write error fd=%d: %v", h.fd, err)
			r.markPair(h)
			return
		}
		h.out = h.out[n:]
	}
	h.out = nil
	r.events.DisarmWrite(h.fd)
	h.waitingForWrite = false

	if sib := h.sibling; sib != nil && !sib.marked && !sib.waitingForRead {
		r.events.ArmRead(sib.fd, sib)
		sib.waitingForRead = true
	}
}
