package relay

// reportActive walks the active list and emits one diagnostic snapshot.
// Cost is linear in the number of live halves; nothing is emitted while
// no connection exists.
func (r *Reactor) reportActive() {
	if r.reg.active.Len() == 0 {
		return
	}
	r.sink.Logf("Active connections: [")
	for e := r.reg.active.Front(); e != nil; e = e.Next() {
		h := e.Value.(*half)
		sibFD := -1
		if h.sibling != nil {
			sibFD = h.sibling.fd
		}
		r.sink.Rawf("  fd=%d sibling=%d %s connect=%t read=%t write=%t %s -> %s bytes=%d",
			h.fd, sibFD, h.dir,
			h.waitingForConnect, h.waitingForRead, h.waitingForWrite,
			h.from, h.to, h.bytesTransferred())
	}
	r.sink.Rawf("]")
}
