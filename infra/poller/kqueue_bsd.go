//go:build darwin || freebsd || openbsd || dragonfly

package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"golang.org/x/sys/unix"
)

// kqueueSource implements EventSource over kqueue. Timers are native
// EVFILT_TIMER registrations keyed by the same ident as the descriptor
// they guard (or by the reserved periodic ident).
type kqueueSource struct {
	kq   int
	sink *logger.Sink

	regs map[uint64]*kqueueReg

	// kbuf is the kevent result array: doubling growth, never shrunk.
	kbuf    []unix.Kevent_t
	nevents int
	ready   []Ready
}

type kqueueReg struct {
	id    int
	tag   any
	read  bool
	write bool
	timer bool
}

// New opens the platform event source.
func New(sink *logger.Sink) (EventSource, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	sink.Logf("created kqueue (fd=%d)", kq)
	return &kqueueSource{
		kq:    kq,
		sink:  sink,
		regs:  make(map[uint64]*kqueueReg),
		kbuf:  make([]unix.Kevent_t, minResultCapacity),
		ready: make([]Ready, 0, minResultCapacity),
	}, nil
}

func (s *kqueueSource) fatalf(format string, args ...any) {
	s.sink.Logf(format, args...)
	s.sink.Flush()
	panic(fmt.Sprintf(format, args...))
}

// identFor maps a consumer id onto a kqueue ident. Descriptors map to
// themselves; the negative reserved ids land far above any descriptor.
func identFor(id int) uint64 {
	return uint64(uint32(id))
}

// kevent restarts on signal interruption. A restart cannot atomically
// continue with the original timeout, so it uses a zero timeout instead:
// waiting too long is worse than not waiting long enough.
func (s *kqueueSource) kevent(changes, events []unix.Kevent_t, timeout *unix.Timespec) (int, error) {
	for {
		n, err := unix.Kevent(s.kq, changes, events, timeout)
		if errors.Is(err, unix.EINTR) {
			timeout = &unix.Timespec{}
			continue
		}
		return n, err
	}
}

func (s *kqueueSource) change(id int, filter, flags int, data int64) error {
	var kev [1]unix.Kevent_t
	unix.SetKevent(&kev[0], int(identFor(id)), filter, flags)
	kev[0].Data = data
	_, err := s.kevent(kev[:], nil, &unix.Timespec{})
	return err
}

func (s *kqueueSource) reg(id int, tag any) *kqueueReg {
	ident := identFor(id)
	reg, ok := s.regs[ident]
	if !ok {
		reg = &kqueueReg{id: id}
		s.regs[ident] = reg
	}
	reg.tag = tag
	return reg
}

func (s *kqueueSource) drop(id int) {
	ident := identFor(id)
	reg, ok := s.regs[ident]
	if !ok {
		return
	}
	if !reg.read && !reg.write && !reg.timer {
		delete(s.regs, ident)
	}
}

func (s *kqueueSource) resize() {
	for s.nevents > len(s.kbuf) {
		s.kbuf = make([]unix.Kevent_t, 2*len(s.kbuf))
	}
}

func (s *kqueueSource) ArmRead(fd int, tag any) {
	reg := s.reg(fd, tag)
	if reg.read {
		return
	}
	if err := s.change(fd, unix.EVFILT_READ, unix.EV_ADD, 0); err != nil {
		s.fatalf("kevent add read event error fd=%d: %v", fd, err)
	}
	reg.read = true
	s.nevents++
	s.resize()
}

func (s *kqueueSource) DisarmRead(fd int) {
	reg, ok := s.regs[identFor(fd)]
	if !ok || !reg.read {
		return
	}
	if err := s.change(fd, unix.EVFILT_READ, unix.EV_DELETE, 0); err != nil {
		s.fatalf("kevent remove read event error fd=%d: %v", fd, err)
	}
	reg.read = false
	s.nevents--
	s.drop(fd)
}

func (s *kqueueSource) ArmWrite(fd int, tag any) {
	reg := s.reg(fd, tag)
	if reg.write {
		return
	}
	if err := s.change(fd, unix.EVFILT_WRITE, unix.EV_ADD, 0); err != nil {
		s.fatalf("kevent add write event error fd=%d: %v", fd, err)
	}
	reg.write = true
	s.nevents++
	s.resize()
}

func (s *kqueueSource) DisarmWrite(fd int) {
	reg, ok := s.regs[identFor(fd)]
	if !ok || !reg.write {
		return
	}
	if err := s.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE, 0); err != nil {
		s.fatalf("kevent remove write event error fd=%d: %v", fd, err)
	}
	reg.write = false
	s.nevents--
	s.drop(fd)
}

func (s *kqueueSource) ArmWriteWithTimeout(fd int, tag any, timeout time.Duration) {
	s.ArmWrite(fd, tag)
	reg := s.reg(fd, tag)
	if reg.timer {
		return
	}
	if err := s.change(fd, unix.EVFILT_TIMER, unix.EV_ADD, timeout.Milliseconds()); err != nil {
		s.fatalf("kevent add timeout event error fd=%d: %v", fd, err)
	}
	reg.timer = true
	s.nevents++
	s.resize()
}

func (s *kqueueSource) DisarmWriteWithTimeout(fd int) {
	s.DisarmWrite(fd)
	reg, ok := s.regs[identFor(fd)]
	if !ok || !reg.timer {
		return
	}
	if err := s.change(fd, unix.EVFILT_TIMER, unix.EV_DELETE, 0); err != nil {
		s.fatalf("kevent remove timeout event error fd=%d: %v", fd, err)
	}
	reg.timer = false
	s.nevents--
	s.drop(fd)
}

func (s *kqueueSource) ArmPeriodicTimer(id int, tag any, period time.Duration) {
	reg := s.reg(id, tag)
	if reg.timer {
		return
	}
	if err := s.change(id, unix.EVFILT_TIMER, unix.EV_ADD, period.Milliseconds()); err != nil {
		s.fatalf("kevent add periodic timer error id=%d: %v", id, err)
	}
	reg.timer = true
	s.nevents++
	s.resize()
}

func (s *kqueueSource) Wait() ([]Ready, error) {
	for {
		n, err := s.kevent(nil, s.kbuf, nil)
		if err != nil {
			return nil, fmt.Errorf("kevent wait: %w", err)
		}

		s.ready = s.ready[:0]
		for i := 0; i < n; i++ {
			kev := &s.kbuf[i]
			reg, ok := s.regs[uint64(kev.Ident)]
			if !ok {
				continue
			}
			var kind Kind
			switch kev.Filter {
			case unix.EVFILT_READ:
				kind = KindRead
			case unix.EVFILT_WRITE:
				kind = KindWrite
			case unix.EVFILT_TIMER:
				kind = KindTimer
			default:
				continue
			}
			s.ready = append(s.ready, Ready{ID: reg.id, Tag: reg.tag, Kind: kind})
		}

		if n == len(s.kbuf) {
			s.kbuf = make([]unix.Kevent_t, 2*len(s.kbuf))
		}

		if len(s.ready) > 0 {
			return s.ready, nil
		}
	}
}

func (s *kqueueSource) Close() error {
	return unix.Close(s.kq)
}
