//go:build linux

package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/webitel/tcp-relay-proxy/infra/logger"
	"golang.org/x/sys/unix"
)

// epollSource implements EventSource over epoll. The kernel has no per-fd
// timers here, so every timeout registration owns a timerfd that is itself
// watched for readability.
type epollSource struct {
	epfd int
	sink *logger.Sink

	// regs is keyed by the watched descriptor: sockets and timerfds alike.
	regs map[int]*epollReg

	// timers maps the consumer-visible id (socket fd, or PeriodicTimerID)
	// to its backing timerfd.
	timers map[int]int

	events []unix.EpollEvent
	ready  []Ready
}

type epollReg struct {
	id    int
	tag   any
	mask  uint32
	timer bool
}

// New opens the platform event source.
func New(sink *logger.Sink) (EventSource, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	sink.Logf("created epoll (fd=%d)", epfd)
	return &epollSource{
		epfd:   epfd,
		sink:   sink,
		regs:   make(map[int]*epollReg),
		timers: make(map[int]int),
		events: make([]unix.EpollEvent, minResultCapacity),
		ready:  make([]Ready, 0, minResultCapacity),
	}, nil
}

// fatalf reports an unrecoverable kernel registration failure.
func (s *epollSource) fatalf(format string, args ...any) {
	s.sink.Logf(format, args...)
	s.sink.Flush()
	panic(fmt.Sprintf(format, args...))
}

func (s *epollSource) arm(fd int, bits uint32, tag any) {
	reg, ok := s.regs[fd]
	if !ok {
		reg = &epollReg{id: fd, tag: tag, mask: bits}
		if err := s.ctl(unix.EPOLL_CTL_ADD, fd, reg.mask); err != nil {
			s.fatalf("epoll add error fd=%d events=%#x: %v", fd, bits, err)
		}
		s.regs[fd] = reg
		return
	}
	reg.tag = tag
	if reg.mask&bits == bits {
		return
	}
	reg.mask |= bits
	if err := s.ctl(unix.EPOLL_CTL_MOD, fd, reg.mask); err != nil {
		s.fatalf("epoll mod error fd=%d events=%#x: %v", fd, reg.mask, err)
	}
}

func (s *epollSource) disarm(fd int, bits uint32) {
	reg, ok := s.regs[fd]
	if !ok {
		return
	}
	reg.mask &^= bits
	if reg.mask == 0 {
		if err := s.ctl(unix.EPOLL_CTL_DEL, fd, 0); err != nil {
			s.fatalf("epoll del error fd=%d: %v", fd, err)
		}
		delete(s.regs, fd)
		return
	}
	if err := s.ctl(unix.EPOLL_CTL_MOD, fd, reg.mask); err != nil {
		s.fatalf("epoll mod error fd=%d events=%#x: %v", fd, reg.mask, err)
	}
}

func (s *epollSource) ctl(op, fd int, mask uint32) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: mask, Fd: int32(fd)}
	}
	return unix.EpollCtl(s.epfd, op, fd, ev)
}

func (s *epollSource) ArmRead(fd int, tag any) {
	s.arm(fd, unix.EPOLLIN, tag)
}

func (s *epollSource) DisarmRead(fd int) {
	s.disarm(fd, unix.EPOLLIN)
}

func (s *epollSource) ArmWrite(fd int, tag any) {
	s.arm(fd, unix.EPOLLOUT, tag)
}

func (s *epollSource) DisarmWrite(fd int) {
	s.disarm(fd, unix.EPOLLOUT)
}

func (s *epollSource) ArmWriteWithTimeout(fd int, tag any, timeout time.Duration) {
	s.arm(fd, unix.EPOLLOUT, tag)
	s.armTimer(fd, tag, timeout, 0)
}

func (s *epollSource) DisarmWriteWithTimeout(fd int) {
	s.disarm(fd, unix.EPOLLOUT)
	s.disarmTimer(fd)
}

func (s *epollSource) ArmPeriodicTimer(id int, tag any, period time.Duration) {
	s.armTimer(id, tag, period, period)
}

// armTimer backs one consumer-visible timer with a timerfd. A zero
// interval makes it one-shot.
func (s *epollSource) armTimer(id int, tag any, initial, interval time.Duration) {
	if tfd, ok := s.timers[id]; ok {
		s.disarmTimerFD(id, tfd)
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		s.fatalf("timerfd_create error id=%d: %v", id, err)
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		s.fatalf("timerfd_settime error id=%d: %v", id, err)
	}
	if err := s.ctl(unix.EPOLL_CTL_ADD, tfd, unix.EPOLLIN); err != nil {
		s.fatalf("epoll add timer error id=%d tfd=%d: %v", id, tfd, err)
	}
	s.regs[tfd] = &epollReg{id: id, tag: tag, mask: unix.EPOLLIN, timer: true}
	s.timers[id] = tfd
}

func (s *epollSource) disarmTimer(id int) {
	tfd, ok := s.timers[id]
	if !ok {
		return
	}
	s.disarmTimerFD(id, tfd)
}

func (s *epollSource) disarmTimerFD(id, tfd int) {
	if err := s.ctl(unix.EPOLL_CTL_DEL, tfd, 0); err != nil {
		s.fatalf("epoll del timer error id=%d tfd=%d: %v", id, tfd, err)
	}
	delete(s.regs, tfd)
	delete(s.timers, id)
	unix.Close(tfd)
}

func (s *epollSource) Wait() ([]Ready, error) {
	for {
		n, err := unix.EpollWait(s.epfd, s.events, -1)
		if errors.Is(err, unix.EINTR) {
			// Blocking with no timeout loses nothing across a restart.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}

		s.ready = s.ready[:0]
		for i := 0; i < n; i++ {
			ev := &s.events[i]
			reg, ok := s.regs[int(ev.Fd)]
			if !ok {
				continue
			}
			if reg.timer {
				drainTimerFD(int(ev.Fd))
				s.ready = append(s.ready, Ready{ID: reg.id, Tag: reg.tag, Kind: KindTimer})
				continue
			}
			const readBits = unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
			const writeBits = unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP
			if reg.mask&unix.EPOLLIN != 0 && ev.Events&readBits != 0 {
				s.ready = append(s.ready, Ready{ID: reg.id, Tag: reg.tag, Kind: KindRead})
			}
			if reg.mask&unix.EPOLLOUT != 0 && ev.Events&writeBits != 0 {
				s.ready = append(s.ready, Ready{ID: reg.id, Tag: reg.tag, Kind: KindWrite})
			}
		}

		// A full result array may mean more events are pending; grow so
		// the next wait drains a larger batch.
		if n == len(s.events) {
			s.events = make([]unix.EpollEvent, 2*len(s.events))
		}

		if len(s.ready) > 0 {
			return s.ready, nil
		}
	}
}

func drainTimerFD(tfd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(tfd, buf[:])
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (s *epollSource) Close() error {
	for id, tfd := range s.timers {
		delete(s.regs, tfd)
		delete(s.timers, id)
		unix.Close(tfd)
	}
	return unix.Close(s.epfd)
}
