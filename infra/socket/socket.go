// Package socket wraps the non-blocking socket primitives the reactor
// needs. Every helper returns an explicit error; none panics on ordinary
// runtime conditions. Potentially-interruptible syscalls restart on EINTR.
package socket

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ConnectStatus is the outcome of a non-blocking connect attempt.
type ConnectStatus int

const (
	ConnectDone ConnectStatus = iota
	ConnectInProgress
)

// NewStreamSocket creates a non-blocking, close-on-exec TCP socket in the
// address family of addr.
func NewStreamSocket(addr netip.Addr) (int, error) {
	family := unix.AF_INET
	if addr.Is6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := prepareFD(fd); err != nil {
		Close(fd)
		return -1, err
	}
	return fd, nil
}

func prepareFD(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	return nil
}

func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func Bind(fd int, ap netip.AddrPort) error {
	return unix.Bind(fd, sockaddrFromAddrPort(ap))
}

// Listen starts listening with the system maximum backlog.
func Listen(fd int) error {
	return unix.Listen(fd, unix.SOMAXCONN)
}

// Connect initiates a non-blocking connect. EINPROGRESS and EINTR both
// mean the connect continues asynchronously.
func Connect(fd int, ap netip.AddrPort) (ConnectStatus, error) {
	err := unix.Connect(fd, sockaddrFromAddrPort(ap))
	switch {
	case err == nil:
		return ConnectDone, nil
	case errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR):
		return ConnectInProgress, nil
	default:
		return 0, err
	}
}

// SocketError drains the pending SO_ERROR value. A nil pending error
// means the socket is healthy.
func SocketError(fd int) (pending error, err error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, nil
	}
	return unix.Errno(v), nil
}

// IsInProgress reports whether a pending socket error just means the
// asynchronous connect has not resolved yet.
func IsInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS)
}

// IsWouldBlock reports whether an operation on a non-blocking socket
// found nothing to do.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Pipe creates a non-blocking pipe pair; the reactor uses one as its
// wakeup channel.
func Pipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range p {
		if err := prepareFD(fd); err != nil {
			Close(p[0])
			Close(p[1])
			return -1, -1, err
		}
	}
	return p[0], p[1], nil
}

// Close closes fd, restarting on signal interruption.
func Close(fd int) error {
	for {
		err := unix.Close(fd)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Accept accepts one connection from a listening socket, restarting on
// signal interruption. The accepted descriptor is non-blocking and
// close-on-exec. Callers distinguish would-block by checking the returned
// error against unix.EAGAIN.
func Accept(fd int) (int, AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, AddrPort{}, err
		}
		if err := prepareFD(nfd); err != nil {
			Close(nfd)
			return -1, AddrPort{}, err
		}
		peer, err := sockaddrToAddrPort(sa)
		if err != nil {
			Close(nfd)
			return -1, AddrPort{}, err
		}
		return nfd, peer, nil
	}
}

// Read reads from a non-blocking socket, restarting on signal
// interruption. A zero count with a nil error is end-of-stream.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Write writes to a non-blocking socket, restarting on signal
// interruption.
func Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// LocalAddrPort reports the local address of a socket in printable form.
// The peer address never needs a second syscall: Accept already derives
// it from the accept(2) sockaddr.
func LocalAddrPort(fd int) (AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return AddrPort{}, err
	}
	return sockaddrToAddrPort(sa)
}
