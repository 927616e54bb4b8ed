//go:build openbsd

package socket

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setSplice asks the kernel to move bytes arriving on from directly into
// to, without the process ever seeing them.
func setSplice(from, to int) error {
	return unix.SetsockoptInt(from, unix.SOL_SOCKET, unix.SO_SPLICE, to)
}

// SetBidirectionalSplice splices two established sockets together in both
// directions.
func SetBidirectionalSplice(fd1, fd2 int) error {
	if err := setSplice(fd1, fd2); err != nil {
		return err
	}
	return setSplice(fd2, fd1)
}

// SpliceBytesTransferred reads the kernel's per-socket splice byte counter.
// The option value is an off_t, which no exported getsockopt wrapper
// carries, hence the raw syscall. Zero on any failure.
func SpliceBytesTransferred(fd int) int64 {
	var n int64
	l := uint32(unsafe.Sizeof(n))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.SOL_SOCKET),
		uintptr(unix.SO_SPLICE),
		uintptr(unsafe.Pointer(&n)),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if errno != 0 {
		return 0
	}
	return n
}
