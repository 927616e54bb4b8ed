package socket

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// AddrPort is the printable form of a resolved socket address.
type AddrPort struct {
	Addr string
	Port string
}

func (ap AddrPort) String() string {
	return ap.Addr + ":" + ap.Port
}

func sockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{
			Port: int(ap.Port()),
			Addr: ap.Addr().As4(),
		}
	}
	return &unix.SockaddrInet6{
		Port: int(ap.Port()),
		Addr: ap.Addr().As16(),
	}
}

func sockaddrToAddrPort(sa unix.Sockaddr) (AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ap := netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
		return AddrPort{Addr: ap.Addr().String(), Port: fmt.Sprintf("%d", sa.Port)}, nil
	case *unix.SockaddrInet6:
		ap := netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
		return AddrPort{Addr: ap.Addr().String(), Port: fmt.Sprintf("%d", sa.Port)}, nil
	default:
		return AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}
