//go:build openbsd

package socket

import "golang.org/x/sys/unix"

// PledgeBroad requests the privileges startup needs: stdio for the log
// sink, dns for endpoint resolution, inet for the sockets.
func PledgeBroad() error {
	return unix.Pledge("stdio dns inet", "")
}

// PledgeNarrow drops dns once the listeners are installed; the reactor
// only ever touches the network and the log sink afterwards.
func PledgeNarrow() error {
	return unix.Pledge("stdio inet", "")
}
