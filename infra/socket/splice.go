package socket

import "errors"

// ErrSpliceUnsupported reports that this platform has no in-kernel socket
// splice; the reactor falls back to the userspace relay pump.
var ErrSpliceUnsupported = errors.New("kernel socket splice not supported on this platform")
