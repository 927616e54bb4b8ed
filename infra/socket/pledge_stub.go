//go:build !openbsd

package socket

// Privilege reduction is an OpenBSD pledge(2) facility; elsewhere these
// are no-ops.

func PledgeBroad() error { return nil }

func PledgeNarrow() error { return nil }
