package vlog

import (
	"fmt"
	"net"
)

// FormatAddr renders a net.Addr for a log field, handling nil without
// panicking (vsock conns can be logged mid-teardown after their peer
// address has already gone away).
func FormatAddr(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%s", a.Network(), a.String())
}
