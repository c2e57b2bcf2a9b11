// Package relay implements the Socket Relay Engine (spec §4.5): it moves
// bytes bidirectionally between a host Unix-domain socket and a guest
// vsock endpoint, in either direction, tracking every active relay under
// a stable id so the controller can stop them individually or all at
// once during teardown.
package relay

import "github.com/vmrunner/containerization/agentapi"

// Direction mirrors agentapi.RelayDirection; kept as a distinct type so
// this package's exported API does not force every caller to import
// agentapi just to name a direction.
type Direction = agentapi.RelayDirection

const (
	IntoGuest  = agentapi.RelayIntoGuest
	OutOfGuest = agentapi.RelayOutOfGuest
)

// Config is one relay's configuration (spec §3's "socket relay
// configuration"). For IntoGuest, HostPath is the well-known UDS service
// endpoint the host listens on and GuestPort is the already-known guest
// port the host dials into; for OutOfGuest the roles reverse: GuestPort
// is where the host listens via the hypervisor's vsock mapping (left 0,
// Manager.Start assigns the next port from its own guest-allocated pool
// per spec §4.4), HostPath is the local UDS the host dials for each
// accepted guest connection.
type Config struct {
	ID        string
	Direction Direction
	HostPath  string
	GuestPort uint32
}
