package process

import "sync/atomic"

// portSeed is where the host-allocated stdio port counter starts: the
// host listens on each port and the guest dials in. The guest-allocated
// pool for out_of_guest relays is a separate counter, relay.PortAllocator.
// Increment is a relaxed atomic fetch-add, mirroring the teacher's
// firstIoChannelVsockPort counter in gcs/guestconnection.go.
const portSeed uint32 = 0x1000_0000

// PortAllocator hands out unique vsock ports from one monotonic pool. The
// same port is never assigned twice for the lifetime of the allocator
// (spec §8 invariant 7).
type PortAllocator struct {
	next atomic.Uint32
}

// NewPortAllocator returns an allocator seeded at portSeed.
func NewPortAllocator() *PortAllocator {
	a := &PortAllocator{}
	a.next.Store(portSeed)
	return a
}

// Next returns the next port in this allocator's pool.
func (a *PortAllocator) Next() uint32 {
	return a.next.Add(1) - 1
}
