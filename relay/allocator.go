package relay

import "sync/atomic"

// portSeed matches process.portSeed: spec §4.4 seeds both monotonic port
// pools — host-allocated (stdio, into_guest relays) and guest-allocated
// (out_of_guest relays) — at the same base, as two independent counters
// rather than one shared one.
const portSeed uint32 = 0x1000_0000

// PortAllocator hands out unique guest-side vsock ports for out_of_guest
// relays, one monotonic pool per VM. Mirrors process.PortAllocator's
// atomic fetch-add; kept as its own type rather than shared so the
// host-allocated and guest-allocated pools can never accidentally draw
// from the same counter.
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
