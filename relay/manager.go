package relay

import (
	"context"
	"sync"

	"github.com/vmrunner/containerization/errdefs"
)

// Manager owns every active relay for one VM, keyed by relay id. Mirrors
// the teacher's vsmbDirShares map pattern (internal/uvm/vsmb.go): a
// single mutex-guarded map, with rollback-on-failure semantics for start
// and best-effort iteration for stop_all.
type Manager struct {
	mu      sync.Mutex
	relays  map[string]*relay
	dialer  VsockDialer
	listens VsockListenerFactory
	ports   *PortAllocator
}

// NewManager returns a Manager that dials the guest via dialer (for
// IntoGuest relays) and opens guest-allocated vsock listeners via
// listens (for OutOfGuest relays). A caller that leaves an OutOfGuest
// cfg.GuestPort at zero gets one assigned from this Manager's own
// guest-allocated port pool (spec §4.4).
func NewManager(dialer VsockDialer, listens VsockListenerFactory) *Manager {
	return &Manager{
		relays:  make(map[string]*relay),
		dialer:  dialer,
		listens: listens,
		ports:   NewPortAllocator(),
	}
}

// Start begins a relay under cfg.ID. It rejects a duplicate id, and rolls
// back (never registers) the entry if the underlying listen fails (spec
// §4.5's "on any failure during relay.start(), the entry is rolled
// back").
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if _, exists := m.relays[cfg.ID]; exists {
		m.mu.Unlock()
		return errdefs.Exists("relay already exists: "+cfg.ID, nil)
	}
	m.mu.Unlock()

	var r *relay
	var err error
	switch cfg.Direction {
	case IntoGuest:
		r, err = startIntoGuest(ctx, cfg, m.dialer)
	case OutOfGuest:
		if cfg.GuestPort == 0 {
			cfg.GuestPort = m.ports.Next()
		}
		r, err = startOutOfGuest(ctx, cfg, m.listens)
	default:
		return errdefs.InvalidArgument("unknown relay direction: "+string(cfg.Direction), nil)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.relays[cfg.ID] = r
	m.mu.Unlock()
	return nil
}

// Stop removes and stops the relay named by cfg.ID. Calling Stop on a
// relay that was never started is invalid_state (spec §4.5).
func (m *Manager) Stop(cfg Config) error {
	m.mu.Lock()
	r, exists := m.relays[cfg.ID]
	if exists {
		delete(m.relays, cfg.ID)
	}
	m.mu.Unlock()

	if !exists {
		return errdefs.InvalidState("relay stop: no such relay: "+cfg.ID, nil)
	}
	r.stop()
	return nil
}

// StopAll stops every relay best-effort, called during teardown before
// kill-all (spec §4.5: open UDS mounts inside the guest keep the rootfs
// busy, so relays must go first).
func (m *Manager) StopAll() {
	m.mu.Lock()
	relays := make([]*relay, 0, len(m.relays))
	for id, r := range m.relays {
		relays = append(relays, r)
		delete(m.relays, id)
	}
	m.mu.Unlock()

	for _, r := range relays {
		r.stop()
	}
}

// Count reports the number of active relays.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}
