package relay

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/vlog"
)

// VsockDialer dials a guest vsock port, used by the IntoGuest direction
// once a host-side UDS connection has been accepted.
type VsockDialer interface {
	Dial(ctx context.Context, port uint32) (net.Conn, error)
}

// VsockListener is a single accept-loop-capable vsock listener, used by
// the OutOfGuest direction. Finish tears down the hypervisor-side port
// mapping along with the local listener (spec §3's vsock-listener
// invariant).
type VsockListener interface {
	Accept() (net.Conn, error)
	Finish() error
}

// VsockListenerFactory opens a VsockListener on a guest-allocated port.
type VsockListenerFactory interface {
	Listen(ctx context.Context, port uint32) (VsockListener, error)
}

// relay is one running relay's accept loop plus the pumps it has spawned.
type relay struct {
	cfg Config

	cancel context.CancelFunc

	mu          sync.Mutex
	pumps       map[*Pump]struct{}
	udsListener net.Listener // set for IntoGuest, unlinked on stop
	vsockListen VsockListener // set for OutOfGuest
}

func (r *relay) trackPump(p *Pump) {
	r.mu.Lock()
	r.pumps[p] = struct{}{}
	r.mu.Unlock()
	go func() {
		<-p.Done()
		r.mu.Lock()
		delete(r.pumps, p)
		r.mu.Unlock()
	}()
}

// stop cancels the accept loop, releases its listener (spec §4.5's
// per-direction teardown: unlink the UDS file for IntoGuest, close the
// vsock listener for OutOfGuest), then closes every pump this relay owns.
func (r *relay) stop() {
	r.cancel()

	r.mu.Lock()
	if r.udsListener != nil {
		_ = r.udsListener.Close()
		if r.cfg.HostPath != "" {
			_ = os.Remove(r.cfg.HostPath)
		}
	}
	if r.vsockListen != nil {
		_ = r.vsockListen.Finish()
	}
	pumps := make([]*Pump, 0, len(r.pumps))
	for p := range r.pumps {
		pumps = append(pumps, p)
	}
	r.mu.Unlock()

	for _, p := range pumps {
		p.closeAll()
	}
}

// startIntoGuest listens on cfg.HostPath (unlinking any stale socket
// file first), and for each accepted UDS connection dials the guest's
// GuestPort and starts a pump (spec §4.5's "into" configuration).
func startIntoGuest(ctx context.Context, cfg Config, dialer VsockDialer) (*relay, error) {
	_ = os.Remove(cfg.HostPath)
	ln, err := net.Listen("unix", cfg.HostPath)
	if err != nil {
		return nil, errdefs.Internal("listen on relay uds", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &relay{cfg: cfg, cancel: cancel, pumps: make(map[*Pump]struct{}), udsListener: ln}

	go func() {
		for {
			hostConn, err := ln.Accept()
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay accept failed, ending accept loop")
				return
			}
			guestConn, err := dialer.Dial(loopCtx, cfg.GuestPort)
			if err != nil {
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay dial to guest failed, dropping connection")
				_ = hostConn.Close()
				continue
			}
			p, err := NewPump(cfg.ID, hostConn, guestConn)
			if err != nil {
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay pump setup failed, dropping connection")
				_ = hostConn.Close()
				_ = guestConn.Close()
				continue
			}
			r.trackPump(p)
		}
	}()

	return r, nil
}

// startOutOfGuest asks the hypervisor for a vsock listener on
// cfg.GuestPort, and for each guest-originated connection dials the
// local UDS at cfg.HostPath (spec §4.5's "out_of" configuration).
func startOutOfGuest(ctx context.Context, cfg Config, listenerFactory VsockListenerFactory) (*relay, error) {
	vl, err := listenerFactory.Listen(ctx, cfg.GuestPort)
	if err != nil {
		return nil, errdefs.Internal("listen on relay vsock port", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &relay{cfg: cfg, cancel: cancel, pumps: make(map[*Pump]struct{}), vsockListen: vl}

	go func() {
		for {
			guestConn, err := vl.Accept()
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay accept failed, ending accept loop")
				return
			}
			hostConn, err := net.Dial("unix", cfg.HostPath)
			if err != nil {
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay dial to host uds failed, dropping connection")
				_ = guestConn.Close()
				continue
			}
			p, err := NewPump(cfg.ID, hostConn, guestConn)
			if err != nil {
				vlog.L.WithField("relay.id", cfg.ID).WithError(err).Warn("relay pump setup failed, dropping connection")
				_ = hostConn.Close()
				_ = guestConn.Close()
				continue
			}
			r.trackPump(p)
		}
	}()

	return r, nil
}
