package vm

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/otelspan"
	"github.com/vmrunner/containerization/vlog"
)

// agentDialAttempts / agentDialInterval implement spec §4.3's literal
// retry budget: poll for the guest agent's vsock endpoint up to 150 times
// with 20ms sleeps between attempts.
const (
	agentDialAttempts = 150
	agentDialInterval = 20 * time.Millisecond
)

// AgentDialer is something that dials the guest agent's well-known vsock
// port and returns a live connection, ready to be wrapped in an RPC
// client. Instance.DialAgent returns a net.Conn directly, not this type.
type AgentDialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Instance is the VM Instance subsystem (spec §4.3): it owns the
// hypervisor handle and serializes every operation on it through one
// lock, the way the teacher's UtilityVM owns one compute system object
// and one dispatch queue. Suspension (blocking) while holding the lock is
// intentional — the state machine must be linearizable, not merely
// non-corrupting.
type Instance struct {
	hv        Hypervisor
	transport Transport
	rosetta   bool

	mu    sync.Mutex
	state State

	syncer *timeSyncer
}

// Options configures an Instance.
type Options struct {
	Hypervisor    Hypervisor
	Transport     Transport // defaults to NewVsockTransport()
	EnableRosetta bool
	TimeSyncFunc  func(ctx context.Context) error // no-op if nil
}

// New returns a stopped Instance wrapping hv.
func New(opts Options) *Instance {
	transport := opts.Transport
	if transport == nil {
		transport = NewVsockTransport()
	}
	syncFn := opts.TimeSyncFunc
	if syncFn == nil {
		syncFn = func(context.Context) error { return nil }
	}
	return &Instance{
		hv:        opts.Hypervisor,
		transport: transport,
		rosetta:   opts.EnableRosetta,
		state:     StateStopped,
		syncer:    newTimeSyncer(syncFn),
	}
}

// State returns the last state Instance observed locally (not a fresh
// hypervisor query).
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Start boots the VM: precondition state == stopped. It issues the
// hypervisor start call, polls for the guest agent, optionally enables
// Rosetta translation, and starts the time syncer.
func (i *Instance) Start(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "vm.Instance.Start")
	defer func() { otelspan.SetStatus(span, err) }()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateStopped {
		return errdefs.InvalidState("start: vm is not stopped", nil)
	}
	i.state = StateStarting

	if err := i.hv.Start(ctx); err != nil {
		i.state = StateStopped
		return errdefs.Internal("hypervisor start failed", err)
	}

	if err := i.waitForAgent(ctx); err != nil {
		// Boot succeeded but the agent never came up: leave the
		// hypervisor running so the caller can inspect it, but surface
		// the documented error.
		i.state = StateRunning
		return err
	}

	if i.rosetta {
		if err := i.enableRosetta(ctx); err != nil {
			vlog.G(ctx).WithError(err).Warn("enable rosetta failed")
		}
	}

	i.state = StateRunning
	i.syncer.Start(ctx)
	return nil
}

// waitForAgent dials the agent port through i.transport up to
// agentDialAttempts times, sleeping
// agentDialInterval between attempts, per spec §4.3.
func (i *Instance) waitForAgent(ctx context.Context) error {
	cid, err := i.hv.ContextID()
	if err != nil {
		return errdefs.Internal("read vm context id", err)
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(agentDialInterval), agentDialAttempts-1)
	b = backoff.WithContext(b, ctx)

	op := func() error {
		conn, err := i.transport.Dial(ctx, cid, AgentPort)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	if err := backoff.Retry(op, b); err != nil {
		return errdefs.InvalidArgument("no connection to agent socket", err)
	}
	return nil
}

// enableRosetta dials the guest agent directly (i.mu is already held by
// Start, so this cannot go through Dial/DialAgent, which both take the
// lock via State) and issues the EnableRosetta RPC, turning on the
// optional x86_64 translator inside the guest (spec §4.3/§6's
// enable_rosetta).
func (i *Instance) enableRosetta(ctx context.Context) error {
	cid, err := i.hv.ContextID()
	if err != nil {
		return errdefs.Internal("read vm context id", err)
	}
	conn, err := i.transport.Dial(ctx, cid, AgentPort)
	if err != nil {
		return errdefs.Internal("dial agent for rosetta setup", err)
	}
	client := agentapi.NewClient(conn, false)
	defer client.Close()
	return client.EnableRosetta(ctx)
}

// Stop halts the VM: precondition running (per spec; an already-stopped
// VM, including one that stopped unexpectedly underneath us, is treated
// as a no-op success rather than an error — see spec §9's stop/wait race
// note).
func (i *Instance) Stop(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "vm.Instance.Stop")
	defer func() { otelspan.SetStatus(span, err) }()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == StateStopped {
		return nil
	}
	i.syncer.Stop()
	i.state = StateStopping
	if err := i.hv.Stop(ctx); err != nil {
		// The hypervisor may report the VM as already stopped out from
		// under us (it panicked, or the guest called shutdown). Accept
		// that as success rather than erroring.
		if st, serr := i.hv.State(ctx); serr == nil && st == StateStopped {
			i.state = StateStopped
			return nil
		}
		i.state = StateUnknown
		return errdefs.Internal("hypervisor stop failed", err)
	}
	i.state = StateStopped
	return nil
}

// Pause toggles the hypervisor into the paused state and pauses the time
// syncer. Precondition: running.
func (i *Instance) Pause(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "vm.Instance.Pause")
	defer func() { otelspan.SetStatus(span, err) }()

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return errdefs.InvalidState("pause: vm is not running", nil)
	}
	if err := i.hv.Pause(ctx); err != nil {
		return errdefs.Internal("hypervisor pause failed", err)
	}
	i.syncer.Stop()
	i.state = StatePaused
	return nil
}

// Resume reverses Pause. Precondition: paused.
func (i *Instance) Resume(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "vm.Instance.Resume")
	defer func() { otelspan.SetStatus(span, err) }()

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StatePaused {
		return errdefs.InvalidState("resume: vm is not paused", nil)
	}
	if err := i.hv.Resume(ctx); err != nil {
		return errdefs.Internal("hypervisor resume failed", err)
	}
	i.state = StateRunning
	i.syncer.Start(ctx)
	return nil
}

// Dial opens a vsock connection to port and returns it. Callers that need
// the raw FD to outlive this connection across suspension points must use
// DupKeep, not DupClose (spec §4.3 FD ownership contract).
func (i *Instance) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	if i.State() != StateRunning {
		return nil, errdefs.InvalidState("dial: vm is not running", nil)
	}
	cid, err := i.hv.ContextID()
	if err != nil {
		return nil, errdefs.Internal("read vm context id", err)
	}
	conn, err := i.transport.Dial(ctx, cid, port)
	if err != nil {
		return nil, errdefs.Internal("vsock dial failed", err)
	}
	return conn, nil
}

// DialAgent returns a fresh connection to the well-known guest-agent
// vsock port, for wrapping in an RPC client.
func (i *Instance) DialAgent(ctx context.Context) (net.Conn, error) {
	return i.Dial(ctx, AgentPort)
}

// Listener is the lazy accepted-FD queue spec §4.3 describes: Accept
// blocks for the next connection, Finish tears down both the local
// listener and the hypervisor-side port mapping.
type Listener struct {
	net.Listener
}

// Listen registers a vsock listener on port. Finishing it (closing the
// returned net.Listener) tears down the hypervisor-side listener mapping
// as well, since vsock listeners are backed directly by the hypervisor's
// own port table.
func (i *Instance) Listen(ctx context.Context, port uint32) (*Listener, error) {
	if i.State() != StateRunning {
		return nil, errdefs.InvalidState("listen: vm is not running", nil)
	}
	cid, err := i.hv.ContextID()
	if err != nil {
		return nil, errdefs.Internal("read vm context id", err)
	}
	l, err := i.transport.Listen(cid, port)
	if err != nil {
		return nil, errdefs.Internal("vsock listen failed", err)
	}
	return &Listener{Listener: l}, nil
}

// Finish tears down the listener. It is named distinctly from Close to
// match the spec's "finish()" terminology for vsock listeners, though it
// is implemented as a plain Close.
func (l *Listener) Finish() error {
	return l.Close()
}
