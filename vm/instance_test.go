package vm

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmrunner/containerization/mount"
)

type fakeHypervisor struct {
	state       State
	startErr    error
	stopErr     error
	stopToState State // state State() reports after a failed Stop, simulating a crash
}

func (f *fakeHypervisor) Create(ctx context.Context, cfg Config) error { return nil }

func (f *fakeHypervisor) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.state = StateRunning
	return nil
}

func (f *fakeHypervisor) Stop(ctx context.Context) error {
	if f.stopErr != nil {
		f.state = f.stopToState
		return f.stopErr
	}
	f.state = StateStopped
	return nil
}

func (f *fakeHypervisor) Pause(ctx context.Context) error  { f.state = StatePaused; return nil }
func (f *fakeHypervisor) Resume(ctx context.Context) error { f.state = StateRunning; return nil }
func (f *fakeHypervisor) State(ctx context.Context) (State, error) {
	return f.state, nil
}
func (f *fakeHypervisor) ContextID() (uint32, error) { return 3, nil }

// pipeTransport dials successfully after a configured number of failed
// attempts, modeling the guest agent coming up mid-boot.
type pipeTransport struct {
	failUntil int
	attempts  int
}

func (t *pipeTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	t.attempts++
	if t.attempts <= t.failUntil {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go server.Close()
	return client, nil
}

func (t *pipeTransport) Listen(cid, port uint32) (net.Listener, error) {
	return nil, errors.New("not implemented")
}

func TestInstanceStartSucceedsOnceAgentDialSucceeds(t *testing.T) {
	hv := &fakeHypervisor{}
	tr := &pipeTransport{failUntil: 3}
	inst := New(Options{Hypervisor: hv, Transport: tr})

	require.NoError(t, inst.Start(context.Background()))
	require.Equal(t, StateRunning, inst.State())
	require.GreaterOrEqual(t, tr.attempts, 4)
}

// TestInstanceStartEnablesRosettaWhenConfigured confirms enableRosetta is
// no longer a disguised no-op: with EnableRosetta set, Start dials the
// agent a second time (beyond waitForAgent's own dial) to issue the
// EnableRosetta RPC, and a failure on that RPC (the fake transport's
// connections are closed from the other end immediately) is logged but
// does not fail Start.
func TestInstanceStartEnablesRosettaWhenConfigured(t *testing.T) {
	hv := &fakeHypervisor{}
	tr := &pipeTransport{}
	inst := New(Options{Hypervisor: hv, Transport: tr, EnableRosetta: true})

	require.NoError(t, inst.Start(context.Background()))
	require.Equal(t, StateRunning, inst.State())
	require.GreaterOrEqual(t, tr.attempts, 2)
}

func TestInstanceStartFailsWhenAgentNeverAppears(t *testing.T) {
	hv := &fakeHypervisor{}
	tr := &pipeTransport{failUntil: 1000}
	inst := New(Options{Hypervisor: hv, Transport: tr})

	err := inst.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no connection to agent socket")
}

func TestInstanceStartPreconditionRejectsNonStopped(t *testing.T) {
	hv := &fakeHypervisor{}
	inst := New(Options{Hypervisor: hv, Transport: &pipeTransport{}})
	require.NoError(t, inst.Start(context.Background()))
	err := inst.Start(context.Background())
	require.Error(t, err)
}

func TestInstanceStopIsIdempotent(t *testing.T) {
	hv := &fakeHypervisor{}
	inst := New(Options{Hypervisor: hv, Transport: &pipeTransport{}})
	require.NoError(t, inst.Stop(context.Background()))
	require.Equal(t, StateStopped, inst.State())
}

func TestInstanceStopShortCircuitsOnObservedStopped(t *testing.T) {
	hv := &fakeHypervisor{stopErr: errors.New("panic"), stopToState: StateStopped}
	inst := New(Options{Hypervisor: hv, Transport: &pipeTransport{}})
	require.NoError(t, inst.Start(context.Background()))

	err := inst.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStopped, inst.State())
}

func TestInstancePauseResume(t *testing.T) {
	hv := &fakeHypervisor{}
	inst := New(Options{Hypervisor: hv, Transport: &pipeTransport{}})
	require.NoError(t, inst.Start(context.Background()))

	require.NoError(t, inst.Pause(context.Background()))
	require.Equal(t, StatePaused, inst.State())

	require.NoError(t, inst.Resume(context.Background()))
	require.Equal(t, StateRunning, inst.State())
}

func TestKernelCmdline(t *testing.T) {
	cfg := Config{InitialFilesystem: mount.Request{Type: "ext4"}}
	require.Equal(t, "init=/sbin/vminitd ro rootfstype=ext4 root=/dev/vda", cfg.KernelCmdline())

	cfg2 := Config{InitialFilesystem: mount.Request{Type: "virtiofs"}, KernelInitArgs: []string{"foo=bar"}}
	require.Equal(t, "init=/sbin/vminitd ro rootfstype=virtiofs root=rootfs -- foo=bar", cfg2.KernelCmdline())
}
