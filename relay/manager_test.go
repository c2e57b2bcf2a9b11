package relay

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDialer hands out one end of a socketpair per Dial call, so an
// IntoGuest relay's accept loop has something to pump to.
type fakeDialer struct {
	t *testing.T
}

func (d *fakeDialer) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	_, b := socketpairConn(d.t)
	return b, nil
}

// fakeVsockListener backs an OutOfGuest relay with an in-memory accept
// queue the test feeds directly.
type fakeVsockListener struct {
	conns    chan net.Conn
	finished chan struct{}
}

func newFakeVsockListener() *fakeVsockListener {
	return &fakeVsockListener{conns: make(chan net.Conn, 4), finished: make(chan struct{})}
}

func (l *fakeVsockListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.finished:
		return nil, net.ErrClosed
	}
}

func (l *fakeVsockListener) Finish() error {
	select {
	case <-l.finished:
	default:
		close(l.finished)
	}
	return nil
}

type fakeListenerFactory struct {
	listener *fakeVsockListener
	lastPort uint32
}

func (f *fakeListenerFactory) Listen(ctx context.Context, port uint32) (VsockListener, error) {
	f.lastPort = port
	return f.listener, nil
}

func TestManagerStartStopIntoGuest(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ID: "r1", Direction: IntoGuest, HostPath: filepath.Join(dir, "relay.sock"), GuestPort: 0x10000000}

	mgr := NewManager(&fakeDialer{t: t}, nil)
	require.NoError(t, mgr.Start(context.Background(), cfg))
	require.Equal(t, 1, mgr.Count())

	_, err := os.Stat(cfg.HostPath)
	require.NoError(t, err)

	require.Error(t, mgr.Start(context.Background(), cfg)) // duplicate id rejected

	require.NoError(t, mgr.Stop(cfg))
	require.Equal(t, 0, mgr.Count())

	_, err = os.Stat(cfg.HostPath)
	require.True(t, os.IsNotExist(err)) // uds unlinked on stop
}

// TestManagerAssignsGuestPortWhenUnset covers spec §4.4's guest-allocated
// port pool: an OutOfGuest Config left at its zero GuestPort gets one
// from the Manager's own monotonic counter, and two such relays never
// collide.
func TestManagerAssignsGuestPortWhenUnset(t *testing.T) {
	dir := t.TempDir()
	fl := newFakeVsockListener()
	factory := &fakeListenerFactory{listener: fl}
	mgr := NewManager(nil, factory)

	cfg1 := Config{ID: "r1", Direction: OutOfGuest, HostPath: filepath.Join(dir, "a.sock")}
	require.NoError(t, mgr.Start(context.Background(), cfg1))
	first := factory.lastPort
	require.NotZero(t, first)
	require.NoError(t, mgr.Stop(cfg1))

	cfg2 := Config{ID: "r2", Direction: OutOfGuest, HostPath: filepath.Join(dir, "b.sock")}
	require.NoError(t, mgr.Start(context.Background(), cfg2))
	require.Greater(t, factory.lastPort, first)
}

func TestManagerStopOnNeverStartedRelayIsInvalidState(t *testing.T) {
	mgr := NewManager(&fakeDialer{t: t}, nil)
	err := mgr.Stop(Config{ID: "missing"})
	require.Error(t, err)
}

func TestManagerOutOfGuestPumpsAcceptedConnections(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "service.sock")

	ln, err := net.Listen("unix", hostPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	fl := newFakeVsockListener()
	cfg := Config{ID: "r2", Direction: OutOfGuest, HostPath: hostPath, GuestPort: 0x10000001}

	mgr := NewManager(nil, &fakeListenerFactory{listener: fl})
	require.NoError(t, mgr.Start(context.Background(), cfg))

	guestSide, guestPeer := socketpairConn(t)
	fl.conns <- guestSide

	var hostSide net.Conn
	select {
	case hostSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never dialed the host uds service")
	}
	defer hostSide.Close()

	_, err = guestPeer.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	require.NoError(t, hostSide.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := hostSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	require.NoError(t, mgr.Stop(cfg))
}
