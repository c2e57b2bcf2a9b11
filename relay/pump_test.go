package relay

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpairConn returns a connected pair of *net.UnixConn backed by a
// real AF_UNIX socketpair, the minimum fixture that exposes a raw,
// dup'able file descriptor the way NewPump requires.
func socketpairConn(t *testing.T) (a, b net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	fa := os.NewFile(uintptr(fds[0]), "pair-a")
	fb := os.NewFile(uintptr(fds[1]), "pair-b")

	ca, err := net.FileConn(fa)
	require.NoError(t, err)
	cb, err := net.FileConn(fb)
	require.NoError(t, err)
	require.NoError(t, fa.Close()) // FileConn dup'd the fd; release the os.File's copy
	require.NoError(t, fb.Close())

	return ca, cb
}

func TestPumpRelaysBytesBothDirections(t *testing.T) {
	hostConn, hostPeer := socketpairConn(t)
	guestConn, guestPeer := socketpairConn(t)

	p, err := NewPump("r1", hostConn, guestConn)
	require.NoError(t, err)
	defer func() { _ = hostPeer.Close(); _ = guestPeer.Close() }()

	_, err = hostPeer.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, guestPeer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := guestPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	_, err = guestPeer.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, hostPeer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = hostPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	select {
	case <-p.Done():
		t.Fatal("pump should not be done while both peers are open")
	default:
	}
}

func TestPumpPropagatesHalfCloseAndClosesOnBothCancelled(t *testing.T) {
	hostConn, hostPeer := socketpairConn(t)
	guestConn, guestPeer := socketpairConn(t)

	p, err := NewPump("r2", hostConn, guestConn)
	require.NoError(t, err)

	require.NoError(t, hostPeer.Close())

	require.NoError(t, guestPeer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := guestPeer.Read(make([]byte, 16))
	require.Equal(t, 0, n)
	require.Error(t, err) // EOF observed as the propagated half-close

	require.NoError(t, guestPeer.Close())

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not close out after both sources cancelled")
	}
}
