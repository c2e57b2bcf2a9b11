package vm

import (
	"context"
	"net"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/vmrunner/containerization/errdefs"
	"golang.org/x/sys/unix"
)

// AgentPort is the well-known vsock port the guest agent listens on.
const AgentPort uint32 = 1024

// Transport opens vsock connections and listeners against a VM's context
// id. It exists as an interface (rather than calling mdlayher/vsock
// directly from Instance) so tests can substitute an in-memory transport.
type Transport interface {
	Dial(ctx context.Context, cid, port uint32) (net.Conn, error)
	Listen(cid, port uint32) (net.Listener, error)
}

// vsockTransport is the real AF_VSOCK-backed Transport.
type vsockTransport struct{}

// NewVsockTransport returns the production Transport backed by
// github.com/mdlayher/vsock.
func NewVsockTransport() Transport { return vsockTransport{} }

// Dial opens a vsock connection to (cid, port). vsock.Dial does not take a
// context; callers that need bounded retries (Instance.waitForAgent) wrap
// this in their own backoff loop instead of relying on ctx cancellation
// mid-dial.
func (vsockTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	return vsock.Dial(cid, port, nil)
}

func (vsockTransport) Listen(cid, port uint32) (net.Listener, error) {
	return vsock.ListenContextID(cid, port, nil)
}

// DupHandle is returned by DupKeep: it bundles a duplicated file
// descriptor with the underlying connection that must stay open for the
// descriptor to remain valid, per spec §4.3's FD ownership contract ("if
// the dup'd FD is used across suspension points, the connection object
// must remain live, because the hypervisor tears down the vsock endpoint
// when the connection closes").
type DupHandle struct {
	FD   int
	conn net.Conn
}

// Close releases both the duplicated descriptor and the underlying
// connection. The caller decides when this happens; nothing closes it
// implicitly.
func (h *DupHandle) Close() error {
	err := unix.Close(h.FD)
	if cerr := h.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// dupFD extracts the raw file descriptor from conn and dup(2)s it. conn
// must be a *vsock.Conn, which exposes SyscallConn.
func dupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errdefs.Unsupported("connection does not expose a raw file descriptor", nil)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupFd int
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return dupFd, nil
}

// DupClose duplicates conn's underlying file descriptor and closes conn.
// Safe only when the caller uses the FD synchronously and does not need
// it to survive past the point where it would have closed conn anyway
// (spec §4.3's "dup-and-close", safe only for synchronous use).
func DupClose(conn net.Conn) (int, error) {
	fd, err := dupFD(conn)
	if err != nil {
		return -1, err
	}
	_ = conn.Close()
	return fd, nil
}

// DupKeep duplicates conn's underlying file descriptor but keeps conn
// open, returning a handle whose Close is the caller's explicit
// responsibility (spec §4.3's "dup-and-keep", required whenever the FD is
// used across suspension points such as an RPC transport or async I/O).
func DupKeep(conn net.Conn) (*DupHandle, error) {
	fd, err := dupFD(conn)
	if err != nil {
		return nil, err
	}
	return &DupHandle{FD: fd, conn: conn}, nil
}
