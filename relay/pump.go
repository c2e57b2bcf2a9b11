package relay

import (
	"net"
	"sync"
	"syscall"

	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/vlog"
	"golang.org/x/sys/unix"
)

// pumpReadBufSize matches spec §4.5's "read buffer is one page."
const pumpReadBufSize = 4096

// side identifies one of a Pump's two read sources.
type side int

const (
	sideHost side = iota
	sideGuest
)

// rawConn is the subset of net.Conn this package needs a dup'able raw
// file descriptor from; satisfied by *vsock.Conn and *net.UnixConn, the
// two concrete types the relay engine ever pumps between.
type rawConn interface {
	SyscallConn() (syscall.RawConn, error)
}

func dupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(rawConn)
	if !ok {
		return -1, errdefs.Unsupported("connection does not expose a raw file descriptor", nil)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	if err := raw.Control(func(f uintptr) {
		fd, dupErr = unix.Dup(int(f))
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}

// Pump moves bytes bidirectionally between hostConn and guestConn,
// implementing spec §4.5's bidirectional pump invariants: one pump is two
// edge-triggered read sources; a source that reads zero bytes cancels
// itself and shuts down the write half of its peer, propagating the
// half-close; the underlying fds close only once both sources have
// cancelled, enforced by a lock around the cancel handlers. Grounded on
// the epoll idiom in
// kata-containers' vendored github.com/kata-containers/agent epoller
// (EpollCreate1 + EPOLLIN|EPOLLRDHUP registration, drain-until-EAGAIN
// read loop), generalized from a single pty-vs-exit-pipe pair to the
// relay's host-fd-source / guest-fd-source pair.
type Pump struct {
	id string

	hostConn  net.Conn
	guestConn net.Conn
	hostFD    int
	guestFD   int
	epfd      int

	mu        sync.Mutex
	cancelled [2]bool // indexed by side
	closed    bool

	done chan struct{}
}

// NewPump dups hostConn's and guestConn's file descriptors, registers
// both with a dedicated epoll instance in edge-triggered mode, and
// starts the pump loop in a background goroutine. The caller retains
// ownership of hostConn/guestConn and must not read or write them
// directly once the pump owns them.
func NewPump(id string, hostConn, guestConn net.Conn) (*Pump, error) {
	hostFD, err := dupFD(hostConn)
	if err != nil {
		return nil, err
	}
	guestFD, err := dupFD(guestConn)
	if err != nil {
		unix.Close(hostFD)
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(hostFD)
		unix.Close(guestFD)
		return nil, err
	}

	p := &Pump{
		id:        id,
		hostConn:  hostConn,
		guestConn: guestConn,
		hostFD:    hostFD,
		guestFD:   guestFD,
		epfd:      epfd,
		done:      make(chan struct{}),
	}

	events := unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, hostFD, &unix.EpollEvent{Fd: int32(hostFD), Events: uint32(events)}); err != nil {
		p.closeAll()
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, guestFD, &unix.EpollEvent{Fd: int32(guestFD), Events: uint32(events)}); err != nil {
		p.closeAll()
		return nil, err
	}

	go p.loop()
	return p, nil
}

// Done is closed once both read sources have cancelled and the pump has
// torn down its fds.
func (p *Pump) Done() <-chan struct{} { return p.done }

func (p *Pump) loop() {
	defer close(p.done)
	const maxEvents = 2
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			vlog.L.WithField("relay.id", p.id).WithError(err).Warn("epoll_wait failed, tearing down pump")
			p.cancel(sideHost)
			p.cancel(sideGuest)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case p.hostFD:
				p.drain(sideHost, p.hostFD, p.guestFD, p.guestConn)
			case p.guestFD:
				p.drain(sideGuest, p.guestFD, p.hostFD, p.hostConn)
			}
		}
		if p.bothCancelled() {
			return
		}
	}
}

// drain reads from srcFD until EAGAIN (edge-triggered drain discipline),
// writing each chunk to peerConn. A zero-byte read is EOF: it cancels
// src and half-closes peerFD's write side. Any error cancels src and
// fully shuts down peerFD.
func (p *Pump) drain(src side, srcFD, peerFD int, peerConn net.Conn) {
	buf := make([]byte, pumpReadBufSize)
	for {
		n, err := unix.Read(srcFD, buf)
		switch {
		case n == 0 && err == nil:
			p.cancel(src)
			_ = unix.Shutdown(peerFD, unix.SHUT_WR)
			return
		case err == unix.EAGAIN:
			return
		case err != nil:
			p.cancel(src)
			_ = unix.Shutdown(peerFD, unix.SHUT_RDWR)
			return
		}
		if werr := writeAll(peerConn, buf[:n]); werr != nil {
			p.cancel(src)
			_ = unix.Shutdown(peerFD, unix.SHUT_RDWR)
			return
		}
	}
}

// writeAll loops until buf is fully written, spec §4.5's "short writes
// loop until drained."
func writeAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (p *Pump) cancel(s side) {
	p.mu.Lock()
	p.cancelled[s] = true
	p.mu.Unlock()
}

func (p *Pump) bothCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled[sideHost] && p.cancelled[sideGuest] {
		p.closeAllLocked()
		return true
	}
	return false
}

// closeAll cancels both sources and tears down the fds under the lock.
// It is used from construction-failure paths and by relay.stop, which
// force-closes pumps whose loop may still be running.
func (p *Pump) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[sideHost] = true
	p.cancelled[sideGuest] = true
	p.closeAllLocked()
}

// closeAllLocked closes both underlying connections and the epoll
// instance, at most once. Its callers mark both sources cancelled first
// (bothCancelled checks, closeAll sets them), per spec §4.5's "underlying
// fds are closed only when both sources have been cancelled."
func (p *Pump) closeAllLocked() {
	if p.closed {
		return
	}
	p.closed = true
	_ = p.hostConn.Close()
	_ = p.guestConn.Close()
	_ = unix.Close(p.hostFD)
	_ = unix.Close(p.guestFD)
	_ = unix.Close(p.epfd)
}
