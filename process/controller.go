// Package process implements the Process Controller (spec §4.4): it
// mirrors a Linux process inside the guest to a host-side Handle, pumps
// stdio over vsock ports, and surfaces exit status. Grounded on the
// teacher's internal/gcs package (gcs.GuestConnection.exec, gcs.Process),
// generalized from the Windows HCS/GCS bridge wire format to this repo's
// vsock + ttrpc transport.
package process

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/otelspan"
	"github.com/vmrunner/containerization/vlog"
	"golang.org/x/sync/errgroup"
)

// acceptTimeout bounds how long the controller waits, after
// create_process returns, for the guest to connect back on every
// configured stdio port (spec §4.4 step 2).
const acceptTimeout = 3 * time.Second

// ioDrainTimeout bounds how long wait_process blocks after the agent
// resolves the exit status, waiting for stdout/stderr to reach EOF (spec
// §4.4's wait semantics).
const ioDrainTimeout = 3 * time.Second

// Listener is the subset of vm.Instance's vsock listener the controller
// needs: accept one connection, then finish (tear down) the listener.
// Abstracted as an interface so tests can substitute an in-memory
// listener instead of a real vsock one.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Finish() error
}

// VsockOpener opens a Listener on a host-allocated port, the host side of
// spec §4.4's "the controller opens a vsock listener on each configured
// port before the agent creates the process."
type VsockOpener interface {
	Listen(ctx context.Context, port uint32) (Listener, error)
}

// Controller implements spec §4.4's public operations over a single
// guest-agent channel and a single VM's vsock namespace.
type Controller struct {
	agent  agentapi.GuestAgent
	vsock  VsockOpener
	ports  *PortAllocator

	mu       sync.Mutex
	handles  map[string]*Handle
}

// NewController returns a controller wired to agent (the dialed
// guest-agent channel) and vsock (the VM's listener factory).
func NewController(agent agentapi.GuestAgent, vsock VsockOpener) *Controller {
	return &Controller{
		agent:   agent,
		vsock:   vsock,
		ports:   NewPortAllocator(),
		handles: make(map[string]*Handle),
	}
}

// StdioConfig selects which of a process's three streams the caller
// wants wired, and supplies the host-side reader/writer for each.
type StdioConfig struct {
	Stdin          io.Reader // nil if not configured
	Stdout         io.Writer // nil if not configured
	Stderr         io.Writer // nil if not configured
	Terminal       bool
}

// CreateProcess implements spec §4.4's create_process: it opens a vsock
// listener for each configured stdio stream, asks the agent to create the
// process (which wires its stdio by dialing back those ports), accepts
// exactly one connection per listener, and returns a Handle in the
// "created" state.
func (c *Controller) CreateProcess(ctx context.Context, id, containerID string, spec agentapi.ProcessSpec, io_ StdioConfig) (h *Handle, err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.CreateProcess")
	defer func() { otelspan.SetStatus(span, err) }()

	spec.Terminal = io_.Terminal
	if spec.Terminal && io_.Stderr != nil {
		return nil, errdefs.InvalidArgument("terminal mode forbids a stderr stream; the pty carries both", nil)
	}

	c.mu.Lock()
	if _, exists := c.handles[id]; exists {
		c.mu.Unlock()
		return nil, errdefs.Exists("process already exists: "+id, nil)
	}
	c.mu.Unlock()

	var listeners []Listener
	var stdinPort, stdoutPort, stderrPort *uint32

	opener := func() (uint32, Listener, error) {
		port := c.ports.Next()
		l, err := c.vsock.Listen(ctx, port)
		if err != nil {
			return 0, nil, err
		}
		listeners = append(listeners, l)
		return port, l, nil
	}

	cleanup := func() {
		for _, l := range listeners {
			_ = l.Finish()
		}
	}

	var stdinListener, stdoutListener, stderrListener Listener
	if io_.Stdin != nil {
		p, l, err := opener()
		if err != nil {
			cleanup()
			return nil, errdefs.Internal("open stdin vsock listener", err)
		}
		stdinPort, stdinListener = &p, l
	}
	if io_.Stdout != nil {
		p, l, err := opener()
		if err != nil {
			cleanup()
			return nil, errdefs.Internal("open stdout vsock listener", err)
		}
		stdoutPort, stdoutListener = &p, l
	}
	if io_.Stderr != nil {
		p, l, err := opener()
		if err != nil {
			cleanup()
			return nil, errdefs.Internal("open stderr vsock listener", err)
		}
		stderrPort, stderrListener = &p, l
	}

	opts := agentapi.CreateProcessOptions{StdinPort: stdinPort, StdoutPort: stdoutPort, StderrPort: stderrPort}
	if err := c.agent.CreateProcess(ctx, id, containerID, spec, opts); err != nil {
		cleanup()
		return nil, err
	}

	stdinConn, stdoutConn, stderrConn, err := acceptAll(ctx, stdinListener, stdoutListener, stderrListener)
	cleanup() // listeners are finished either way, successful accept or not (spec §4.4 step 2)
	if err != nil {
		return nil, err
	}

	h = &Handle{ID: id, ContainerID: containerID, Spec: spec, agent: c.agent}
	h.pid.Store(-1)
	h.setState(stateCreated)

	var remaining int
	if stdinConn != nil {
		h.stdin = stdinConn.(io.WriteCloser)
	}
	if stdoutConn != nil {
		h.stdout = stdoutConn.(io.ReadCloser)
		remaining++
	}
	if stderrConn != nil {
		h.stderr = stderrConn.(io.ReadCloser)
		remaining++
	}
	h.ioRemaining = make(chan struct{}, remaining)

	c.mu.Lock()
	c.handles[id] = h
	c.mu.Unlock()

	if io_.Stdin != nil {
		c.startStdinRelay(ctx, h, io_.Stdin)
	}
	if io_.Stdout != nil {
		c.startReadPump(h, h.stdout, io_.Stdout)
	}
	if io_.Stderr != nil {
		c.startReadPump(h, h.stderr, io_.Stderr)
	}

	return h, nil
}

// acceptAll joins the accept calls for every non-nil listener with a
// shared 3s timeout (spec §4.4 step 2's "guarded by a 3s timeout using a
// join of the accept tasks").
func acceptAll(ctx context.Context, stdin, stdout, stderr Listener) (in, out, errConn io.ReadWriteCloser, err error) {
	ctx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	// Accept takes no context: finishing the listeners once the timeout
	// fires is what unblocks a pending Accept.
	stop := context.AfterFunc(ctx, func() {
		for _, l := range []Listener{stdin, stdout, stderr} {
			if l != nil {
				_ = l.Finish()
			}
		}
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	_ = gctx
	if stdin != nil {
		g.Go(func() error {
			c, err := stdin.Accept()
			in = c
			return err
		})
	}
	if stdout != nil {
		g.Go(func() error {
			c, err := stdout.Accept()
			out = c
			return err
		})
	}
	if stderr != nil {
		g.Go(func() error {
			c, err := stderr.Accept()
			errConn = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, errdefs.Timeout("accepting stdio connections", err)
	}
	return in, out, errConn, nil
}

// startStdinRelay pumps bytes from src into h.stdin in order (spec §5's
// ordering guarantee: "writes... are delivered in order, the relay task
// awaits each write"). When src ends naturally, it closes guest stdin
// unless the relay was cancelled by an explicit CloseStdin call (spec
// §5's cancellation semantics).
func (c *Controller) startStdinRelay(ctx context.Context, h *Handle, src io.Reader) {
	relayCtx, cancel := context.WithCancel(ctx)
	h.stdinRelayCancel = cancel
	go func() {
		buf := make([]byte, 32*1024)
		for {
			select {
			case <-relayCtx.Done():
				return
			default:
			}
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := h.stdin.Write(buf[:n]); werr != nil {
					vlog.G(ctx).WithError(werr).Warn("stdin relay write failed")
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					vlog.G(ctx).WithError(rerr).Warn("stdin relay read failed")
				}
				if relayCtx.Err() == nil {
					h.stdinClosedByUs.Store(true)
					if err := c.agent.CloseProcessStdin(ctx, h.ID, h.ContainerID); err != nil {
						vlog.G(ctx).WithError(err).Warn("close guest stdin failed")
					}
				}
				return
			}
		}
	}()
}

// startReadPump copies from src (an accepted stdout/stderr vsock conn)
// into dst until EOF, then signals h's I/O-completion tracker (spec
// §4.4 step 4's "configured streams remaining" semaphore).
func (c *Controller) startReadPump(h *Handle, src io.Reader, dst io.Writer) {
	go func() {
		_, _ = io.Copy(dst, src)
		select {
		case h.ioRemaining <- struct{}{}:
		default:
		}
	}()
}

// StartProcess implements spec §4.4's start_process.
func (c *Controller) StartProcess(ctx context.Context, h *Handle) (pid int, err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.StartProcess")
	defer func() { otelspan.SetStatus(span, err) }()

	if h.getState() != stateCreated {
		return 0, errdefs.InvalidState("start_process: process is not in created state", nil)
	}
	pid, err = c.agent.StartProcess(ctx, h.ID, h.ContainerID)
	if err != nil {
		return 0, err
	}
	h.pid.Store(int64(pid))
	h.setState(stateStarted)
	return pid, nil
}

// SignalProcess implements spec §4.4's signal_process.
func (c *Controller) SignalProcess(ctx context.Context, h *Handle, sig int) (err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.SignalProcess")
	defer func() { otelspan.SetStatus(span, err) }()

	if h.getState() != stateStarted {
		return errdefs.InvalidState("signal_process: process has not started", nil)
	}
	return c.agent.SignalProcess(ctx, h.ID, h.ContainerID, sig)
}

// WaitProcess implements spec §4.4's wait_process: it resolves to an exit
// status, then blocks until stdout/stderr reach EOF or a 3s drain timeout
// elapses (spec §4.4's wait semantics, §5's "I/O drain... bounded by a
// 3s timeout; exceeding it logs and continues").
func (c *Controller) WaitProcess(ctx context.Context, h *Handle, timeout *time.Duration) (status agentapi.ExitStatus, err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.WaitProcess")
	defer func() { otelspan.SetStatus(span, err) }()

	if h.getState() != stateStarted {
		return agentapi.ExitStatus{}, errdefs.InvalidState("wait_process: process has not started", nil)
	}

	var timeoutSeconds *uint32
	if timeout != nil {
		s := uint32(timeout.Seconds())
		timeoutSeconds = &s
	}
	status, err = c.agent.WaitProcess(ctx, h.ID, h.ContainerID, timeoutSeconds)
	if err != nil {
		return status, err
	}

	c.drainIO(ctx, h)
	return status, nil
}

// drainIO consumes ioRemaining's signals until every configured stream
// has reached EOF or ioDrainTimeout elapses.
func (c *Controller) drainIO(ctx context.Context, h *Handle) {
	want := cap(h.ioRemaining)
	if want == 0 {
		return
	}
	deadline := time.NewTimer(ioDrainTimeout)
	defer deadline.Stop()
	for i := 0; i < want; i++ {
		select {
		case <-h.ioRemaining:
		case <-deadline.C:
			vlog.G(ctx).WithField("process.id", h.ID).Warn("io drain timeout exceeded, continuing")
			return
		}
	}
}

// ResizeProcess implements spec §4.4's resize. Precondition: started and
// the process was created with terminal=true.
func (c *Controller) ResizeProcess(ctx context.Context, h *Handle, rows, cols uint32) (err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.ResizeProcess")
	defer func() { otelspan.SetStatus(span, err) }()

	if h.getState() != stateStarted {
		return errdefs.InvalidState("resize: process has not started", nil)
	}
	if !h.Spec.Terminal {
		return errdefs.InvalidArgument("resize: process was not created with a terminal", nil)
	}
	return c.agent.ResizeProcess(ctx, h.ID, h.ContainerID, rows, cols)
}

// CloseStdin implements spec §4.4's close_stdin: the agent closes the
// guest stdin fd, and the host cancels the stdin relay task so it does
// not also attempt to close stdin when its reader eventually ends (spec
// §5's cancellation semantics).
func (c *Controller) CloseStdin(ctx context.Context, h *Handle) (err error) {
	ctx, span := otelspan.Start(ctx, "process.Controller.CloseStdin")
	defer func() { otelspan.SetStatus(span, err) }()

	if h.getState() != stateStarted {
		return errdefs.InvalidState("close_stdin: process has not started", nil)
	}
	if h.stdinRelayCancel != nil {
		h.stdinRelayCancel()
	}
	return c.agent.CloseProcessStdin(ctx, h.ID, h.ContainerID)
}

// Delete implements spec §4.4's delete: idempotent via a cached
// single-shot task (spec invariant 6 — n concurrent Delete calls produce
// exactly one agent RPC). Handles are closed even if the agent RPC fails.
func (c *Controller) Delete(ctx context.Context, h *Handle) error {
	h.deleteOnce.Do(func() {
		ctx, span := otelspan.Start(ctx, "process.Controller.Delete")
		defer span.End()

		agentErr := c.agent.DeleteProcess(ctx, h.ID, h.ContainerID)

		var closeErrs []error
		if h.stdin != nil {
			if err := h.stdin.Close(); err != nil {
				closeErrs = append(closeErrs, err)
			}
		}
		if h.stdout != nil {
			if err := h.stdout.Close(); err != nil {
				closeErrs = append(closeErrs, err)
			}
		}
		if h.stderr != nil {
			if err := h.stderr.Close(); err != nil {
				closeErrs = append(closeErrs, err)
			}
		}
		h.setState(stateDeleted)

		c.mu.Lock()
		delete(c.handles, h.ID)
		c.mu.Unlock()

		if agentErr != nil {
			h.deleteErr = agentErr
			return
		}
		h.deleteErr = errors.Join(closeErrs...)
		otelspan.SetStatus(span, h.deleteErr)
	})
	return h.deleteErr
}
