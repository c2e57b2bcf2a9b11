package process

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vmrunner/containerization/agentapi"
)

// state tracks where a Handle is in its lifecycle, used to enforce the
// preconditions in spec §4.4's operation table.
type state int32

const (
	stateCreating state = iota
	stateCreated
	stateStarted
	stateDeleted
)

// Handle mirrors a Linux process inside the guest (spec §3's "Linux
// process handle"): id, owning container id, the OCI spec used to create
// it, pid (-1 before start), the stdio handle triple, an optional stdin
// relay task, an I/O-completion tracker, a single-shot deletion task, and
// the agent channel used to reach it. Grounded directly on the teacher's
// gcs.Process (gcs/process.go).
type Handle struct {
	ID          string
	ContainerID string
	Spec        agentapi.ProcessSpec

	agent agentapi.GuestAgent

	pid   atomic.Int64 // -1 until Start succeeds
	state atomic.Int32

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinRelayCancel context.CancelFunc
	stdinClosedByUs  atomic.Bool

	ioRemaining chan struct{} // one slot per configured stream; each read pump sends once at EOF

	deleteOnce sync.Once
	deleteErr  error
}

// Pid returns the process id, or -1 if the process has not started.
func (h *Handle) Pid() int {
	return int(h.pid.Load())
}

func (h *Handle) setState(s state) { h.state.Store(int32(s)) }
func (h *Handle) getState() state  { return state(h.state.Load()) }

// Stdio exposes the accepted stdio streams, the way the teacher's
// gcs.Process.Stdio does, for callers that want to wire their own pumps
// instead of using Controller's built-in stdin relay.
func (h *Handle) Stdio() (stdin io.Writer, stdout, stderr io.Reader) {
	return h.stdin, h.stdout, h.stderr
}
