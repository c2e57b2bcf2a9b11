// Package pod wraps container.Controller with the multi-container
// extension spec §4.2 describes: a pod shares one VM Instance across
// several member containers and, when share_process_namespace is set,
// a pause container created first to hold a PID namespace open for its
// siblings (spec §4.2's "pod-only extension: shared PID namespace", S5).
// Grounded on the teacher's internal/hcsoci package, which likewise
// layers a "UVM container" concept — several workloads sharing one
// compute system — on top of its single-container creation path.
package pod

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/container"
	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/mount"
	"github.com/vmrunner/containerization/process"
)

// pauseArgs are the fixed init args for a pod's pause container (spec
// §4.2: `["/sbin/vminitd", "pause"]`).
var pauseArgs = []string{"/sbin/vminitd", "pause"}

const pauseRootfsSource = "/sbin"

// pauseID returns the pause container's id for the given pod, matching
// spec §4.2's "pause-{pod}" naming and the guest path
// "/run/container/pause-{pod_id}/rootfs" (spec §6).
func pauseID(podID string) string { return "pause-" + podID }

// pauseRootfsGuestPath returns the pause container's guest rootfs path,
// "/run/container/pause-{pod_id}/rootfs" (spec §6), matching
// container.Config's own unexported rootfsGuestPath formatting for a
// container whose id is pauseID(podID).
func pauseRootfsGuestPath(podID string) string {
	return "/run/container/" + pauseID(podID) + "/rootfs"
}

// Options configures a pod Controller. ID and ShareProcessNamespace are
// pod-level; the rest pass straight through to the wrapped
// container.Controller.
type Options struct {
	ID                    string
	ShareProcessNamespace bool
	Controller            container.Options
}

// Controller drives one VM hosting a pod of containers, through the
// wrapped container.Controller, adding a pause container ahead of every
// member when share_process_namespace is requested.
type Controller struct {
	id                    string
	shareProcessNamespace bool
	inner                 *container.Controller

	pausePID int
	members  []string // member container ids, in add order, pause excluded
}

// NewController returns an initialized pod controller.
func NewController(opts Options) *Controller {
	return &Controller{
		id:                    opts.ID,
		shareProcessNamespace: opts.ShareProcessNamespace,
		inner:                 container.NewController(opts.Controller),
	}
}

// Phase returns the wrapped controller's phase.
func (p *Controller) Phase() container.Phase { return p.inner.Phase() }

// AddContainer registers a member container. cfg.PodID is set to the
// pod's id automatically; a caller-supplied cfg.PIDNamespacePath is
// overwritten by Create once the pause container's pid is known, if
// share_process_namespace was requested.
func (p *Controller) AddContainer(cfg container.Config) error {
	cfg.PodID = p.id
	if err := p.inner.AddContainer(cfg); err != nil {
		return err
	}
	p.members = append(p.members, cfg.ID)
	return nil
}

// Create implements spec §4.2's create_container for a pod: when
// share_process_namespace is set, a pause container is registered ahead
// of every member before mount composition and VM boot, so its rootfs
// bind and the pod's other mounts are all resolved by one composer pass;
// after the VM and guest agent are up, the pause container is started
// first and its pid is wired into every sibling's PIDNamespacePath
// before the caller starts them (spec §4.2, S5).
func (p *Controller) Create(ctx context.Context) error {
	if p.shareProcessNamespace {
		// /sbin is a symlink into /usr/sbin on most modern distros; the
		// mount composer's virtiofs path rejects symlink sources outright
		// (spec §9's file-mount symlink policy applies to every virtiofs
		// request, not just file-backed ones), so resolve it to its real
		// target before handing it to the composer.
		source, err := filepath.EvalSymlinks(pauseRootfsSource)
		if err != nil {
			return errdefs.Internal("resolve pause container rootfs source", err)
		}
		if err := p.inner.AddContainer(container.Config{
			ID:    pauseID(p.id),
			PodID: p.id,
			Rootfs: mount.Request{
				Type:        "virtiofs",
				Source:      source,
				Destination: pauseRootfsGuestPath(p.id) + "/sbin",
			},
			Process: agentapi.ProcessSpec{Args: pauseArgs},
			IsPause: true,
		}); err != nil {
			return err
		}
	}
	if err := p.inner.Create(ctx); err != nil {
		return err
	}
	if !p.shareProcessNamespace {
		return nil
	}

	pid, err := p.inner.StartContainer(ctx, pauseID(p.id), process.StdioConfig{})
	if err != nil {
		return errdefs.Internal("start pause container", err)
	}
	p.pausePID = pid

	nsPath := pauseNSPath(pid)
	for _, id := range p.members {
		if err := p.inner.SetPIDNamespacePath(id, nsPath); err != nil {
			return err
		}
	}
	return nil
}

// pauseNSPath returns spec §4.2's "/proc/{pause-pid}/ns/pid".
func pauseNSPath(pid int) string {
	return "/proc/" + strconv.Itoa(pid) + "/ns/pid"
}

// PausePID returns the pause container's pid, or 0 if
// share_process_namespace was not requested or Create has not yet run.
func (p *Controller) PausePID() int { return p.pausePID }

// Start starts every member container (not the pause container, which
// was already started by Create if present) in registration order.
func (p *Controller) Start(ctx context.Context, ioByContainer map[string]process.StdioConfig) error {
	for _, id := range p.members {
		if _, err := p.inner.StartContainer(ctx, id, ioByContainer[id]); err != nil {
			return err
		}
	}
	return nil
}

// StartContainer starts a single member container by id.
func (p *Controller) StartContainer(ctx context.Context, id string, io process.StdioConfig) (int, error) {
	return p.inner.StartContainer(ctx, id, io)
}

func (p *Controller) Pause(ctx context.Context) error  { return p.inner.Pause(ctx) }
func (p *Controller) Resume(ctx context.Context) error { return p.inner.Resume(ctx) }
func (p *Controller) Stop(ctx context.Context) error   { return p.inner.Stop(ctx) }
func (p *Controller) Err() error                       { return p.inner.Err() }
