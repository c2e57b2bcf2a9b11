// Package container implements the Container/Pod Controller (spec §4.2):
// it drives one VM Instance through its boot sequence, composes every
// member container's mounts, wires the guest-agent RPCs that set up
// networking and mount file binds, and owns the create/start/pause/
// resume/stop phase machine. Grounded on the teacher's internal/hcsoci
// package (hcsoci.CreateContainer, resources teardown ordering), adapted
// from the HCS/GCS container model to this repo's mount composer, process
// controller and relay engine.
package container

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/errdefs"
	"github.com/vmrunner/containerization/mount"
	"github.com/vmrunner/containerization/otelspan"
	"github.com/vmrunner/containerization/process"
	"github.com/vmrunner/containerization/relay"
	"github.com/vmrunner/containerization/vlog"
	"github.com/vmrunner/containerization/vm"
)

// Phase is the controller's lifecycle state (spec §4.2's state table).
type Phase int

const (
	PhaseInitialized Phase = iota
	PhaseCreated
	PhaseStarted
	PhasePaused
	PhaseStopped
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseCreated:
		return "created"
	case PhaseStarted:
		return "started"
	case PhasePaused:
		return "paused"
	case PhaseStopped:
		return "stopped"
	default:
		return "errored"
	}
}

// killWaitTimeout bounds how long Stop waits for the init process of each
// container to exit after a kill-all signal, before proceeding to unmount
// and stop the VM regardless (spec §9's stop-ordering scenario).
const killWaitTimeout = 5 * time.Second

// entry is one member container's tracked state.
type entry struct {
	cfg     Config
	mounts  *mount.Result
	handle  *process.Handle
	started bool
}

// NetworkConfig is the host- and guest-side networking spec §4.2's
// create_container brings up after the agent is dialed: the host-side
// link backing the VM's tap/vsock device, and the guest-side interface,
// DNS and hosts configuration applied over the agent channel.
type NetworkConfig struct {
	HostLink  string // host-side link name to bring up; empty to skip
	Namespace string // network namespace HostLink lives in; empty for the default namespace

	Interfaces []vm.Interface
	DNS        agentapi.DNSConfig
	Hosts      agentapi.HostsConfig
}

// Options configures a Controller.
type Options struct {
	Hypervisor vm.Hypervisor
	// Transport overrides the VM Instance's vsock transport; nil uses the
	// real AF_VSOCK transport. Tests substitute an in-memory one.
	Transport  vm.Transport
	VMConfig   vm.Config
	// NewAgent wraps a dialed guest-agent connection in a GuestAgent
	// client; production callers pass something like
	// func(c net.Conn) agentapi.GuestAgent { return agentapi.NewClient(c, true) },
	// tests substitute a fake.
	NewAgent func(conn net.Conn) agentapi.GuestAgent
	Network  NetworkConfig
	Relays   []relay.Config
}

// Controller implements spec §4.2's public operations over one VM and the
// containers (one, or a pod's several) it hosts.
type Controller struct {
	hv       vm.Hypervisor
	vmConfig vm.Config
	vmInst   *vm.Instance
	composer *mount.Composer
	newAgent func(conn net.Conn) agentapi.GuestAgent
	network  NetworkConfig
	relayCfg []relay.Config

	mu         sync.Mutex
	phase      Phase
	err        error
	agent      agentapi.GuestAgent
	procCtrl   *process.Controller
	relayMgr   *relay.Manager
	containers map[string]*entry
	order      []string
}

// NewController returns an initialized controller wrapping a stopped VM
// built from opts.Hypervisor.
func NewController(opts Options) *Controller {
	return &Controller{
		hv:         opts.Hypervisor,
		vmConfig:   opts.VMConfig,
		vmInst:     vm.New(vm.Options{Hypervisor: opts.Hypervisor, Transport: opts.Transport}),
		composer:   mount.NewComposer(),
		newAgent:   opts.NewAgent,
		network:    opts.Network,
		relayCfg:   opts.Relays,
		phase:      PhaseInitialized,
		containers: make(map[string]*entry),
	}
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// AddContainer registers cfg as a member container. Precondition:
// initialized (containers are fixed once Create begins composing mounts).
func (c *Controller) AddContainer(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseInitialized {
		return errdefs.InvalidState("add_container: controller is not initialized", nil)
	}
	if _, exists := c.containers[cfg.ID]; exists {
		return errdefs.Exists("container already added: "+cfg.ID, nil)
	}
	if cfg.Rootfs.Destination == "" {
		cfg.Rootfs.Destination = cfg.rootfsGuestPath()
	}
	c.containers[cfg.ID] = &entry{cfg: cfg}
	c.order = append(c.order, cfg.ID)
	return nil
}

// SetPIDNamespacePath sets an already-added container's PID namespace
// path, for the pod controller to wire a pause container's namespace
// into its pod siblings once the pause container's pid is known (spec
// §4.2's shared-PID-namespace extension). Must be called before that
// container's StartContainer, since the runtime spec is built lazily at
// start time from the stored config.
func (c *Controller) SetPIDNamespacePath(id, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.containers[id]
	if !exists {
		return errdefs.NotFound("no such container: "+id, nil)
	}
	e.cfg.PIDNamespacePath = path
	return nil
}

// fail transitions the controller to errored and records err, matching
// spec §4.2's "any state -> errored" edge.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.phase = PhaseErrored
	c.err = err
	c.mu.Unlock()
	return err
}

// Create implements spec §4.2's create_container: compose every
// container's mounts, boot the VM, dial the guest agent, bring up
// networking, and issue the mount and file-bind RPCs each container
// needs before its init process can be created. A failed precondition
// (not initialized, no containers) returns an error and leaves the phase
// unchanged; any failure after that transitions the controller to errored.
func (c *Controller) Create(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "container.Controller.Create")
	defer func() { otelspan.SetStatus(span, err) }()

	c.mu.Lock()
	if c.phase != PhaseInitialized {
		c.mu.Unlock()
		return errdefs.InvalidState("create: controller is not initialized", nil)
	}
	if len(c.order) == 0 {
		c.mu.Unlock()
		return errdefs.InvalidArgument("create: no containers configured", nil)
	}
	c.mu.Unlock()

	if err := c.compose(); err != nil {
		return c.fail(err)
	}

	if err := c.hv.Create(ctx, c.vmConfig); err != nil {
		return c.fail(errdefs.Internal("hypervisor create failed", err))
	}
	if err := c.vmInst.Start(ctx); err != nil {
		return c.fail(err)
	}

	conn, err := c.vmInst.DialAgent(ctx)
	if err != nil {
		return c.fail(err)
	}
	agent := c.newAgent(conn)

	if err := agent.StandardSetup(ctx); err != nil {
		return c.fail(err)
	}
	if err := c.setupNetwork(ctx, agent); err != nil {
		return c.fail(err)
	}
	if err := c.mountContainers(ctx, agent); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.agent = agent
	c.procCtrl = process.NewController(agent, processVsockOpener{inst: c.vmInst})
	if len(c.relayCfg) > 0 {
		c.relayMgr = relay.NewManager(relayVsock{inst: c.vmInst}, relayVsock{inst: c.vmInst})
	}
	c.phase = PhaseCreated
	c.mu.Unlock()

	for _, cfg := range c.relayCfg {
		if err := c.relayMgr.Start(ctx, cfg); err != nil {
			return c.fail(errdefs.Internal("start relay "+cfg.ID, err))
		}
	}
	return nil
}

// compose runs the Mount Composer over every container's rootfs and
// extra mounts, stashing the result on each entry and feeding the
// resolved (tag/device, not host path) attachments into vmConfig so the
// hypervisor knows what to attach.
func (c *Controller) compose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vmConfig.MountsByWorkload == nil {
		c.vmConfig.MountsByWorkload = make(map[string][]mount.Request)
	}
	for _, id := range c.order {
		e := c.containers[id]
		reqs := append([]mount.Request{e.cfg.Rootfs}, e.cfg.Mounts...)
		res, err := c.composer.Compose(reqs, e.cfg.Rootfs.Type == "ext4")
		if err != nil {
			return errdefs.Internal("compose mounts for container "+id, err)
		}
		e.mounts = res
		c.vmConfig.MountsByWorkload[id] = attachedToRequests(res.Attached)
	}
	return nil
}

func attachedToRequests(attached []mount.Attached) []mount.Request {
	out := make([]mount.Request, 0, len(attached))
	for _, a := range attached {
		out = append(out, mount.Request{Type: a.Type, Source: a.Source, Destination: a.Destination, Options: a.Options})
	}
	return out
}

// stripOption returns opts with every occurrence of opt removed.
func stripOption(opts []string, opt string) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		if o != opt {
			out = append(out, o)
		}
	}
	return out
}

// setupNetwork brings up the host-side link (if configured) and issues
// the guest-side address_add/up/route_add_default/configure_dns/
// configure_hosts RPC sequence spec §6 describes.
func (c *Controller) setupNetwork(ctx context.Context, agent agentapi.GuestAgent) error {
	if c.network.HostLink != "" {
		if err := hostNetworkSetup(c.network.HostLink, c.network.Namespace); err != nil {
			return err
		}
	}
	for _, iface := range c.network.Interfaces {
		if iface.IPv4 != "" {
			if err := agent.AddressAdd(ctx, iface.Name, iface.IPv4); err != nil {
				return err
			}
		}
		if err := agent.Up(ctx, iface.Name, iface.MTU); err != nil {
			return err
		}
		if iface.Gateway != "" {
			if err := agent.RouteAddDefault(ctx, iface.Name, iface.Gateway); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()
	for _, id := range ids {
		e := c.containers[id]
		if err := agent.ConfigureDNS(ctx, c.network.DNS, e.cfg.rootfsGuestPath()); err != nil {
			return err
		}
		if err := agent.ConfigureHosts(ctx, c.network.Hosts, e.cfg.rootfsGuestPath()); err != nil {
			return err
		}
	}
	return nil
}

// mountContainers issues the mount RPC for every composed attachment and,
// for file-backed mounts, folds the holding-directory bind into the
// container's own OCI mount table (spec §4.1 step 2 / §6's
// "/run/file-mounts/{tag}/{basename}" holding path).
//
// The first attachment is always the container's rootfs (compose()
// composes [Rootfs]+Mounts in that order, and the composer preserves
// input order in its output). Per spec §4.2, "ro" is stripped from that
// one attachment's mount options before the agent mounts it — root.readonly
// already carries the read-only bit into the runtime spec, and the
// in-guest OCI runtime is what performs the actual remount.
func (c *Controller) mountContainers(ctx context.Context, agent agentapi.GuestAgent) error {
	for _, id := range c.order {
		e := c.containers[id]
		for i, a := range e.mounts.Attached {
			opts := a.Options
			if i == 0 {
				opts = stripOption(opts, "ro")
			}
			if err := agent.Mount(ctx, agentapi.MountDescriptor{
				Type: a.Type, Source: a.Source, Destination: a.Destination, Options: opts,
			}); err != nil {
				return errdefs.Internal("mount "+a.Destination+" for container "+id, err)
			}
		}
		for _, fc := range e.mounts.FileMounts {
			e.cfg.Mounts = append(e.cfg.Mounts, mount.Request{
				Type: "bind", Source: fc.HoldingPath, Destination: fc.Destination,
				Options: append([]string{"bind"}, fc.Options...),
			})
		}
	}
	return nil
}

// runtimeSpecJSON marshals the OCI-shaped runtime spec for cfg and
// returns it for embedding in the create_process metadata the in-guest
// runtime reads to build the container's namespaces, cgroup and mount
// table (spec §6's populated runtime-spec fields).
func runtimeSpecJSON(cfg Config) (string, error) {
	b, err := json.Marshal(RuntimeSpecBuilder{}.Build(cfg))
	if err != nil {
		return "", errdefs.Internal("marshal runtime spec", err)
	}
	return string(b), nil
}

// StartContainer implements spec §4.2's start (applied to one member
// container): it creates and starts that container's init process,
// wiring stdio per io. Precondition: controller phase created or started.
func (c *Controller) StartContainer(ctx context.Context, id string, io process.StdioConfig) (pid int, err error) {
	ctx, span := otelspan.Start(ctx, "container.Controller.StartContainer")
	defer func() { otelspan.SetStatus(span, err) }()

	c.mu.Lock()
	if c.phase != PhaseCreated && c.phase != PhaseStarted {
		c.mu.Unlock()
		return 0, errdefs.InvalidState("start_container: controller is not created", nil)
	}
	e, exists := c.containers[id]
	procCtrl := c.procCtrl
	c.mu.Unlock()
	if !exists {
		return 0, errdefs.NotFound("no such container: "+id, nil)
	}

	specJSON, err := runtimeSpecJSON(e.cfg)
	if err != nil {
		return 0, err
	}
	spec := e.cfg.Process
	if spec.Metadata == nil {
		spec.Metadata = make(map[string]string)
	}
	spec.Metadata["runtimeSpec"] = specJSON

	h, err := procCtrl.CreateProcess(ctx, id, id, spec, io)
	if err != nil {
		return 0, err
	}
	pid, err = procCtrl.StartProcess(ctx, h)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	e.handle = h
	e.started = true
	c.phase = PhaseStarted
	c.mu.Unlock()
	return pid, nil
}

// Start implements spec §4.2's start_container for the common case of a
// single-container controller: it starts every member container in
// registration order (the pod pause container, when present, must have
// been added first by the caller).
func (c *Controller) Start(ctx context.Context, ioByContainer map[string]process.StdioConfig) error {
	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.StartContainer(ctx, id, ioByContainer[id]); err != nil {
			return err
		}
	}
	return nil
}

// Pause implements spec §4.2's pause: the whole VM, and every container
// it hosts, is suspended together.
func (c *Controller) Pause(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "container.Controller.Pause")
	defer func() { otelspan.SetStatus(span, err) }()

	c.mu.Lock()
	if c.phase != PhaseStarted {
		c.mu.Unlock()
		return errdefs.InvalidState("pause: controller is not started", nil)
	}
	c.mu.Unlock()

	if err := c.vmInst.Pause(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.phase = PhasePaused
	c.mu.Unlock()
	return nil
}

// Resume implements spec §4.2's resume.
func (c *Controller) Resume(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "container.Controller.Resume")
	defer func() { otelspan.SetStatus(span, err) }()

	c.mu.Lock()
	if c.phase != PhasePaused {
		c.mu.Unlock()
		return errdefs.InvalidState("resume: controller is not paused", nil)
	}
	c.mu.Unlock()

	if err := c.vmInst.Resume(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.phase = PhaseStarted
	c.mu.Unlock()
	return nil
}

// Stop implements spec §4.2's stop and its §9 ordering requirement:
// relays first (an open UDS mount inside the guest keeps the rootfs
// busy), then kill every container's processes, then wait up to
// killWaitTimeout for each init process to exit, then unmount, then stop
// the VM. Stop is idempotent: calling it again once stopped is a no-op.
func (c *Controller) Stop(ctx context.Context) (err error) {
	ctx, span := otelspan.Start(ctx, "container.Controller.Stop")
	defer func() { otelspan.SetStatus(span, err) }()

	c.mu.Lock()
	if c.phase == PhaseStopped || c.phase == PhaseInitialized {
		c.mu.Unlock()
		return nil
	}
	agent := c.agent
	relayMgr := c.relayMgr
	procCtrl := c.procCtrl
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	if relayMgr != nil {
		relayMgr.StopAll()
	}

	if agent != nil {
		for _, id := range ids {
			e := c.containers[id]
			if e.handle == nil {
				continue
			}
			if kerr := agent.Kill(ctx, -1, int(syscall.SIGKILL)); kerr != nil {
				vlog.G(ctx).WithError(kerr).WithField("container.id", id).Warn("kill-all failed")
			}
		}

		timeout := killWaitTimeout
		for _, id := range ids {
			e := c.containers[id]
			if e.handle == nil || procCtrl == nil {
				continue
			}
			if _, werr := procCtrl.WaitProcess(ctx, e.handle, &timeout); werr != nil {
				vlog.G(ctx).WithError(werr).WithField("container.id", id).Warn("wait after kill-all failed")
			}
			if derr := procCtrl.Delete(ctx, e.handle); derr != nil {
				vlog.G(ctx).WithError(derr).WithField("container.id", id).Warn("delete process failed")
			}
		}

		for _, id := range ids {
			e := c.containers[id]
			if e.mounts == nil {
				continue
			}
			for i := len(e.mounts.Attached) - 1; i >= 0; i-- {
				a := e.mounts.Attached[i]
				if uerr := agent.Umount(ctx, a.Destination, 0); uerr != nil {
					vlog.G(ctx).WithError(uerr).WithField("container.id", id).Warn("umount failed")
				}
			}
		}
	}

	if err := c.vmInst.Stop(ctx); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.phase = PhaseStopped
	c.mu.Unlock()
	return nil
}

// Err returns the error that transitioned the controller to errored, or
// nil if it never did.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
