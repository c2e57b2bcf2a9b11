package container

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/mount"
	"github.com/vmrunner/containerization/process"
	"github.com/vmrunner/containerization/vm"
)

// fakeHypervisor is a minimal vm.Hypervisor that always succeeds,
// mirroring vm package's own test fake.
type fakeHypervisor struct {
	mu       sync.Mutex
	state    vm.State
	lastCfg  vm.Config
	created  bool
}

func (f *fakeHypervisor) Create(ctx context.Context, cfg vm.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = true
	f.lastCfg = cfg
	return nil
}
func (f *fakeHypervisor) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = vm.StateRunning
	return nil
}
func (f *fakeHypervisor) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = vm.StateStopped
	return nil
}
func (f *fakeHypervisor) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = vm.StatePaused
	return nil
}
func (f *fakeHypervisor) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = vm.StateRunning
	return nil
}
func (f *fakeHypervisor) State(ctx context.Context) (vm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}
func (f *fakeHypervisor) ContextID() (uint32, error) { return 7, nil }

// fakeTransport dials instantly (so vm.Instance.Start's agent poll
// succeeds on the first attempt) and hands out net.Pipe-backed listeners.
type fakeTransport struct {
	mu        sync.Mutex
	dialed    int
	listeners map[uint32]*fakePipeListener
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[uint32]*fakePipeListener)}
}

func (t *fakeTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	t.mu.Lock()
	t.dialed++
	t.mu.Unlock()
	client, server := net.Pipe()
	go server.Close()
	return client, nil
}

func (t *fakeTransport) Listen(cid, port uint32) (net.Listener, error) {
	l := &fakePipeListener{accept: make(chan net.Conn, 4)}
	t.mu.Lock()
	t.listeners[port] = l
	t.mu.Unlock()
	return l, nil
}

type fakePipeListener struct {
	accept chan net.Conn
	closed bool
}

func (l *fakePipeListener) Accept() (net.Conn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}
func (l *fakePipeListener) Close() error   { l.closed = true; close(l.accept); return nil }
func (l *fakePipeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "vsock" }
func (fakeAddr) String() string  { return "vsock:fake" }

// fakeAgent records every RPC the controller issues, for assertion, and
// panics on any method this test suite does not expect to be exercised.
type fakeAgent struct {
	agentapi.GuestAgent

	mu        sync.Mutex
	setupDone bool
	mounted   []agentapi.MountDescriptor
	unmounted []string
	addrAdded []string
	killed    int
}

func (a *fakeAgent) StandardSetup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setupDone = true
	return nil
}
func (a *fakeAgent) Mount(ctx context.Context, m agentapi.MountDescriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mounted = append(a.mounted, m)
	return nil
}
func (a *fakeAgent) Umount(ctx context.Context, path string, flags int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unmounted = append(a.unmounted, path)
	return nil
}
func (a *fakeAgent) AddressAdd(ctx context.Context, name, ipv4 string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addrAdded = append(a.addrAdded, name+":"+ipv4)
	return nil
}
func (a *fakeAgent) Up(ctx context.Context, name string, mtu uint32) error { return nil }
func (a *fakeAgent) RouteAddDefault(ctx context.Context, name, gw string) error {
	return nil
}
func (a *fakeAgent) ConfigureDNS(ctx context.Context, cfg agentapi.DNSConfig, rootfsLocation string) error {
	return nil
}
func (a *fakeAgent) ConfigureHosts(ctx context.Context, cfg agentapi.HostsConfig, rootfsLocation string) error {
	return nil
}
func (a *fakeAgent) CreateProcess(ctx context.Context, id, containerID string, spec agentapi.ProcessSpec, opts agentapi.CreateProcessOptions) error {
	return nil
}
func (a *fakeAgent) StartProcess(ctx context.Context, id, containerID string) (int, error) {
	return 111, nil
}
func (a *fakeAgent) WaitProcess(ctx context.Context, id, containerID string, timeoutSeconds *uint32) (agentapi.ExitStatus, error) {
	return agentapi.ExitStatus{}, nil
}
func (a *fakeAgent) Kill(ctx context.Context, pid int, signal int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killed++
	return nil
}
func (a *fakeAgent) DeleteProcess(ctx context.Context, id, containerID string) error { return nil }

func newController(t *testing.T, agent *fakeAgent) (*Controller, *fakeHypervisor) {
	t.Helper()
	hv := &fakeHypervisor{}
	c := NewController(Options{
		Hypervisor: hv,
		Transport:  newFakeTransport(),
		NewAgent:   func(conn net.Conn) agentapi.GuestAgent { return agent },
	})
	return c, hv
}

func TestCreateComposesMountsBootsVMAndRunsAgentSetup(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{}
	c, hv := newController(t, agent)

	require.NoError(t, c.AddContainer(Config{
		ID:     "ctr1",
		Rootfs: mount.Request{Type: "virtiofs", Source: dir},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/true"}},
	}))

	require.NoError(t, c.Create(context.Background()))
	require.Equal(t, PhaseCreated, c.Phase())
	require.True(t, hv.created)
	require.True(t, agent.setupDone)
	require.Len(t, agent.mounted, 1)
	require.Equal(t, "/run/container/ctr1/rootfs", agent.mounted[0].Destination)
}

func TestCreateStripsRoFromRootfsMountOptionsButSetsRootReadonly(t *testing.T) {
	dir := t.TempDir()
	agent := &fakeAgent{}
	c, _ := newController(t, agent)

	require.NoError(t, c.AddContainer(Config{
		ID:      "ctr1",
		Rootfs:  mount.Request{Type: "virtiofs", Source: dir, Options: []string{"ro"}},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/true"}},
	}))
	require.NoError(t, c.Create(context.Background()))

	require.Len(t, agent.mounted, 1)
	require.NotContains(t, agent.mounted[0].Options, "ro")

	spec := RuntimeSpecBuilder{}.Build(c.containers["ctr1"].cfg)
	require.True(t, spec.Root.Readonly)
}

func TestCreateFoldsFileMountIntoContainerBinds(t *testing.T) {
	dir := t.TempDir()
	cred := filepath.Join(dir, "credential")
	require.NoError(t, os.WriteFile(cred, []byte("x"), 0o600))

	agent := &fakeAgent{}
	c, _ := newController(t, agent)

	require.NoError(t, c.AddContainer(Config{
		ID:     "ctr1",
		Rootfs: mount.Request{Type: "virtiofs", Source: dir},
		Mounts: []mount.Request{{Type: "virtiofs", Source: cred, Destination: "/etc/credential"}},
	}))

	require.NoError(t, c.Create(context.Background()))

	e := c.containers["ctr1"]
	require.Len(t, e.mounts.FileMounts, 1)

	var foundBind bool
	for _, m := range e.cfg.Mounts {
		if m.Type == "bind" && m.Destination == "/etc/credential" {
			foundBind = true
			require.Equal(t, e.mounts.FileMounts[0].HoldingPath, m.Source)
		}
	}
	require.True(t, foundBind, "file-mount bind was not folded into the container's OCI mount table")
}

func TestAddContainerRejectedAfterCreate(t *testing.T) {
	agent := &fakeAgent{}
	c, _ := newController(t, agent)
	require.NoError(t, c.AddContainer(Config{ID: "a", Rootfs: mount.Request{Type: "virtiofs", Source: t.TempDir()}}))
	require.NoError(t, c.Create(context.Background()))

	err := c.AddContainer(Config{ID: "b", Rootfs: mount.Request{Type: "virtiofs", Source: t.TempDir()}})
	require.Error(t, err)
}

func TestStartContainerTransitionsToStarted(t *testing.T) {
	agent := &fakeAgent{}
	c, _ := newController(t, agent)
	require.NoError(t, c.AddContainer(Config{
		ID:      "ctr1",
		Rootfs:  mount.Request{Type: "virtiofs", Source: t.TempDir()},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/true"}},
	}))
	require.NoError(t, c.Create(context.Background()))

	pid, err := c.StartContainer(context.Background(), "ctr1", process.StdioConfig{})
	require.NoError(t, err)
	require.Equal(t, 111, pid)
	require.Equal(t, PhaseStarted, c.Phase())
}

func TestPauseResumeRequireStartedAndPaused(t *testing.T) {
	agent := &fakeAgent{}
	c, _ := newController(t, agent)
	require.NoError(t, c.AddContainer(Config{ID: "a", Rootfs: mount.Request{Type: "virtiofs", Source: t.TempDir()}}))
	require.NoError(t, c.Create(context.Background()))

	require.Error(t, c.Pause(context.Background())) // not started yet

	_, err := c.StartContainer(context.Background(), "a", process.StdioConfig{})
	require.NoError(t, err)

	require.NoError(t, c.Pause(context.Background()))
	require.Equal(t, PhasePaused, c.Phase())
	require.Error(t, c.Pause(context.Background())) // already paused: invalid state
	require.NoError(t, c.Resume(context.Background()))
	require.Equal(t, PhaseStarted, c.Phase())
}

func TestStopKillsUnmountsAndStopsVM(t *testing.T) {
	agent := &fakeAgent{}
	c, hv := newController(t, agent)
	require.NoError(t, c.AddContainer(Config{
		ID:      "a",
		Rootfs:  mount.Request{Type: "virtiofs", Source: t.TempDir()},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/true"}},
	}))
	require.NoError(t, c.Create(context.Background()))
	_, err := c.StartContainer(context.Background(), "a", process.StdioConfig{})
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, PhaseStopped, c.Phase())
	require.Equal(t, vm.StateStopped, hv.state)
	require.Equal(t, 1, agent.killed)
	require.NotEmpty(t, agent.unmounted)

	// Idempotent: calling Stop again is a no-op, not an error.
	require.NoError(t, c.Stop(context.Background()))
}

func TestCreateFailsWithNoContainers(t *testing.T) {
	agent := &fakeAgent{}
	c, _ := newController(t, agent)
	err := c.Create(context.Background())
	require.Error(t, err)
	require.Equal(t, PhaseInitialized, c.Phase())
}
