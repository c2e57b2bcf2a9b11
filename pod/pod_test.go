package pod

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/container"
	"github.com/vmrunner/containerization/mount"
	"github.com/vmrunner/containerization/process"
	"github.com/vmrunner/containerization/vm"
)

// fakeHypervisor always succeeds, mirroring the container package's own
// test fake.
type fakeHypervisor struct {
	mu    sync.Mutex
	state vm.State
}

func (f *fakeHypervisor) Create(ctx context.Context, cfg vm.Config) error { return nil }
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
func (f *fakeHypervisor) Pause(ctx context.Context) error  { return nil }
func (f *fakeHypervisor) Resume(ctx context.Context) error { return nil }
func (f *fakeHypervisor) State(ctx context.Context) (vm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}
func (f *fakeHypervisor) ContextID() (uint32, error) { return 9, nil }

// fakeTransport dials instantly via net.Pipe, as in the container
// package's own fake.
type fakeTransport struct{}

func (fakeTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	client, server := net.Pipe()
	go server.Close()
	return client, nil
}
func (fakeTransport) Listen(cid, port uint32) (net.Listener, error) {
	return &fakePipeListener{accept: make(chan net.Conn, 4)}, nil
}

type fakePipeListener struct{ accept chan net.Conn }

func (l *fakePipeListener) Accept() (net.Conn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}
func (l *fakePipeListener) Close() error   { close(l.accept); return nil }
func (l *fakePipeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "vsock" }
func (fakeAddr) String() string  { return "vsock:fake" }

// fakeAgent records every create_process call's embedded runtime spec so
// the test can inspect each container's resolved PID namespace path.
type fakeAgent struct {
	agentapi.GuestAgent

	mu      sync.Mutex
	specs   map[string]*specs.Spec // keyed by container id
	mounted []agentapi.MountDescriptor
	nextPid int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{specs: make(map[string]*specs.Spec), nextPid: 100}
}

func (a *fakeAgent) StandardSetup(ctx context.Context) error { return nil }
func (a *fakeAgent) Mount(ctx context.Context, m agentapi.MountDescriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mounted = append(a.mounted, m)
	return nil
}
func (a *fakeAgent) Umount(ctx context.Context, path string, flags int) error { return nil }
func (a *fakeAgent) AddressAdd(ctx context.Context, name, ipv4 string) error  { return nil }
func (a *fakeAgent) Up(ctx context.Context, name string, mtu uint32) error    { return nil }
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
	var rs specs.Spec
	if err := json.Unmarshal([]byte(spec.Metadata["runtimeSpec"]), &rs); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.specs[containerID] = &rs
	return nil
}
func (a *fakeAgent) StartProcess(ctx context.Context, id, containerID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextPid++
	return a.nextPid, nil
}
func (a *fakeAgent) WaitProcess(ctx context.Context, id, containerID string, timeoutSeconds *uint32) (agentapi.ExitStatus, error) {
	return agentapi.ExitStatus{}, nil
}
func (a *fakeAgent) Kill(ctx context.Context, pid int, signal int) error       { return nil }
func (a *fakeAgent) DeleteProcess(ctx context.Context, id, containerID string) error { return nil }

func newPodController(t *testing.T, agent *fakeAgent, share bool) *Controller {
	t.Helper()
	return NewController(Options{
		ID:                    "pod1",
		ShareProcessNamespace: share,
		Controller: container.Options{
			Hypervisor: &fakeHypervisor{},
			Transport:  fakeTransport{},
			NewAgent:   func(conn net.Conn) agentapi.GuestAgent { return agent },
		},
	})
}

func namespacePath(t *testing.T, spec *specs.Spec, kind specs.LinuxNamespaceType) (string, bool) {
	t.Helper()
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == kind {
			return ns.Path, true
		}
	}
	return "", false
}

// TestCreateStartsPauseContainerFirstAndSharesItsNamespace is spec §9's
// scenario S5: a pod with two containers and share_process_namespace set
// gets a pause container started first, and both member containers'
// runtime specs carry the pause container's "/proc/{pid}/ns/pid".
func TestCreateStartsPauseContainerFirstAndSharesItsNamespace(t *testing.T) {
	agent := newFakeAgent()
	p := newPodController(t, agent, true)

	require.NoError(t, p.AddContainer(container.Config{
		ID:      "a",
		Rootfs:  mount.Request{Type: "virtiofs", Source: t.TempDir()},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/a"}},
	}))
	require.NoError(t, p.AddContainer(container.Config{
		ID:      "b",
		Rootfs:  mount.Request{Type: "virtiofs", Source: t.TempDir()},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/b"}},
	}))

	require.NoError(t, p.Create(context.Background()))
	require.NotZero(t, p.PausePID())

	require.NoError(t, p.Start(context.Background(), map[string]process.StdioConfig{}))

	expected := "/proc/" + strconv.Itoa(p.PausePID()) + "/ns/pid"

	pauseSpec := agent.specs[pauseID("pod1")]
	require.NotNil(t, pauseSpec)
	pausePIDPath, ok := namespacePath(t, pauseSpec, specs.PIDNamespace)
	require.True(t, ok)
	require.Empty(t, pausePIDPath, "the pause container holds its own fresh PID namespace open, not a path to one")
	_, hasNet := namespacePath(t, pauseSpec, specs.NetworkNamespace)
	require.False(t, hasNet, "the pause container carries no network namespace")

	for _, id := range []string{"a", "b"} {
		s := agent.specs[id]
		require.NotNil(t, s)
		path, ok := namespacePath(t, s, specs.PIDNamespace)
		require.True(t, ok)
		require.Equal(t, expected, path)
	}

	var pauseMount *agentapi.MountDescriptor
	for i := range agent.mounted {
		if agent.mounted[i].Destination == "/run/container/"+pauseID("pod1")+"/rootfs/sbin" {
			pauseMount = &agent.mounted[i]
		}
	}
	require.NotNil(t, pauseMount, "pause container's /sbin bind must land at .../rootfs/sbin, not the bare rootfs root")
}

func TestCreateWithoutSharedNamespaceAddsNoPauseContainer(t *testing.T) {
	agent := newFakeAgent()
	p := newPodController(t, agent, false)

	require.NoError(t, p.AddContainer(container.Config{
		ID:      "solo",
		Rootfs:  mount.Request{Type: "virtiofs", Source: t.TempDir()},
		Process: agentapi.ProcessSpec{Args: []string{"/bin/solo"}},
	}))
	require.NoError(t, p.Create(context.Background()))
	require.Zero(t, p.PausePID())
	require.NoError(t, p.Start(context.Background(), map[string]process.StdioConfig{}))

	s := agent.specs["solo"]
	require.NotNil(t, s)
	path, ok := namespacePath(t, s, specs.PIDNamespace)
	require.True(t, ok)
	require.Empty(t, path)
}
