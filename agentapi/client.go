package agentapi

import (
	"context"
	"net"

	"github.com/containerd/ttrpc"
	"github.com/vmrunner/containerization/errdefs"
)

// serviceName is the ttrpc service this repo calls into on the guest
// agent, mirroring the teacher's single GCS bridge service surface but
// over ttrpc instead of the hand-rolled HCS bridge wire format.
const serviceName = "containerization.v1.Agent"

// Client implements GuestAgent (and, when the guest negotiated the
// capability, SocketRelayAgent) over a single ttrpc connection. One
// Client wraps one dialed vsock connection to the guest agent's
// well-known port; callers get a fresh Client per dial (spec §4.3's
// "dial_agent... returns scoped handles").
type Client struct {
	rpc  *ttrpc.Client
	conn net.Conn

	relayCapable bool
}

// NewClient wraps an already-dialed connection to the guest agent in a
// ttrpc client. The caller retains ownership of conn's lifetime via
// Close.
func NewClient(conn net.Conn, relayCapable bool) *Client {
	return &Client{
		rpc:          ttrpc.NewClient(conn),
		conn:         conn,
		relayCapable: relayCapable,
	}
}

// Close releases the underlying ttrpc client and connection.
func (c *Client) Close() error {
	rerr := c.rpc.Close()
	cerr := c.conn.Close()
	if rerr != nil {
		return rerr
	}
	return cerr
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	if err := c.rpc.Call(ctx, serviceName, method, req, resp); err != nil {
		return errdefs.Internal("agent rpc "+method+" failed", err)
	}
	return nil
}

var _ GuestAgent = (*Client)(nil)

func (c *Client) StandardSetup(ctx context.Context) error {
	return c.call(ctx, "StandardSetup", &emptyMsg{}, &emptyMsg{})
}

type mountReq struct {
	Mount MountDescriptor `json:"mount"`
}

func (c *Client) Mount(ctx context.Context, m MountDescriptor) error {
	return c.call(ctx, "Mount", &mountReq{Mount: m}, &emptyMsg{})
}

type umountReq struct {
	Path  string `json:"path"`
	Flags int    `json:"flags"`
}

func (c *Client) Umount(ctx context.Context, path string, flags int) error {
	return c.call(ctx, "Umount", &umountReq{Path: path, Flags: flags}, &emptyMsg{})
}

type mkdirReq struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Mode      uint32 `json:"mode"`
}

func (c *Client) Mkdir(ctx context.Context, path string, recursive bool, mode uint32) error {
	return c.call(ctx, "Mkdir", &mkdirReq{Path: path, Recursive: recursive, Mode: mode}, &emptyMsg{})
}

type ifaceReq struct {
	Name        string `json:"name"`
	IPv4        string `json:"ipv4,omitempty"`
	MTU         uint32 `json:"mtu,omitempty"`
	IPv4Gateway string `json:"ipv4Gateway,omitempty"`
}

func (c *Client) AddressAdd(ctx context.Context, name, ipv4 string) error {
	return c.call(ctx, "AddressAdd", &ifaceReq{Name: name, IPv4: ipv4}, &emptyMsg{})
}

func (c *Client) Up(ctx context.Context, name string, mtu uint32) error {
	return c.call(ctx, "Up", &ifaceReq{Name: name, MTU: mtu}, &emptyMsg{})
}

func (c *Client) RouteAddDefault(ctx context.Context, name, ipv4Gateway string) error {
	return c.call(ctx, "RouteAddDefault", &ifaceReq{Name: name, IPv4Gateway: ipv4Gateway}, &emptyMsg{})
}

type dnsReq struct {
	Config         DNSConfig `json:"config"`
	RootfsLocation string    `json:"rootfsLocation"`
}

func (c *Client) ConfigureDNS(ctx context.Context, cfg DNSConfig, rootfsLocation string) error {
	return c.call(ctx, "ConfigureDNS", &dnsReq{Config: cfg, RootfsLocation: rootfsLocation}, &emptyMsg{})
}

type hostsReq struct {
	Config         HostsConfig `json:"config"`
	RootfsLocation string      `json:"rootfsLocation"`
}

func (c *Client) ConfigureHosts(ctx context.Context, cfg HostsConfig, rootfsLocation string) error {
	return c.call(ctx, "ConfigureHosts", &hostsReq{Config: cfg, RootfsLocation: rootfsLocation}, &emptyMsg{})
}

type createProcessReq struct {
	ID             string      `json:"id"`
	ContainerID    string      `json:"containerId"`
	Spec           ProcessSpec `json:"spec"`
	StdinPort      *uint32     `json:"stdinPort,omitempty"`
	StdoutPort     *uint32     `json:"stdoutPort,omitempty"`
	StderrPort     *uint32     `json:"stderrPort,omitempty"`
	OCIRuntimePath string      `json:"ociRuntimePath,omitempty"`
}

func (c *Client) CreateProcess(ctx context.Context, id, containerID string, spec ProcessSpec, opts CreateProcessOptions) error {
	req := &createProcessReq{
		ID: id, ContainerID: containerID, Spec: spec,
		StdinPort: opts.StdinPort, StdoutPort: opts.StdoutPort, StderrPort: opts.StderrPort,
		OCIRuntimePath: opts.OCIRuntimePath,
	}
	return c.call(ctx, "CreateProcess", req, &emptyMsg{})
}

type ctrProcReq struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId"`
}

type startProcessResp struct {
	Pid int `json:"pid"`
}

func (c *Client) StartProcess(ctx context.Context, id, containerID string) (int, error) {
	var resp startProcessResp
	if err := c.call(ctx, "StartProcess", &ctrProcReq{ID: id, ContainerID: containerID}, &resp); err != nil {
		return 0, err
	}
	return resp.Pid, nil
}

type signalProcessReq struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId"`
	Signal      int    `json:"signal"`
}

func (c *Client) SignalProcess(ctx context.Context, id, containerID string, signal int) error {
	return c.call(ctx, "SignalProcess", &signalProcessReq{ID: id, ContainerID: containerID, Signal: signal}, &emptyMsg{})
}

type waitProcessReq struct {
	ID             string  `json:"id"`
	ContainerID    string  `json:"containerId"`
	TimeoutSeconds *uint32 `json:"timeoutSeconds,omitempty"`
}

func (c *Client) WaitProcess(ctx context.Context, id, containerID string, timeoutSeconds *uint32) (ExitStatus, error) {
	var resp ExitStatus
	err := c.call(ctx, "WaitProcess", &waitProcessReq{ID: id, ContainerID: containerID, TimeoutSeconds: timeoutSeconds}, &resp)
	return resp, err
}

type resizeProcessReq struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId"`
	Rows        uint32 `json:"rows"`
	Cols        uint32 `json:"cols"`
}

func (c *Client) ResizeProcess(ctx context.Context, id, containerID string, rows, cols uint32) error {
	return c.call(ctx, "ResizeProcess", &resizeProcessReq{ID: id, ContainerID: containerID, Rows: rows, Cols: cols}, &emptyMsg{})
}

func (c *Client) CloseProcessStdin(ctx context.Context, id, containerID string) error {
	return c.call(ctx, "CloseProcessStdin", &ctrProcReq{ID: id, ContainerID: containerID}, &emptyMsg{})
}

func (c *Client) DeleteProcess(ctx context.Context, id, containerID string) error {
	return c.call(ctx, "DeleteProcess", &ctrProcReq{ID: id, ContainerID: containerID}, &emptyMsg{})
}

type statsReq struct {
	ContainerIDs []string `json:"containerIds"`
}

type statsResp struct {
	Stats []ContainerStatistics `json:"stats"`
}

func (c *Client) ContainerStatistics(ctx context.Context, containerIDs []string) ([]ContainerStatistics, error) {
	var resp statsResp
	err := c.call(ctx, "ContainerStatistics", &statsReq{ContainerIDs: containerIDs}, &resp)
	return resp.Stats, err
}

type killReq struct {
	Pid    int `json:"pid"`
	Signal int `json:"signal"`
}

func (c *Client) Kill(ctx context.Context, pid int, signal int) error {
	return c.call(ctx, "Kill", &killReq{Pid: pid, Signal: signal}, &emptyMsg{})
}

func (c *Client) EnableRosetta(ctx context.Context) error {
	return c.call(ctx, "EnableRosetta", &emptyMsg{}, &emptyMsg{})
}

// SocketRelay returns c as a SocketRelayAgent if the guest negotiated the
// capability, or (nil, false) otherwise — the probe-for-capability
// pattern spec §9 describes, generalized from the teacher's
// GuestDefinedCapabilities negotiation.
func (c *Client) SocketRelay() (SocketRelayAgent, bool) {
	if !c.relayCapable {
		return nil, false
	}
	return c, true
}

var _ SocketRelayAgent = (*Client)(nil)

func (c *Client) RelaySocket(ctx context.Context, port uint32, cfg RelayConfiguration) error {
	if !c.relayCapable {
		return errdefs.Unsupported("guest agent does not support socket relay", nil)
	}
	req := struct {
		Port   uint32             `json:"port"`
		Config RelayConfiguration `json:"config"`
	}{Port: port, Config: cfg}
	return c.call(ctx, "RelaySocket", &req, &emptyMsg{})
}

func (c *Client) StopSocketRelay(ctx context.Context, cfg RelayConfiguration) error {
	if !c.relayCapable {
		return errdefs.Unsupported("guest agent does not support socket relay", nil)
	}
	return c.call(ctx, "StopSocketRelay", &cfg, &emptyMsg{})
}

type emptyMsg struct{}
