// Package agentapi defines the client-side contract for the in-guest
// agent (spec §6): the RPC surface this repo calls, never implements. The
// guest-side server is an external collaborator, out of scope per spec
// §1's explicit non-goals.
package agentapi

import "context"

// MountDescriptor is the wire shape of one guest mount RPC argument,
// matching mount.Attached's fields.
type MountDescriptor struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Options     []string `json:"options,omitempty"`
}

// DNSConfig is written to /etc/resolv.conf by ConfigureDNS.
type DNSConfig struct {
	Nameservers []string `json:"nameservers,omitempty"`
	Search      []string `json:"search,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// HostsConfig is written to /etc/hosts by ConfigureHosts.
type HostsConfig struct {
	Entries []HostsEntry `json:"entries,omitempty"`
}

// HostsEntry is one /etc/hosts line.
type HostsEntry struct {
	IP        string   `json:"ip"`
	Hostnames []string `json:"hostnames"`
}

// ProcessSpec is the JSON-over-ttrpc payload create_process sends; it
// embeds the populated OCI process fields (spec §6's "Runtime-spec
// fields the controller populates").
type ProcessSpec struct {
	Args     []string          `json:"args"`
	Env      []string          `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	User     *User             `json:"user,omitempty"`
	Rlimits  []Rlimit          `json:"rlimits,omitempty"`
	Terminal bool              `json:"terminal"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type User struct {
	UID            uint32   `json:"uid"`
	GID            uint32   `json:"gid"`
	AdditionalGIDs []uint32 `json:"additionalGids,omitempty"`
}

type Rlimit struct {
	Type string `json:"type"`
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// CreateProcessOptions carries the stdio port wiring for create_process
// (spec §6). Host-allocated ports are dialed into by the guest; a nil
// port means that stream is not wired.
type CreateProcessOptions struct {
	StdinPort  *uint32
	StdoutPort *uint32
	StderrPort *uint32
	// OCIRuntimePath overrides the in-guest OCI runtime binary, if set.
	OCIRuntimePath string
}

// ExitStatus is wait_process's result.
type ExitStatus struct {
	ExitCode int32 `json:"exitCode"`
}

// ContainerStatistics is one entry of container_statistics's result.
type ContainerStatistics struct {
	ContainerID string `json:"containerId"`
	CPUUsageNs  uint64 `json:"cpuUsageNs"`
	MemoryBytes uint64 `json:"memoryBytes"`
}

// RelayDirection mirrors mount.RuntimeKind's shape for socket relays
// (spec §3): into_guest or out_of_guest.
type RelayDirection string

const (
	RelayIntoGuest  RelayDirection = "into_guest"
	RelayOutOfGuest RelayDirection = "out_of_guest"
)

// RelayConfiguration is the socket-relay extension's wire configuration
// (spec §6, optional capability).
type RelayConfiguration struct {
	ID          string         `json:"id"`
	Direction   RelayDirection `json:"direction"`
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
}

// GuestAgent is the client-side contract for the guest-agent channel
// (spec §6's full RPC surface, excluding the optional socket-relay
// capability which is probed for separately via SocketRelayAgent).
type GuestAgent interface {
	StandardSetup(ctx context.Context) error
	Mount(ctx context.Context, m MountDescriptor) error
	Umount(ctx context.Context, path string, flags int) error
	Mkdir(ctx context.Context, path string, recursive bool, mode uint32) error

	AddressAdd(ctx context.Context, name, ipv4 string) error
	Up(ctx context.Context, name string, mtu uint32) error
	RouteAddDefault(ctx context.Context, name, ipv4Gateway string) error
	ConfigureDNS(ctx context.Context, cfg DNSConfig, rootfsLocation string) error
	ConfigureHosts(ctx context.Context, cfg HostsConfig, rootfsLocation string) error

	CreateProcess(ctx context.Context, id, containerID string, spec ProcessSpec, opts CreateProcessOptions) error
	StartProcess(ctx context.Context, id, containerID string) (pid int, err error)
	SignalProcess(ctx context.Context, id, containerID string, signal int) error
	WaitProcess(ctx context.Context, id, containerID string, timeoutSeconds *uint32) (ExitStatus, error)
	ResizeProcess(ctx context.Context, id, containerID string, rows, cols uint32) error
	CloseProcessStdin(ctx context.Context, id, containerID string) error
	DeleteProcess(ctx context.Context, id, containerID string) error

	ContainerStatistics(ctx context.Context, containerIDs []string) ([]ContainerStatistics, error)

	// Kill signals pid; pid == -1 signals every process the agent can
	// reach (spec §6).
	Kill(ctx context.Context, pid int, signal int) error

	EnableRosetta(ctx context.Context) error
}

// SocketRelayAgent is an optional capability (spec §6, §9): callers probe
// for it with a type assertion on a GuestAgent and fail with
// errdefs.ErrUnsupported if the guest did not negotiate it.
type SocketRelayAgent interface {
	RelaySocket(ctx context.Context, port uint32, cfg RelayConfiguration) error
	StopSocketRelay(ctx context.Context, cfg RelayConfiguration) error
}
