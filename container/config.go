package container

import (
	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/mount"
)

// Config is one container's configuration, the caller-facing analog of
// spec §3's rootfs + process + resource fields the controller needs to
// build a runtime spec and drive the guest-agent create_process call.
type Config struct {
	ID       string
	PodID    string // empty for a standalone container
	Hostname string

	Rootfs mount.Request
	Mounts []mount.Request

	Process agentapi.ProcessSpec

	CPUs        int
	MemoryBytes uint64

	Sysctl map[string]string

	// PIDNamespacePath, when set, is the path to an existing PID
	// namespace (e.g. a pod's pause container) this container joins
	// instead of creating its own (spec §4.2's pod PID-namespace
	// extension).
	PIDNamespacePath string

	// IsPause marks this container as a pod's pause container: it holds
	// {cgroup, ipc, mount, pid, uts} namespaces open for its siblings and
	// carries no network namespace of its own (spec §4.2).
	IsPause bool
}

// cgroupPath returns spec §6's "/container/{id}" or, for a pod member,
// "/container/pod/{pod_id}/{id}".
func (c Config) cgroupPath() string {
	if c.PodID == "" {
		return "/container/" + c.ID
	}
	return "/container/pod/" + c.PodID + "/" + c.ID
}

// rootfsGuestPath returns spec §6's "/run/container/{id}/rootfs".
func (c Config) rootfsGuestPath() string {
	return "/run/container/" + c.ID + "/rootfs"
}
