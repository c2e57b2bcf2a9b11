package container

import (
	"github.com/vmrunner/containerization/agentapi"
	"github.com/vmrunner/containerization/mount"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// RuntimeSpecBuilder populates an OCI-shaped runtime spec per spec §6's
// "runtime-spec fields the controller populates", grounded on the
// teacher's internal/hcsoci and internal/oci packages which likewise
// translate a container config into a populated OCI spec before handing
// it to the guest.
type RuntimeSpecBuilder struct{}

// Build returns the populated spec for cfg. If cfg.Rootfs carried "ro",
// root.readonly is set here; the controller's mountContainers strips "ro"
// from the rootfs attachment's own mount options before handing it to the
// agent's mount RPC, since the in-guest OCI runtime performs the remount
// (spec §4.2).
func (RuntimeSpecBuilder) Build(cfg Config) *specs.Spec {
	spec := &specs.Spec{
		Version:  "1.1.0",
		Hostname: cfg.Hostname,
		Root: &specs.Root{
			Path:     cfg.rootfsGuestPath(),
			Readonly: cfg.Rootfs.ReadOnly(),
		},
		Process: &specs.Process{
			Terminal: cfg.Process.Terminal,
			Args:     cfg.Process.Args,
			Env:      cfg.Process.Env,
			Cwd:      cfg.Process.Cwd,
			Rlimits:  buildRlimits(cfg.Process.Rlimits),
		},
		Mounts: buildMounts(cfg.Mounts),
		Linux: &specs.Linux{
			Sysctl:      cfg.Sysctl,
			CgroupsPath: cfg.cgroupPath(),
			Namespaces:  buildNamespaces(cfg),
			Resources: &specs.LinuxResources{
				CPU:    buildCPU(cfg.CPUs),
				Memory: buildMemory(cfg.MemoryBytes),
			},
		},
	}
	if cfg.Process.User != nil {
		spec.Process.User = specs.User{
			UID:            cfg.Process.User.UID,
			GID:            cfg.Process.User.GID,
			AdditionalGids: cfg.Process.User.AdditionalGIDs,
		}
	}
	return spec
}

func buildRlimits(rl []agentapi.Rlimit) []specs.POSIXRlimit {
	out := make([]specs.POSIXRlimit, 0, len(rl))
	for _, r := range rl {
		out = append(out, specs.POSIXRlimit{Type: r.Type, Hard: r.Hard, Soft: r.Soft})
	}
	return out
}

// buildMounts prepends the always-present default mounts (spec §6 table)
// to cfg's own, in order; cfg's entries never override a default with
// the same destination, matching the table's "always present unless
// overridden" wording by letting a caller-supplied entry for the same
// path simply appear twice, last one wins at mount time.
func buildMounts(reqs []mount.Request) []specs.Mount {
	all := make([]mount.Request, 0, len(DefaultMounts)+len(reqs))
	all = append(all, DefaultMounts...)
	all = append(all, reqs...)

	out := make([]specs.Mount, 0, len(all))
	for _, r := range all {
		out = append(out, specs.Mount{
			Type:        r.Type,
			Source:      r.Source,
			Destination: r.Destination,
			Options:     r.Options,
		})
	}
	return out
}

// buildNamespaces returns the full namespace set for a regular container.
// A pause container carries only {cgroup, ipc, mount, pid, uts} — no
// network namespace of its own, since its sole purpose is holding the PID
// namespace open for its pod siblings (spec §4.2).
func buildNamespaces(cfg Config) []specs.LinuxNamespace {
	kinds := []specs.LinuxNamespaceType{
		specs.PIDNamespace, specs.MountNamespace,
		specs.IPCNamespace, specs.UTSNamespace, specs.CgroupNamespace,
	}
	if !cfg.IsPause {
		kinds = append(kinds, specs.NetworkNamespace)
	}
	ns := make([]specs.LinuxNamespace, 0, len(kinds))
	for _, k := range kinds {
		n := specs.LinuxNamespace{Type: k}
		if k == specs.PIDNamespace && cfg.PIDNamespacePath != "" {
			n.Path = cfg.PIDNamespacePath
		}
		ns = append(ns, n)
	}
	return ns
}

// buildCPU implements spec §4.2's "CPU as (quota=cpus·100_000,
// period=100_000)".
func buildCPU(cpus int) *specs.LinuxCPU {
	if cpus <= 0 {
		return nil
	}
	period := uint64(100_000)
	quota := int64(cpus) * 100_000
	return &specs.LinuxCPU{Quota: &quota, Period: &period}
}

func buildMemory(bytes uint64) *specs.LinuxMemory {
	if bytes == 0 {
		return nil
	}
	limit := int64(bytes)
	return &specs.LinuxMemory{Limit: &limit}
}
