// Package vm adapts a hypervisor backend to the VM Instance state machine:
// boot, dial the guest agent, pause/resume, and teardown, all serialized by
// one lock per instance, the way the teacher's uvm.UtilityVM owns a single
// compute system object and its mutex.
package vm

import "github.com/vmrunner/containerization/mount"

// Interface describes one guest network interface to bring up after boot.
type Interface struct {
	Name    string
	MTU     uint32
	IPv4    string
	Gateway string // empty if no default route should be installed
	MAC     string
}

// Config is the VM configuration the instance is built from: CPUs,
// memory, interfaces, mounts grouped by workload id, optional boot-log
// sink, nested virtualization flag, and kernel boot parameters.
type Config struct {
	CPUs              int
	MemoryBytes       uint64
	Interfaces        []Interface
	MountsByWorkload  map[string][]mount.Request
	BootLog           *BootLogSink
	NestedVirt        bool
	KernelPath        string
	KernelInitArgs    []string // appended after "--" on the cmdline
	InitialFilesystem mount.Request
}

// KernelCmdline builds the kernel command line per spec §6: always starts
// with "init=/sbin/vminitd ro", adds rootfstype/root matching the initial
// filesystem's type, and appends any extra init args after a literal "--".
func (c Config) KernelCmdline() string {
	cmdline := "init=/sbin/vminitd ro"
	switch c.InitialFilesystem.Type {
	case "virtiofs":
		cmdline += " rootfstype=virtiofs root=rootfs"
	case "ext4":
		cmdline += " rootfstype=ext4 root=/dev/vda"
	}
	if len(c.KernelInitArgs) > 0 {
		cmdline += " --"
		for _, a := range c.KernelInitArgs {
			cmdline += " " + a
		}
	}
	return cmdline
}
