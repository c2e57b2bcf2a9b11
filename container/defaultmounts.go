package container

import "github.com/vmrunner/containerization/mount"

// DefaultMounts are always present in a container's runtime spec unless
// overridden by the caller (spec §6's "default container mounts" table).
var DefaultMounts = []mount.Request{
	{Type: "proc", Source: "proc", Destination: "/proc", Options: []string{"nosuid", "noexec", "nodev"}},
	{Type: "sysfs", Source: "sysfs", Destination: "/sys", Options: []string{"nosuid", "noexec", "nodev"}},
	{Type: "devtmpfs", Source: "none", Destination: "/dev", Options: []string{"nosuid", "mode=755"}},
	{Type: "mqueue", Source: "mqueue", Destination: "/dev/mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
	{Type: "tmpfs", Source: "tmpfs", Destination: "/dev/shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
	{Type: "cgroup2", Source: "none", Destination: "/sys/fs/cgroup", Options: []string{"nosuid", "noexec", "nodev"}},
	{Type: "devpts", Source: "devpts", Destination: "/dev/pts", Options: []string{"nosuid", "noexec", "gid=5", "mode=620", "ptmxmode=666"}},
}
