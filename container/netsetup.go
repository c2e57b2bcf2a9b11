package container

import (
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"github.com/vmrunner/containerization/errdefs"
)

// hostNetworkSetup is the host-side half of spec §6's network bring-up:
// before the guest-agent address_add/up/route_add_default RPC triplet
// runs, the host-side link backing the VM's vsock/vhost interface must
// exist and be up. For pod networking, netNamespace names the namespace
// the link lives in; it is entered for the duration of this call and
// restored afterward. Grounded on kata-containers' own netlink-based
// host network setup.
func hostNetworkSetup(hostLinkName, netNamespace string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := enterNamespace(netNamespace)
	if err != nil {
		return err
	}
	defer restore()

	link, err := netlink.LinkByName(hostLinkName)
	if err != nil {
		return errdefs.NotFound("host network link not found: "+hostLinkName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errdefs.Internal("bring up host network link", err)
	}
	return nil
}

// enterNamespace switches the calling goroutine's network namespace to
// name for the duration of the returned restore func. A caller must pin
// itself to the current OS thread (runtime.LockOSThread) before calling
// this, since network namespaces are per-thread, not per-process.
func enterNamespace(name string) (restore func(), err error) {
	if name == "" {
		return func() {}, nil
	}
	orig, err := netns.Get()
	if err != nil {
		return nil, errdefs.Internal("get current network namespace", err)
	}
	target, err := netns.GetFromName(name)
	if err != nil {
		_ = orig.Close()
		return nil, errdefs.NotFound("network namespace not found: "+name, err)
	}
	if err := netns.Set(target); err != nil {
		_ = orig.Close()
		_ = target.Close()
		return nil, errdefs.Internal("enter network namespace", err)
	}
	return func() {
		_ = netns.Set(orig)
		_ = orig.Close()
		_ = target.Close()
	}, nil
}
