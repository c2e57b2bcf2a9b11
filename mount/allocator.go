package mount

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmrunner/containerization/errdefs"
)

// BlockTagAllocator hands out device suffixes vda, vdb, … in order. It is
// single-threaded by design: the composer runs the whole attachment pass
// under the container controller's lock, so there is never a concurrent
// caller to guard against. A tag is never reused within one allocator's
// lifetime, matching the VM's own lifetime (spec invariant 1).
type BlockTagAllocator struct {
	next int
}

// alphabet is the 26 single-letter device suffixes available per VM. The
// hypervisor has no second tier (vdaa, …) so exhaustion is a hard failure.
const alphabet = "abcdefghijklmnopqrstuvwxyz"

// Allocate returns the next device path, e.g. "/dev/vda", then
// "/dev/vdb" on subsequent calls. It returns errdefs.ErrExhausted once all
// 26 letters have been handed out.
func (a *BlockTagAllocator) Allocate() (string, error) {
	if a.next >= len(alphabet) {
		return "", errdefs.Exhausted("block device tag allocator exhausted", nil)
	}
	suffix := alphabet[a.next]
	a.next++
	return fmt.Sprintf("/dev/vd%c", suffix), nil
}

// ReserveInitial consumes the first letter (vda) for the initial
// filesystem, when it is block-backed. It must be called, if at all,
// before any other Allocate call.
func (a *BlockTagAllocator) ReserveInitial() (string, error) {
	if a.next != 0 {
		return "", errdefs.Internal("initial filesystem must be the first block allocation", nil)
	}
	return a.Allocate()
}

// ShareTagAllocator derives content-addressed share tags from a directory
// share's final on-disk source path and collapses duplicates, since the
// hypervisor requires share tags to be unique per VM (spec §3). Two shares
// with the same source path always produce the same tag.
type ShareTagAllocator struct {
	bySource map[string]string
}

// NewShareTagAllocator returns a ready-to-use allocator.
func NewShareTagAllocator() *ShareTagAllocator {
	return &ShareTagAllocator{bySource: make(map[string]string)}
}

// Tag returns the share tag for source, allocating a new one the first
// time source is seen and returning the cached tag on every subsequent
// call with the same source.
func (a *ShareTagAllocator) Tag(source string) string {
	if tag, ok := a.bySource[source]; ok {
		return tag
	}
	tag := hashTag(source)
	a.bySource[source] = tag
	return tag
}

// hashTag hex-encodes a truncated sha256 of source: short enough to be a
// friendly share identifier, long enough that collisions between distinct
// paths are not a practical concern.
func hashTag(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:16]
}
