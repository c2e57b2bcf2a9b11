// Package mount translates abstract mount requests into the block-device
// or shared-directory attachments a hypervisor and guest agent understand,
// including the file-to-share transform for single-file binds.
package mount

// RuntimeKind classifies how an attachment is realized against the
// hypervisor.
type RuntimeKind int

const (
	// RuntimeGeneric mounts are passed through to the guest agent
	// unchanged; the composer does not allocate a device or tag for them.
	RuntimeGeneric RuntimeKind = iota
	// RuntimeBlock attachments are backed by a block device (vdX).
	RuntimeBlock
	// RuntimeShare attachments are backed by a directory share.
	RuntimeShare
)

// Request describes one mount as the caller expressed it, before the
// composer has decided how to realize it.
type Request struct {
	Type        string
	Source      string
	Destination string
	Options     []string
	Kind        RuntimeKind
}

// ReadOnly reports whether "ro" is present in Options. It is the only
// option the composer itself interprets; all others pass through to the
// guest agent untouched.
func (r Request) ReadOnly() bool {
	for _, o := range r.Options {
		if o == "ro" {
			return true
		}
	}
	return false
}

// Attached is the composer's output for one request: the form the guest
// agent's mount RPC consumes.
type Attached struct {
	Type        string
	Source      string
	Destination string
	Options     []string
	// IsFileBind is true when the original source was a regular file that
	// the composer rehomed into a directory share (see FileMountComposer).
	IsFileBind bool
}
