package mount

// Composer runs the full spec §4.1 algorithm: file detection and
// consolidation, then attachment assignment (block device / share tag /
// passthrough) for the resulting request list.
type Composer struct {
	blocks *BlockTagAllocator
	shares *ShareTagAllocator
	files  *FileMountComposer

	shareTagSeen map[string]bool
}

// NewComposer returns a composer with fresh, empty allocators — one
// Composer is used per VM lifetime.
func NewComposer() *Composer {
	return &Composer{
		blocks:       &BlockTagAllocator{},
		shares:       NewShareTagAllocator(),
		files:        NewFileMountComposer(),
		shareTagSeen: make(map[string]bool),
	}
}

// Result is the composer's full output: the attachments the guest-agent
// mount RPCs consume, the file-mount contexts to bind after boot, and the
// device placement lists a VM configuration needs.
type Result struct {
	Attached   []Attached
	FileMounts []FileContext
	// BlockDevs is the ordered list of block device paths to add to the
	// VM's storage configuration, in allocation order.
	BlockDevs []string
	// ShareTags is the deduplicated list of directory-share tags to add
	// to the VM's directory-sharing configuration, in first-use order. A
	// single tag may back multiple Attached entries (the same host
	// directory bind-mounted at more than one guest destination) but must
	// appear at most once in the hypervisor's device list.
	ShareTags []string
}

// Compose runs the algorithm over reqs. initialIsBlock indicates whether
// the VM's initial filesystem is block-backed, in which case vda is
// reserved before any other allocation (spec §3, §8 invariant 1) and
// reqs[0], when it is an ext4 request, is attached at that vda.
func (c *Composer) Compose(reqs []Request, initialIsBlock bool) (*Result, error) {
	res := &Result{}
	var initialDev string
	if initialIsBlock {
		dev, err := c.blocks.ReserveInitial()
		if err != nil {
			return nil, err
		}
		res.BlockDevs = append(res.BlockDevs, dev)
		initialDev = dev
	}

	rewritten, fileMounts, err := c.files.Compose(reqs)
	if err != nil {
		return nil, err
	}
	res.FileMounts = fileMounts

	for i, req := range rewritten {
		if i == 0 && initialDev != "" && req.Type == "ext4" {
			res.Attached = append(res.Attached, Attached{
				Type: req.Type, Source: initialDev, Destination: req.Destination, Options: req.Options,
			})
			continue
		}
		attached, err := c.attach(req, res)
		if err != nil {
			return nil, err
		}
		res.Attached = append(res.Attached, attached)
	}

	for i := range res.FileMounts {
		fc := &res.FileMounts[i]
		fc.Tag = c.shares.Tag(fc.TempDir)
		fc.HoldingPath = "/run/file-mounts/" + fc.Tag + "/" + fc.Basename
	}
	return res, nil
}

// attach assigns one request its final attachment per spec §4.1 step 4,
// recording any newly-seen device or tag onto res's placement lists.
func (c *Composer) attach(req Request, res *Result) (Attached, error) {
	switch req.Type {
	case "virtiofs":
		tag := c.shares.Tag(req.Source)
		if !c.shareTagSeen[tag] {
			c.shareTagSeen[tag] = true
			res.ShareTags = append(res.ShareTags, tag)
		}
		dest := req.Destination
		if req.Kind == RuntimeShare {
			// A file-mount share is mounted at its holding directory; the
			// file itself is bound from there to req.Destination.
			dest = "/run/file-mounts/" + tag
		}
		return Attached{
			Type:        req.Type,
			Source:      tag,
			Destination: dest,
			Options:     req.Options,
			IsFileBind:  req.Kind == RuntimeShare,
		}, nil
	case "ext4":
		dev, err := c.blocks.Allocate()
		if err != nil {
			return Attached{}, err
		}
		res.BlockDevs = append(res.BlockDevs, dev)
		return Attached{
			Type:        req.Type,
			Source:      dev,
			Destination: req.Destination,
			Options:     req.Options,
		}, nil
	default:
		return Attached{
			Type:        req.Type,
			Source:      req.Source,
			Destination: req.Destination,
			Options:     req.Options,
		}, nil
	}
}
