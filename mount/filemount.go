package mount

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/vmrunner/containerization/errdefs"
)

// FileContext is the transient record produced when a virtiofs request
// points at a regular file. The composer keeps one per file so it can tell
// the guest agent, after boot, to bind-mount the file from its holding
// directory to the real destination.
type FileContext struct {
	HostPath    string
	Destination string
	Basename    string
	TempDir     string
	Tag         string
	Options     []string
	HoldingPath string // guest-side: /run/file-mounts/{tag}/{basename}
}

// FileMountComposer implements spec §4.1 steps 2-3: detect virtiofs
// requests whose source is a regular file, rehome them into a temp
// directory as a hardlink (falling back to a copy), and consolidate
// sibling files that share a destination parent directory into one share.
type FileMountComposer struct {
	// TempRoot is the directory under which per-VM file-mount holding
	// directories are created, conventionally os.TempDir()/containerization-file-mounts.
	TempRoot string
}

// NewFileMountComposer returns a composer rooted at the process temp
// directory. Each group's holding directory under it is named by a
// truncated sha256 of the group's source paths (see materializeGroup).
func NewFileMountComposer() *FileMountComposer {
	return &FileMountComposer{TempRoot: filepath.Join(os.TempDir(), "containerization-file-mounts")}
}

// isRegularFileSource reports whether source is a plain regular
// file, as opposed to a directory or (rejected) symlink. lstat is used
// deliberately: a symlink must never be silently followed.
func (c *FileMountComposer) isRegularFileSource(source string) (bool, error) {
	fi, err := os.Lstat(source)
	if err != nil {
		return false, errdefs.InvalidArgument(fmt.Sprintf("stat mount source %q", source), err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return false, errdefs.InvalidArgument(fmt.Sprintf("mount source %q is a symlink, which is rejected for file mounts", source), nil)
	}
	if fi.IsDir() {
		return false, nil
	}
	if !fi.Mode().IsRegular() {
		return false, errdefs.InvalidArgument(fmt.Sprintf("mount source %q is neither a regular file nor a directory", source), nil)
	}
	return true, nil
}

// Compose detects file-backed virtiofs requests among reqs, rehomes each
// into a temp-dir hardlink, consolidates siblings sharing a destination
// parent directory into one temp dir, and returns the rewritten request
// list (directory shares in place of file sources) plus the FileContext
// records the agent needs after boot.
func (c *FileMountComposer) Compose(reqs []Request) ([]Request, []FileContext, error) {
	out := make([]Request, 0, len(reqs))
	var fileReqIdx []int
	var files []FileContext

	for i, req := range reqs {
		if req.Type != "virtiofs" {
			out = append(out, req)
			continue
		}
		isFile, err := c.isRegularFileSource(req.Source)
		if err != nil {
			return nil, nil, err
		}
		if !isFile {
			out = append(out, req)
			continue
		}
		fileReqIdx = append(fileReqIdx, len(out))
		out = append(out, req) // placeholder, rewritten below
		files = append(files, FileContext{
			HostPath:    req.Source,
			Destination: req.Destination,
			Basename:    filepath.Base(req.Destination),
			Options:     req.Options,
		})
	}
	if len(files) == 0 {
		return out, nil, nil
	}

	groups := groupByParent(files)
	for _, g := range groups {
		tempDir, err := c.materializeGroup(g)
		if err != nil {
			return nil, nil, err
		}
		for i := range g {
			g[i].TempDir = tempDir
		}
	}

	// groupByParent returns copies; write the results (TempDir now set)
	// back onto files in original order.
	byDest := make(map[string]FileContext, len(files))
	for _, g := range groups {
		for _, fc := range g {
			byDest[fc.Destination] = fc
		}
	}
	for i, idx := range fileReqIdx {
		fc := byDest[files[i].Destination]
		out[idx] = Request{
			Type:        "virtiofs",
			Source:      fc.TempDir,
			Destination: fc.Destination,
			Options:     fc.Options,
			Kind:        RuntimeShare,
		}
		files[i] = fc
	}
	return out, files, nil
}

// groupByParent buckets file contexts whose destination shares a parent
// directory, so consolidation can mount them through a single share
// instead of exceeding the hypervisor's per-VM tag quota.
func groupByParent(files []FileContext) [][]FileContext {
	byParent := make(map[string][]FileContext)
	var order []string
	for _, fc := range files {
		parent := filepath.Dir(fc.Destination)
		if _, ok := byParent[parent]; !ok {
			order = append(order, parent)
		}
		byParent[parent] = append(byParent[parent], fc)
	}
	sort.Strings(order)
	groups := make([][]FileContext, 0, len(order))
	for _, p := range order {
		groups = append(groups, byParent[p])
	}
	return groups
}

// materializeGroup creates one temp dir for a group of file contexts that
// share a destination parent, hardlinking (or copying, on cross-device
// sources) each file into it under its own basename, and names the temp
// dir deterministically from a hash of every source path in the group so
// that repeated composition of the same requests is idempotent.
func (c *FileMountComposer) materializeGroup(group []FileContext) (string, error) {
	sources := make([]string, len(group))
	for i, fc := range group {
		sources[i] = fc.HostPath
	}
	sort.Strings(sources)
	h := sha256.New()
	for _, s := range sources {
		io.WriteString(h, s) //nolint:errcheck // hash.Hash.Write never errors
		h.Write([]byte{0})
	}
	name := hex.EncodeToString(h.Sum(nil))[:16]
	if name == "" {
		name = uuid.NewString()
	}
	dir := filepath.Join(c.TempRoot, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errdefs.Internal(fmt.Sprintf("create file-mount temp dir %q", dir), err)
	}
	for _, fc := range group {
		dst := filepath.Join(dir, fc.Basename)
		if err := linkOrCopy(fc.HostPath, dst); err != nil {
			return "", errdefs.Internal(fmt.Sprintf("materialize file mount %q", fc.HostPath), err)
		}
	}
	return dir, nil
}

// linkOrCopy hardlinks src to dst, falling back to a byte copy when the
// link fails — typically because src and dst are on different
// filesystems (syscall.EXDEV). A fallback copy failure is fatal for that
// mount, per spec §7.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	// Hardlink failed — typically EXDEV across filesystems, but any
	// failure falls back to copy; only a copy failure is fatal.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
