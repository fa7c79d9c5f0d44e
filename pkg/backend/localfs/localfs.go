// Package localfs is a backend.Backend backed by a real directory tree on
// local disk: a node table with hard-link dedup via a dev/inode map and
// flat-storage-plus-free-list allocation, serving a filesystem instance
// identified by a ServiceID and nestable under a mount point.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/errors"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// devIno is the hard-link dedup key: registering by (device, inode) instead
// of path makes two names for the same file resolve to the same NodeIndex.
type devIno struct {
	dev, ino uint64
}

type localNode struct {
	relPath string
	typ     vfs.NodeType
	key     devIno
	keyed   bool
	live    bool
}

// Backend serves a host directory tree over the backend request surface.
// One value serves exactly one ServiceID, the one passed to Mounted.
type Backend struct {
	backend.UnimplementedBackend
	backend.Splices

	handle vfs.BackendHandle

	mu         sync.Mutex
	service    vfs.ServiceID
	mounted    bool
	exportRoot string
	root       string
	nodes      []localNode
	freeNodes  []int
	byDevIno   map[devIno]vfs.NodeIndex
}

// New returns a Backend identified as handle in triplets it hands out.
func New(handle vfs.BackendHandle) *Backend {
	return &Backend{handle: handle, byDevIno: map[devIno]vfs.NodeIndex{}}
}

// SetHandle re-stamps the handle used in triplets this backend mints; the
// broker's registry calls it at registration.
func (b *Backend) SetHandle(h vfs.BackendHandle) {
	b.mu.Lock()
	b.handle = h
	b.mu.Unlock()
}

// SetExportRoot confines future Mounts to subdirectories of dir: mount
// options then name a path under it ("" or "/" for the root itself).
// Without an export root, options name the host directory to serve
// outright.
func (b *Backend) SetExportRoot(dir string) {
	b.mu.Lock()
	b.exportRoot = dir
	b.mu.Unlock()
}

// Mounted begins serving service, treating opts as where the tree lives on
// local disk: the host directory itself, or, once SetExportRoot has been
// called, a path under the export root. For a
// non-root mount this call arrives via the parent backend's splice.
func (b *Backend) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mounted {
		return vfs.LookupResult{}, errors.New("localfs: backend already serves a mounted instance")
	}
	device := opts
	if b.exportRoot != "" {
		if opts == "" || opts == "/" {
			device = b.exportRoot
		} else {
			device = filepath.Join(b.exportRoot, opts)
		}
	}
	fi, err := os.Stat(device)
	if err != nil {
		return vfs.LookupResult{}, errors.Wrapf(err, "localfs: stat root %s", device)
	}
	if !fi.IsDir() {
		return vfs.LookupResult{}, vfs.EINVAL
	}
	b.root = device
	b.service = service
	idx, err := b.loadLocked(".", fi)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	b.mounted = true
	glog.V(1).Infof("localfs: mounted %s as service %d", device, service)
	return vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: b.handle, Service: service, Index: idx},
		Size:    uint64(fi.Size()),
		Type:    vfs.NodeDirectory,
	}, nil
}

func (b *Backend) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mounted && b.service == service {
		b.mounted = false
	}
	return nil
}

// loadLocked registers relPath's node, deduping on (dev, ino), and returns
// its index. Caller must hold b.mu.
func (b *Backend) loadLocked(relPath string, fi os.FileInfo) (vfs.NodeIndex, error) {
	key, ok := devInoOf(fi)
	if ok {
		if idx, found := b.byDevIno[key]; found {
			return idx, nil
		}
	}
	typ := vfs.NodeRegular
	if fi.IsDir() {
		typ = vfs.NodeDirectory
	}
	n := localNode{relPath: relPath, typ: typ, key: key, keyed: ok, live: true}
	var idx vfs.NodeIndex
	if len(b.freeNodes) > 0 {
		i := b.freeNodes[len(b.freeNodes)-1]
		b.freeNodes = b.freeNodes[:len(b.freeNodes)-1]
		b.nodes[i] = n
		idx = vfs.NodeIndex(i)
	} else {
		b.nodes = append(b.nodes, n)
		idx = vfs.NodeIndex(len(b.nodes) - 1)
	}
	if ok {
		b.byDevIno[key] = idx
	}
	return idx, nil
}

func (b *Backend) Lookup(ctx context.Context, parent vfs.Triplet, name string, flags vfs.WalkFlags) (vfs.LookupReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pn, err := b.nodeLocked(parent.Index)
	if err != nil {
		return vfs.LookupReply{}, err
	}
	if pn.typ != vfs.NodeDirectory {
		return vfs.LookupReply{}, vfs.ENOTSUP
	}
	childRel := filepath.Join(pn.relPath, name)
	full := filepath.Join(b.root, childRel)

	fi, statErr := os.Lstat(full)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return vfs.LookupReply{}, errors.Wrapf(statErr, "localfs: lstat %s", childRel)
		}
		if flags&vfs.WalkCreate == 0 {
			return vfs.LookupReply{}, vfs.ENOENT
		}
		if flags&vfs.WalkDirectory != 0 {
			if err := os.Mkdir(full, 0o755); err != nil {
				return vfs.LookupReply{}, errors.Wrapf(err, "localfs: mkdir %s", childRel)
			}
		} else {
			f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return vfs.LookupReply{}, errors.Wrapf(err, "localfs: create %s", childRel)
			}
			f.Close()
		}
		fi, statErr = os.Lstat(full)
		if statErr != nil {
			return vfs.LookupReply{}, errors.Wrapf(statErr, "localfs: lstat after create %s", childRel)
		}
	} else if flags&vfs.WalkExclusive != 0 {
		return vfs.LookupReply{}, vfs.EEXIST
	}

	if flags&vfs.WalkDirectory != 0 && !fi.IsDir() {
		return vfs.LookupReply{}, vfs.EINVAL
	}
	if flags&vfs.WalkFile != 0 && !fi.Mode().IsRegular() {
		return vfs.LookupReply{}, vfs.EINVAL
	}

	idx, err := b.loadLocked(childRel, fi)
	if err != nil {
		return vfs.LookupReply{}, err
	}

	if flags&vfs.WalkUnlink != 0 {
		if err := os.Remove(full); err != nil {
			if os.IsExist(err) {
				return vfs.LookupReply{}, vfs.EBUSY
			}
			return vfs.LookupReply{}, errors.Wrapf(err, "localfs: unlink %s", childRel)
		}
	}

	return vfs.LookupReply{Terminal: true, Result: vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: b.handle, Service: parent.Service, Index: idx},
		Size:    uint64(fi.Size()),
		Type:    typeOf(fi),
	}}, nil
}

func (b *Backend) OpenNode(ctx context.Context, node vfs.Triplet, flags vfs.WalkFlags) (uint64, error) {
	b.mu.Lock()
	n, err := b.nodeLocked(node.Index)
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n.typ == vfs.NodeDirectory && flags&(vfs.WalkCreate) != 0 {
		return 0, vfs.EINVAL
	}
	fi, err := os.Stat(b.fullPath(n))
	if err != nil {
		return 0, errors.Wrapf(err, "localfs: stat %s", n.relPath)
	}
	return uint64(fi.Size()), nil
}

func (b *Backend) Read(ctx context.Context, nt vfs.Triplet, pos uint64, buf []byte) (int, error) {
	b.mu.Lock()
	n, err := b.nodeLocked(nt.Index)
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	f, err := os.Open(b.fullPath(n))
	if err != nil {
		return 0, errors.Wrapf(err, "localfs: open %s for read", n.relPath)
	}
	defer f.Close()
	count, err := f.ReadAt(buf, int64(pos))
	if err != nil && err != io.EOF {
		return count, errors.Wrapf(err, "localfs: read %s", n.relPath)
	}
	return count, nil
}

func (b *Backend) Write(ctx context.Context, nt vfs.Triplet, pos uint64, buf []byte) (int, uint64, error) {
	b.mu.Lock()
	n, err := b.nodeLocked(nt.Index)
	b.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}
	f, err := os.OpenFile(b.fullPath(n), os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "localfs: open %s for write", n.relPath)
	}
	defer f.Close()
	count, err := f.WriteAt(buf, int64(pos))
	if err != nil {
		return count, 0, errors.Wrapf(err, "localfs: write %s", n.relPath)
	}
	fi, err := f.Stat()
	if err != nil {
		return count, 0, errors.Wrapf(err, "localfs: stat %s after write", n.relPath)
	}
	return count, uint64(fi.Size()), nil
}

func (b *Backend) Truncate(ctx context.Context, nt vfs.Triplet, size uint64) error {
	b.mu.Lock()
	n, err := b.nodeLocked(nt.Index)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.Truncate(b.fullPath(n), int64(size)); err != nil {
		return errors.Wrapf(err, "localfs: truncate %s", n.relPath)
	}
	return nil
}

func (b *Backend) Sync(ctx context.Context, nt vfs.Triplet) error {
	b.mu.Lock()
	n, err := b.nodeLocked(nt.Index)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(b.fullPath(n), os.O_RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "localfs: open %s for sync", n.relPath)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "localfs: sync %s", n.relPath)
	}
	return nil
}

func (b *Backend) Stat(ctx context.Context, nt vfs.Triplet) (vfs.Stat, error) {
	b.mu.Lock()
	n, err := b.nodeLocked(nt.Index)
	b.mu.Unlock()
	if err != nil {
		return vfs.Stat{}, err
	}
	fi, err := os.Lstat(b.fullPath(n))
	if err != nil {
		return vfs.Stat{}, errors.Wrapf(err, "localfs: lstat %s", n.relPath)
	}
	links := uint32(1)
	if st, ok := statLinks(fi); ok {
		links = st
	}
	return vfs.Stat{
		Triplet: nt,
		Size:    uint64(fi.Size()),
		Type:    typeOf(fi),
		Mtime:   fi.ModTime(),
		Links:   links,
	}, nil
}

// Destroy drops the node-table entry; the on-disk file's fate was already
// decided by whatever unlinked it (or it is still linked and will simply be
// re-registered on the next lookup).
func (b *Backend) Destroy(ctx context.Context, nt vfs.Triplet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.nodeLocked(nt.Index)
	if err != nil {
		return err
	}
	if n.keyed {
		delete(b.byDevIno, n.key)
	}
	n.live = false
	b.nodes[nt.Index] = *n
	b.freeNodes = append(b.freeNodes, int(nt.Index))
	return nil
}

func (b *Backend) Link(ctx context.Context, dir vfs.Triplet, name string, target vfs.Triplet) error {
	b.mu.Lock()
	dn, err := b.nodeLocked(dir.Index)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	full := filepath.Join(b.root, dn.relPath, name)
	if target == (vfs.Triplet{}) {
		if err := os.Remove(full); err != nil {
			return errors.Wrapf(err, "localfs: remove %s", full)
		}
		return nil
	}
	b.mu.Lock()
	tn, err := b.nodeLocked(target.Index)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.Link(b.fullPath(tn), full); err != nil {
		return errors.Wrapf(err, "localfs: link %s -> %s", full, tn.relPath)
	}
	return nil
}

func (b *Backend) Features(ctx context.Context) (vfs.Features, error) {
	return vfs.Features{ConcurrentReadWrite: true, WriteRetainsSize: false}, nil
}

func (b *Backend) nodeLocked(idx vfs.NodeIndex) (*localNode, error) {
	if int(idx) < 0 || int(idx) >= len(b.nodes) || !b.nodes[idx].live {
		return nil, vfs.ENOENT
	}
	n := b.nodes[idx]
	return &n, nil
}

func (b *Backend) fullPath(n *localNode) string {
	return filepath.Join(b.root, n.relPath)
}

func typeOf(fi os.FileInfo) vfs.NodeType {
	if fi.IsDir() {
		return vfs.NodeDirectory
	}
	if fi.Mode().IsRegular() {
		return vfs.NodeRegular
	}
	return vfs.NodeOther
}

// devInoOf and statLinks live in per-OS files, since syscall.Stat_t field
// names differ across platforms.
