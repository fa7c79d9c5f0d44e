// Package memfs is a backend.Backend that holds its entire tree in memory:
// a tmpfs-style scratch filesystem for tests and for cmd/vfsbackend's tmpfs
// mode. Nodes live in a flat table with a free list, the same allocation
// idiom localfs uses for real inodes.
package memfs

import (
	"context"
	"sync"
	"time"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/errors"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

type node struct {
	typ      vfs.NodeType
	data     []byte
	children map[string]vfs.NodeIndex
	nlink    uint32
	mtime    time.Time
	live     bool
}

// Backend is an in-memory filesystem instance. One value serves exactly one
// ServiceID, established by the first successful Mounted handshake; a
// process wanting several in-memory services registers a fresh Backend value
// per service.
type Backend struct {
	backend.UnimplementedBackend
	backend.Splices

	handle vfs.BackendHandle

	mu       sync.Mutex
	service  vfs.ServiceID
	mounted  bool
	nodes    []node
	freeIdxs []int
	root     vfs.NodeIndex
}

// New returns a Backend identified as handle in triplets it hands out.
func New(handle vfs.BackendHandle) *Backend {
	return &Backend{handle: handle}
}

// SetHandle re-stamps the handle used in triplets this backend mints; the
// broker's registry calls it at registration.
func (b *Backend) SetHandle(h vfs.BackendHandle) {
	b.mu.Lock()
	b.handle = h
	b.mu.Unlock()
}

// Mounted begins serving service, replying with the fresh root directory's
// lookup result. For a non-root mount this call arrives via the parent
// backend's splice, not from the broker directly.
func (b *Backend) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mounted {
		return vfs.LookupResult{}, errors.New("memfs: backend already serves a mounted instance")
	}
	idx := b.alloc(node{
		typ:      vfs.NodeDirectory,
		children: map[string]vfs.NodeIndex{},
		nlink:    1,
		mtime:    time.Now(),
		live:     true,
	})
	b.root = idx
	b.service = service
	b.mounted = true
	return vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: b.handle, Service: service, Index: idx},
		Type:    vfs.NodeDirectory,
	}, nil
}

// Unmounted tears the whole service down; after it no node of this instance
// will be referenced again. It reaches us either directly from the broker
// (root unmount) or relayed by the parent over the splice.
func (b *Backend) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mounted && b.service == service {
		b.mounted = false
	}
	return nil
}

func (b *Backend) Lookup(ctx context.Context, parent vfs.Triplet, name string, flags vfs.WalkFlags) (vfs.LookupReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pn, err := b.get(parent.Index)
	if err != nil {
		return vfs.LookupReply{}, err
	}
	if pn.typ != vfs.NodeDirectory {
		return vfs.LookupReply{}, vfs.ENOTSUP
	}

	idx, ok := pn.children[name]
	if !ok {
		if flags&vfs.WalkCreate == 0 {
			return vfs.LookupReply{}, vfs.ENOENT
		}
		typ := vfs.NodeRegular
		children := map[string]vfs.NodeIndex(nil)
		if flags&vfs.WalkDirectory != 0 {
			typ = vfs.NodeDirectory
			children = map[string]vfs.NodeIndex{}
		}
		idx = b.alloc(node{typ: typ, children: children, nlink: 1, mtime: time.Now(), live: true})
		pn.children[name] = idx
		return vfs.LookupReply{Terminal: true, Result: vfs.LookupResult{
			Triplet: vfs.Triplet{Backend: b.handle, Service: parent.Service, Index: idx},
			Type:    typ,
		}}, nil
	}
	if flags&vfs.WalkExclusive != 0 {
		return vfs.LookupReply{}, vfs.EEXIST
	}
	n, err := b.get(idx)
	if err != nil {
		return vfs.LookupReply{}, err
	}
	if err := checkType(flags, n.typ); err != nil {
		return vfs.LookupReply{}, err
	}
	if flags&vfs.WalkUnlink != 0 {
		if n.typ == vfs.NodeDirectory && len(n.children) > 0 {
			return vfs.LookupReply{}, vfs.EBUSY
		}
		delete(pn.children, name)
		if n.nlink > 0 {
			n.nlink--
			b.nodes[idx] = *n
		}
	}
	return vfs.LookupReply{Terminal: true, Result: vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: b.handle, Service: parent.Service, Index: idx},
		Size:    uint64(len(n.data)),
		Type:    n.typ,
	}}, nil
}

func (b *Backend) OpenNode(ctx context.Context, node vfs.Triplet, flags vfs.WalkFlags) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(node.Index)
	if err != nil {
		return 0, err
	}
	return uint64(len(n.data)), nil
}

func (b *Backend) Read(ctx context.Context, nt vfs.Triplet, pos uint64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(nt.Index)
	if err != nil {
		return 0, err
	}
	if pos >= uint64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[pos:]), nil
}

func (b *Backend) Write(ctx context.Context, nt vfs.Triplet, pos uint64, buf []byte) (int, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(nt.Index)
	if err != nil {
		return 0, 0, err
	}
	end := pos + uint64(len(buf))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
		b.nodes[nt.Index] = *n
	}
	copied := copy(n.data[pos:end], buf)
	n.mtime = time.Now()
	b.nodes[nt.Index] = *n
	return copied, uint64(len(n.data)), nil
}

func (b *Backend) Truncate(ctx context.Context, nt vfs.Triplet, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(nt.Index)
	if err != nil {
		return err
	}
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	b.nodes[nt.Index] = *n
	return nil
}

func (b *Backend) Sync(ctx context.Context, nt vfs.Triplet) error {
	if _, err := b.safeGet(nt.Index); err != nil {
		return err
	}
	return nil
}

func (b *Backend) Stat(ctx context.Context, nt vfs.Triplet) (vfs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(nt.Index)
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{
		Triplet: nt,
		Size:    uint64(len(n.data)),
		Type:    n.typ,
		Mtime:   n.mtime,
		Links:   n.nlink,
	}, nil
}

// Destroy is the broker telling us its last reference went away; storage is
// only scrapped once no directory entry links the node either.
func (b *Backend) Destroy(ctx context.Context, nt vfs.Triplet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(nt.Index)
	if err != nil {
		return err
	}
	if n.nlink > 0 {
		return nil
	}
	n.live = false
	n.data = nil
	n.children = nil
	b.nodes[nt.Index] = *n
	b.freeIdxs = append(b.freeIdxs, int(nt.Index))
	return nil
}

func (b *Backend) Link(ctx context.Context, dir vfs.Triplet, name string, target vfs.Triplet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dn, err := b.get(dir.Index)
	if err != nil {
		return err
	}
	if dn.typ != vfs.NodeDirectory {
		return vfs.ENOTSUP
	}
	if target == (vfs.Triplet{}) {
		idx, ok := dn.children[name]
		if !ok {
			return vfs.ENOENT
		}
		delete(dn.children, name)
		if n, err := b.get(idx); err == nil && n.nlink > 0 {
			n.nlink--
			b.nodes[idx] = *n
		}
		return nil
	}
	tn, err := b.get(target.Index)
	if err != nil {
		return err
	}
	dn.children[name] = target.Index
	tn.nlink++
	b.nodes[target.Index] = *tn
	return nil
}

func (b *Backend) Features(ctx context.Context) (vfs.Features, error) {
	return vfs.Features{ConcurrentReadWrite: true, WriteRetainsSize: false}, nil
}

// checkType enforces the terminal type constraints of WalkDirectory and
// WalkFile against an existing node.
func checkType(flags vfs.WalkFlags, typ vfs.NodeType) error {
	if flags&vfs.WalkDirectory != 0 && typ != vfs.NodeDirectory {
		return vfs.EINVAL
	}
	if flags&vfs.WalkFile != 0 && typ != vfs.NodeRegular {
		return vfs.EINVAL
	}
	return nil
}

// alloc installs n in the first free slot, growing the table if none is
// free, and returns its index. Caller must hold b.mu.
func (b *Backend) alloc(n node) vfs.NodeIndex {
	if len(b.freeIdxs) > 0 {
		idx := b.freeIdxs[len(b.freeIdxs)-1]
		b.freeIdxs = b.freeIdxs[:len(b.freeIdxs)-1]
		b.nodes[idx] = n
		return vfs.NodeIndex(idx)
	}
	b.nodes = append(b.nodes, n)
	return vfs.NodeIndex(len(b.nodes) - 1)
}

// get returns a pointer to a copy of the node at idx. Caller must hold b.mu.
func (b *Backend) get(idx vfs.NodeIndex) (*node, error) {
	if int(idx) < 0 || int(idx) >= len(b.nodes) || !b.nodes[idx].live {
		return nil, vfs.ENOENT
	}
	n := b.nodes[idx]
	return &n, nil
}

func (b *Backend) safeGet(idx vfs.NodeIndex) (*node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(idx)
}
