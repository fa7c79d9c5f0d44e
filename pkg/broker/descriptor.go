package broker

import (
	"context"
	"sync"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Perm is the fixed-at-creation access mask a descriptor carries; a later OPEN2 may only set mode bits that are a subset of it. It
// is a type of its own (read, write, append), separate from vfs.WalkFlags,
// whose bits describe lookup behaviour rather than access.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermAppend
)

// Fd is a per-client descriptor table index.
type Fd int32

// Descriptor is a per-client open-file record: a node, a byte
// position, open-mode bits, and the permission mask a later open is bound
// by. Every descriptor operation acquires Mu before touching any field; the
// caller holds it around the open-file fields, while the table's methods
// take it only around the reference count.
type Descriptor struct {
	Mu sync.Mutex

	Node        *Node
	Position    uint64
	OpenRead    bool
	OpenWrite   bool
	Append      bool
	Permissions Perm

	refcnt int
}

// DescriptorTable is a single client's flat table of open descriptors,
// indexed by small integers: flat storage plus a free list of vacated
// slots.
type DescriptorTable struct {
	nodeCache *NodeCache

	mu    sync.Mutex
	slots []*Descriptor
	free  []int
}

// NewDescriptorTable returns an empty table for one client session.
func NewDescriptorTable(nodeCache *NodeCache) *DescriptorTable {
	return &DescriptorTable{nodeCache: nodeCache}
}

// Alloc installs d in the lowest free slot (or grows the table) and returns
// its fd, with an initial reference already accounted for by the caller
// (Descriptor.refcnt starts at 1 conceptually, held by the table itself
// until Free). When exclusive is true, Alloc never reuses a slot freed
// earlier in this table's lifetime, always growing instead, so the new fd
// cannot alias one a client just closed.
func (t *DescriptorTable) Alloc(d *Descriptor, exclusive bool) Fd {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !exclusive {
		// lowest vacated slot that Assign has not refilled since
		best := -1
		for j, i := range t.free {
			if t.slots[i] == nil && (best < 0 || i < t.free[best]) {
				best = j
			}
		}
		if best >= 0 {
			i := t.free[best]
			t.free = append(t.free[:best], t.free[best+1:]...)
			t.slots[i] = d
			return Fd(i)
		}
	}
	t.slots = append(t.slots, d)
	return Fd(len(t.slots) - 1)
}

// Assign binds d into slot fd directly, closing whatever was there first
// (dup's path into the table). The caller is responsible for having already
// taken whatever node reference d needs; Assign does not touch refcounts.
func (t *DescriptorTable) Assign(fd Fd, d *Descriptor) {
	t.mu.Lock()
	if int(fd) >= len(t.slots) {
		grown := make([]*Descriptor, fd+1)
		copy(grown, t.slots)
		t.slots = grown
	}
	old := t.slots[fd]
	t.slots[fd] = d
	t.mu.Unlock()

	if old != nil {
		t.closeOne(old)
	}
}

// Get returns the descriptor at fd and takes a reference on it, or EBADF if
// the slot is empty. The caller must still acquire d.Mu before touching its
// fields, and must call Put when done.
func (t *DescriptorTable) Get(fd Fd) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || int(fd) >= len(t.slots) || t.slots[fd] == nil {
		return nil, vfs.EBADF
	}
	d := t.slots[fd]
	d.Mu.Lock()
	d.refcnt++
	d.Mu.Unlock()
	return d, nil
}

// Put releases a reference taken by Get.
func (t *DescriptorTable) Put(d *Descriptor) {
	d.Mu.Lock()
	d.refcnt--
	d.Mu.Unlock()
}

// Free closes fd: clears the slot and drops the node reference it held. It
// is a no-op error (EBADF) if fd isn't open.
func (t *DescriptorTable) Free(fd Fd) error {
	t.mu.Lock()
	if fd < 0 || int(fd) >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return vfs.EBADF
	}
	d := t.slots[fd]
	t.slots[fd] = nil
	t.free = append(t.free, int(fd))
	t.mu.Unlock()

	t.closeOne(d)
	return nil
}

func (t *DescriptorTable) closeOne(d *Descriptor) {
	// DESTROY, if triggered, is fire-and-forget from the closer's point of
	// view; a fresh background context is appropriate since the client's own
	// request context may already be cancelled by now.
	t.nodeCache.Put(context.Background(), d.Node)
}
