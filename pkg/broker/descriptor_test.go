package broker

import (
	"context"
	"testing"

	"github.com/dusxmt/vfsbroker/pkg/backend/memfs"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// newTestNode mints a cached node against a live backend so Free's refcount
// drop has somewhere to send DESTROY.
func newTestNode(t *testing.T, idx vfs.NodeIndex) (*NodeCache, *Node) {
	t.Helper()
	reg := NewBackendRegistry()
	entry, err := reg.Register(context.Background(), "tmpfs", 0, memfs.New(0))
	if err != nil {
		t.Fatalf("register: %+v", err)
	}
	cache := NewNodeCache(reg)
	n := cache.Get(vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: entry.Handle, Service: 1, Index: idx},
		Type:    vfs.NodeRegular,
	})
	return cache, n
}

func TestDescriptorAllocLowestFree(t *testing.T) {
	cache, n := newTestNode(t, 1)
	tbl := NewDescriptorTable(cache)

	fds := make([]Fd, 3)
	for i := range fds {
		cache.Ref(n)
		fds[i] = tbl.Alloc(&Descriptor{Node: n}, false)
		if fds[i] != Fd(i) {
			t.Fatalf("alloc %d: got fd %d", i, fds[i])
		}
	}

	if err := tbl.Free(fds[1]); err != nil {
		t.Fatalf("free: %v", err)
	}
	cache.Ref(n)
	if fd := tbl.Alloc(&Descriptor{Node: n}, false); fd != 1 {
		t.Fatalf("realloc: got fd %d, want lowest free 1", fd)
	}

	// exclusive allocation never reuses a freed slot
	if err := tbl.Free(0); err != nil {
		t.Fatalf("free: %v", err)
	}
	cache.Ref(n)
	if fd := tbl.Alloc(&Descriptor{Node: n}, true); fd != 3 {
		t.Fatalf("exclusive alloc: got fd %d, want fresh 3", fd)
	}
}

func TestDescriptorGetPutFree(t *testing.T) {
	cache, n := newTestNode(t, 1)
	tbl := NewDescriptorTable(cache)

	if _, err := tbl.Get(0); vfs.StatusOf(err) != vfs.EBADF {
		t.Fatalf("get on empty table: %v, want EBADF", err)
	}
	if err := tbl.Free(0); vfs.StatusOf(err) != vfs.EBADF {
		t.Fatalf("free on empty table: %v, want EBADF", err)
	}

	fd := tbl.Alloc(&Descriptor{Node: n}, false)
	d, err := tbl.Get(fd)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Node != n {
		t.Fatal("descriptor bound to wrong node")
	}
	tbl.Put(d)

	before := n.Refcount()
	if err := tbl.Free(fd); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := n.Refcount(); got != before-1 {
		t.Fatalf("refcount after free %d, want %d", got, before-1)
	}
	if _, err := tbl.Get(fd); vfs.StatusOf(err) != vfs.EBADF {
		t.Fatalf("get of freed fd: %v, want EBADF", err)
	}
}

func TestDescriptorAssignClosesOld(t *testing.T) {
	cache, n := newTestNode(t, 1)
	tbl := NewDescriptorTable(cache)

	cache.Ref(n)
	fd := tbl.Alloc(&Descriptor{Node: n}, false)

	cache.Ref(n)
	repl := &Descriptor{Node: n}
	before := n.Refcount()
	tbl.Assign(fd, repl)
	if got := n.Refcount(); got != before-1 {
		t.Fatalf("refcount after assign %d, want %d (old occupant closed)", got, before-1)
	}
	d, err := tbl.Get(fd)
	if err != nil || d != repl {
		t.Fatalf("slot holds %v (%v), want replacement", d, err)
	}
	tbl.Put(d)
}

func TestPendingSlots(t *testing.T) {
	p := NewPendingSlots()

	h1 := p.Alloc()
	h2 := p.Alloc()
	if h1 == h2 {
		t.Fatal("distinct allocs share a handle")
	}

	if err := p.Land(h1, []byte("payload")); err != nil {
		t.Fatalf("land: %v", err)
	}
	buf, err := p.Take(h1)
	if err != nil || string(buf) != "payload" {
		t.Fatalf("take: %q %v", buf, err)
	}
	if buf, err := p.Take(h1); err != nil || buf != nil {
		t.Fatalf("second take: %q %v, want empty", buf, err)
	}

	if err := p.Land(PendingHandle(99), nil); vfs.StatusOf(err) != vfs.EBADF {
		t.Fatalf("land on unknown handle: %v, want EBADF", err)
	}

	p.Free(h1)
	p.Free(h2)
	if h := p.Alloc(); h != h2 && h != h1 {
		t.Fatalf("alloc after free: got fresh %d, want a recycled slot", h)
	}
}
