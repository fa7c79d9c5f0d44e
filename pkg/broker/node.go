package broker

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Node is the broker's in-memory handle for a triplet. At most one Node
// exists per live triplet in the cache at any moment. Contents holds the
// per-node rwlock that serializes content mutations against size-dependent
// reads; it is exported so the dispatcher can take it directly, last in the
// lock order.
type Node struct {
	Triplet vfs.Triplet
	Type    vfs.NodeType

	// Contents guards Size and orders content-mutating operations against
	// size-reading ones.
	Contents sync.RWMutex
	Size     uint64

	// MountPoint is set when this node is currently a mount point. The
	// resolver crosses mounts through the mount table's index, not this
	// field. MountAt and Unmount set and clear it under the namespace
	// write-lock, not under the mount table's mutex or Contents.
	MountPoint *MountEntry

	mu      sync.Mutex // guards refcount only
	refcnt  int
}

// NodeCache interns Nodes by triplet, across every backend's identity
// space at once.
type NodeCache struct {
	registry *BackendRegistry

	mu    sync.Mutex
	nodes map[vfs.Triplet]*Node
}

// NewNodeCache returns an empty cache that calls back into registry to reach
// a node's owning backend on destroy.
func NewNodeCache(registry *BackendRegistry) *NodeCache {
	return &NodeCache{registry: registry, nodes: make(map[vfs.Triplet]*Node)}
}

// Get interns lr's triplet: if already cached, bumps the refcount and
// returns the existing Node; otherwise installs a new one carrying refcount
// 1 and the backend-reported size/type.
func (c *NodeCache) Get(lr vfs.LookupResult) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.nodes[lr.Triplet]; ok {
		n.mu.Lock()
		n.refcnt++
		n.mu.Unlock()
		return n
	}
	n := &Node{Triplet: lr.Triplet, Type: lr.Type, Size: lr.Size, refcnt: 1}
	c.nodes[lr.Triplet] = n
	return n
}

// Ref takes an additional reference on an already-cached node, used when a
// dispatcher operation needs to hold a node past a lock release (e.g.
// dup, or unmount's busy check).
func (c *NodeCache) Ref(n *Node) {
	n.mu.Lock()
	n.refcnt++
	n.mu.Unlock()
}

// Put decrements n's refcount; at zero, removes n from the cache and sends
// a DESTROY to its owning backend. The DESTROY reply is not awaited beyond
// an error worth logging, but the send runs synchronously on the caller's
// goroutine so destruction is ordered after the last user.
func (c *NodeCache) Put(ctx context.Context, n *Node) {
	n.mu.Lock()
	n.refcnt--
	last := n.refcnt == 0
	n.mu.Unlock()
	if !last {
		return
	}

	c.mu.Lock()
	delete(c.nodes, n.Triplet)
	c.mu.Unlock()

	entry, ok := c.registry.ByHandle(n.Triplet.Backend)
	if !ok {
		glog.Warningf("broker: node %s destroyed with no backend registered for handle %d",
			n.Triplet, n.Triplet.Backend)
		return
	}
	if err := entry.Conn.Destroy(ctx, n.Triplet); err != nil {
		glog.Errorf("broker: backend DESTROY failed for %s: %+v", n.Triplet, err)
	}
}

// Forget removes n from the cache and drops the reference without notifying
// the backend; used exclusively when the backend has already been told
// UNMOUNTED for the whole subtree n roots.
func (c *NodeCache) Forget(n *Node) {
	c.mu.Lock()
	delete(c.nodes, n.Triplet)
	c.mu.Unlock()
}

// RefcountSum sums the refcounts of every cached node belonging to
// (backend, service) -- used by unmount to decide whether the subtree is
// still in use.
func (c *NodeCache) RefcountSum(backend vfs.BackendHandle, service vfs.ServiceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for t, n := range c.nodes {
		if t.Backend != backend || t.Service != service {
			continue
		}
		n.mu.Lock()
		sum += n.refcnt
		n.mu.Unlock()
	}
	return sum
}

// Lookup returns the cached node for t without taking a reference, or nil.
// Used by unmount to find the mounted root's node without going through
// Get/Put.
func (c *NodeCache) Lookup(t vfs.Triplet) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[t]
}

// Refcount reports n's current reference count; tests assert conservation
// through it.
func (n *Node) Refcount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refcnt
}
