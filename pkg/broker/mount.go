package broker

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// pathWalker is the slice of *Resolver the mount table needs to resolve a
// mount-point path before splicing a child filesystem in. It is satisfied by
// *Resolver; the indirection avoids an import cycle (Resolver in turn needs
// to consult the mount table's forward index during an ordinary walk), so
// the two are wired together after construction by NewBroker.
type pathWalker interface {
	Walk(ctx context.Context, base vfs.Triplet, path string, flags vfs.WalkFlags) (vfs.LookupResult, error)
}

// MountEntry is the broker's record of one mounted subtree.
// The root of the namespace is the distinguished entry with MountPointPath
// "/" and a zero MountPointTriplet.
type MountEntry struct {
	MountPointPath    string
	MountPointTriplet vfs.Triplet // zero for the root mount
	MountedRoot       vfs.Triplet
	Backend           vfs.BackendHandle
	Service           vfs.ServiceID
	Instance          uint32
	FSName            string
	Options           string
	CorrelationID     uuid.UUID

	// mountpointNode is the long-lived reference this entry holds on its
	// parent's mount-point node (nil for the root entry, which has no
	// parent). Released by Unmount.
	mountpointNode *Node
}

// MountTable tracks mounted subtrees and answers overlay lookups implicitly:
// the resolver asks ByMountpointTriplet about each triplet a walk resolves
// where mount crossing is allowed.
type MountTable struct {
	registry  *BackendRegistry
	nodeCache *NodeCache
	walker    pathWalker

	mu                  sync.Mutex
	root                *MountEntry
	byPath              map[string]*MountEntry
	byMountpointTriplet map[vfs.Triplet]*MountEntry
}

// NewMountTable returns an empty table. SetWalker must be called once,
// before any MountAt, to complete the wiring with the resolver.
func NewMountTable(registry *BackendRegistry, nodeCache *NodeCache) *MountTable {
	return &MountTable{
		registry:            registry,
		nodeCache:           nodeCache,
		byPath:              make(map[string]*MountEntry),
		byMountpointTriplet: make(map[vfs.Triplet]*MountEntry),
	}
}

// SetWalker completes construction; called once by NewBroker after both the
// table and the resolver exist.
func (mt *MountTable) SetWalker(w pathWalker) { mt.walker = w }

// Root returns the root mount entry, or nil if no root has been mounted yet.
func (mt *MountTable) Root() *MountEntry {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.root
}

// ByPath returns the mount entry whose mount point is exactly path.
func (mt *MountTable) ByPath(path string) (*MountEntry, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	e, ok := mt.byPath[path]
	return e, ok
}

// ByMountpointTriplet reports whether t is currently a mount point, and if
// so the entry mounted there. The resolver calls this after every LOOKUP
// reply to decide whether to cross into a child backend.
func (mt *MountTable) ByMountpointTriplet(t vfs.Triplet) (*MountEntry, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	e, ok := mt.byMountpointTriplet[t]
	return e, ok
}

// Snapshot returns every active mount entry, for the mtab enumerator. The
// slice is a copy; safe to iterate unlocked.
func (mt *MountTable) Snapshot() []*MountEntry {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]*MountEntry, 0, len(mt.byPath))
	for _, e := range mt.byPath {
		out = append(out, e)
	}
	return out
}

// MountRoot installs the very first mount, at "/"; with no root yet, that
// is the only legal mount point. It fails with EBUSY if a root already
// exists. The protocol: mount the backend's root, taking its size/type from
// the Mounted reply, intern it as the root node carrying the long-lived mount reference,
// install the root entry. The caller must hold the namespace write-lock
// across this call.
func (mt *MountTable) MountRoot(ctx context.Context, entry *BackendEntry, service vfs.ServiceID, opts string) (*MountEntry, error) {
	mt.mu.Lock()
	if mt.root != nil {
		mt.mu.Unlock()
		return nil, vfs.EBUSY
	}
	mt.mu.Unlock()

	rootLr, err := entry.Conn.Mounted(ctx, service, opts)
	if err != nil {
		return nil, err
	}
	// backend handles are broker-local and never cross the wire; stamp the
	// reply with the handle this registry minted
	rootLr.Triplet.Backend = entry.Handle
	// the mounted root carries this one long-lived mount reference until
	// unmount forgets it
	mt.nodeCache.Get(rootLr)

	me := &MountEntry{
		MountPointPath: "/",
		MountedRoot:    rootLr.Triplet,
		Backend:        entry.Handle,
		Service:        service,
		Instance:       entry.Instance,
		FSName:         entry.Name,
		Options:        opts,
		CorrelationID:  uuid.New(),
	}

	mt.mu.Lock()
	mt.root = me
	mt.byPath["/"] = me
	mt.mu.Unlock()

	glog.V(1).Infof("broker: mounted root %s (fs=%s#%d, corr=%s)", rootLr.Triplet, entry.Name, entry.Instance, me.CorrelationID)
	return me, nil
}

// MountAt splices a child filesystem in at mountpointPath, which must
// resolve to an existing directory under the current root. MOUNT is
// addressed to the PARENT backend only: the child's connection is handed
// over as the splice, and the parent itself drives the child's Mounted
// handshake and replies with the child root's index and size. The broker
// stays out of the parent's way until that reply lands, so a parent that
// must reenter the child mid-mount (a file-backed device whose backing file
// lives on the parent) can. The caller must hold the namespace write-lock
// across this call so a half-installed mount is never observable to a
// concurrent lookup.
func (mt *MountTable) MountAt(ctx context.Context, mountpointPath string, childEntry *BackendEntry, service vfs.ServiceID, instance uint32, opts string) (me *MountEntry, err error) {
	root := mt.Root()
	if root == nil {
		return nil, vfs.EINVAL
	}
	if mt.walker == nil {
		return nil, vfs.EIO
	}

	lr, err := mt.walker.Walk(ctx, root.MountedRoot, mountpointPath, vfs.WalkDirectory|vfs.WalkMP)
	if err != nil {
		return nil, err
	}
	if lr.Type != vfs.NodeDirectory {
		return nil, vfs.EINVAL
	}

	mt.mu.Lock()
	if _, busy := mt.byMountpointTriplet[lr.Triplet]; busy {
		mt.mu.Unlock()
		return nil, vfs.EBUSY
	}
	if _, busy := mt.byPath[mountpointPath]; busy {
		mt.mu.Unlock()
		return nil, vfs.EBUSY
	}
	mt.mu.Unlock()

	mpNode := mt.nodeCache.Get(lr) // the long-lived mount-point reference
	rollbackMP := func() { mt.nodeCache.Put(ctx, mpNode) }

	parentEntry, ok := mt.registry.ByHandle(lr.Triplet.Backend)
	if !ok {
		rollbackMP()
		return nil, vfs.EIO
	}

	childLr, err := parentEntry.Conn.Mount(ctx, lr.Triplet, childEntry.Conn, service, opts)
	if err != nil {
		rollbackMP()
		return nil, err
	}
	// the reply crossed the parent; re-stamp the broker-local identity of
	// the child root (handles never travel the wire)
	childLr.Triplet.Backend = childEntry.Handle
	childLr.Triplet.Service = service

	// the mounted root's long-lived mount reference
	mt.nodeCache.Get(childLr)

	me = &MountEntry{
		MountPointPath:    mountpointPath,
		MountPointTriplet: lr.Triplet,
		MountedRoot:       childLr.Triplet,
		Backend:           childEntry.Handle,
		Service:           service,
		Instance:          instance,
		FSName:            childEntry.Name,
		Options:           opts,
		CorrelationID:     uuid.New(),
		mountpointNode:    mpNode,
	}

	mt.mu.Lock()
	mt.byPath[mountpointPath] = me
	mt.byMountpointTriplet[lr.Triplet] = me
	mt.mu.Unlock()
	mpNode.MountPoint = me

	glog.V(1).Infof("broker: mounted %s at %s (fs=%s#%d, corr=%s)",
		childLr.Triplet, mountpointPath, childEntry.Name, instance, me.CorrelationID)
	return me, nil
}

// Unmount tears down the mount at path. The busy check demands
// refcountSum == 2 exactly: the mount reference plus the reference this
// check just took; anything above that is a live user of the subtree. The
// caller must hold the namespace write-lock across this call.
func (mt *MountTable) Unmount(ctx context.Context, path string) error {
	me, ok := mt.ByPath(path)
	if !ok {
		return vfs.ENOENT
	}

	rootNode := mt.nodeCache.Lookup(me.MountedRoot)
	if rootNode == nil {
		return vfs.EIO
	}
	mt.nodeCache.Ref(rootNode)
	if sum := mt.nodeCache.RefcountSum(me.Backend, me.Service); sum != 2 {
		mt.nodeCache.Put(ctx, rootNode)
		return vfs.EBUSY
	}

	isRoot := me == mt.Root()
	if isRoot {
		// the root has no parent to mediate; UNMOUNTED goes to the child
		childEntry, ok := mt.registry.ByHandle(me.Backend)
		if !ok {
			mt.nodeCache.Put(ctx, rootNode)
			return vfs.EIO
		}
		if err := childEntry.Conn.Unmounted(ctx, me.Service); err != nil {
			mt.nodeCache.Put(ctx, rootNode)
			return err
		}
	} else {
		// UNMOUNT is addressed to the parent only; the parent relays
		// UNMOUNTED to the child over the splice it has held since the
		// mount, then drops it. The broker never contacts the child here.
		parentEntry, ok := mt.registry.ByHandle(me.MountPointTriplet.Backend)
		if !ok {
			mt.nodeCache.Put(ctx, rootNode)
			return vfs.EIO
		}
		if err := parentEntry.Conn.Unmount(ctx, me.MountPointTriplet); err != nil {
			mt.nodeCache.Put(ctx, rootNode)
			return err
		}
		// release the mount-point's long-lived reference; no fresh lookup
		// is needed since the *Node was kept directly from MountAt.
		mt.nodeCache.Put(ctx, me.mountpointNode)
		me.mountpointNode.MountPoint = nil
	}

	// the child backend has already torn the subtree down; drop our cache
	// entry without another DESTROY.
	mt.nodeCache.Forget(rootNode)

	mt.mu.Lock()
	delete(mt.byPath, me.MountPointPath)
	delete(mt.byMountpointTriplet, me.MountPointTriplet)
	if isRoot {
		mt.root = nil
	}
	mt.mu.Unlock()

	glog.V(1).Infof("broker: unmounted %s (corr=%s)", path, me.CorrelationID)
	return nil
}
