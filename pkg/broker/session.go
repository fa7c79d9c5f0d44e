package broker

import (
	"sync"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// RootFd is the parent_fd sentinel meaning "the namespace root" rather than
// an already-open descriptor, used by WALK, UNLINK2 and RENAME's base_fd.
const RootFd Fd = -1

// Broker is the process-wide namespace state shared by every client
// Session: the backend registry, the node cache, the mount table, the
// resolver, and the single namespace rwlock that orders all of it, first in
// the lock order. It owns no per-client state; that lives in Session.
type Broker struct {
	Registry *BackendRegistry
	Nodes    *NodeCache
	Mounts   *MountTable
	Resolver *Resolver
	Pending  *PendingSlots

	// ns is the namespace rwlock: write-locked by mount, unmount, rename,
	// unlink and walk-with-create; read-locked by plain lookups, which then
	// run in parallel with one another.
	ns sync.RWMutex
}

// NewBroker wires up an empty broker: no backends registered, no root
// mounted. Backends register themselves via Registry.Register as they
// connect; the first successful root MOUNT then establishes the namespace.
func NewBroker() *Broker {
	reg := NewBackendRegistry()
	nodes := NewNodeCache(reg)
	mounts := NewMountTable(reg, nodes)
	resolver := NewResolver(reg, mounts)
	mounts.SetWalker(resolver)
	return &Broker{
		Registry: reg,
		Nodes:    nodes,
		Mounts:   mounts,
		Resolver: resolver,
		Pending:  NewPendingSlots(),
	}
}

// Session is a single client's view of the broker: its own descriptor
// table, sharing the broker's namespace.
type Session struct {
	broker *Broker
	Descs  *DescriptorTable
}

// NewSession opens a session against b, with an empty descriptor table.
func (b *Broker) NewSession() *Session {
	return &Session{broker: b, Descs: NewDescriptorTable(b.Nodes)}
}

// baseTriplet resolves parentFd to a starting triplet for a walk: RootFd
// means the namespace root (EINVAL if none is mounted yet), anything else
// must already be an open descriptor.
func (s *Session) baseTriplet(parentFd Fd) (vfs.Triplet, *Descriptor, error) {
	if parentFd == RootFd {
		root := s.broker.Mounts.Root()
		if root == nil {
			return vfs.Triplet{}, nil, vfs.EINVAL
		}
		return root.MountedRoot, nil, nil
	}
	d, err := s.Descs.Get(parentFd)
	if err != nil {
		return vfs.Triplet{}, nil, err
	}
	return d.Node.Triplet, d, nil
}

// backendFor returns the registry entry owning t.Backend, or EIO if the
// handle is stale (its connection dropped out from under a cached node).
func (s *Session) backendFor(t vfs.Triplet) (*BackendEntry, error) {
	entry, ok := s.broker.Registry.ByHandle(t.Backend)
	if !ok {
		return nil, vfs.EIO
	}
	return entry, nil
}

// status adapts any error into the wire-level vfs.Status, defaulting
// unrecognized errors to EIO: a misbehaving backend is fatal for the
// client-visible operation.
func status(err error) vfs.Status {
	if err == nil {
		return vfs.EOK
	}
	return vfs.StatusOf(err)
}
