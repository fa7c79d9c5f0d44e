package broker

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// registryKey is the (instance, filesystem-name) pair the registry is keyed
// on.
type registryKey struct {
	name     string
	instance uint32
}

// BackendEntry is what the registry hands back on a successful resolve: the
// connection itself plus the capability flags fetched once at registration.
type BackendEntry struct {
	Handle   vfs.BackendHandle
	Conn     backend.Backend
	Features vfs.Features
	Instance uint32
	Name     string

	// CorrelationID is a per-registration UUID recorded only in diagnostic
	// log lines; it is not part of any wire reply.
	CorrelationID uuid.UUID
}

// BackendRegistry maps a filesystem-name + instance to a connection, and
// blocks or fails lookups for a backend that hasn't registered yet.
type BackendRegistry struct {
	mu         sync.Mutex
	entries    map[registryKey]*BackendEntry
	nextHandle vfs.BackendHandle
	waiters    chan struct{} // closed and replaced on every registration or shutdown
	shutdown   bool
}

// NewBackendRegistry returns an empty registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{
		entries: make(map[registryKey]*BackendEntry),
		waiters: make(chan struct{}),
	}
}

// Register installs conn under (name, instance), querying its capability
// flags once. It fails with EEXIST if the key is already registered; a
// backend that wants to replace a dead connection must Unregister first.
func (r *BackendRegistry) Register(ctx context.Context, name string, instance uint32, conn backend.Backend) (*BackendEntry, error) {
	features, err := conn.Features(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{name: name, instance: instance}
	if _, dup := r.entries[key]; dup {
		return nil, vfs.EEXIST
	}
	r.nextHandle++
	entry := &BackendEntry{
		Handle:        r.nextHandle,
		Conn:          conn,
		Features:      features,
		Instance:      instance,
		Name:          name,
		CorrelationID: uuid.New(),
	}
	// a connection that mints triplets itself needs to know the handle the
	// broker will expect stamped on them
	if hs, ok := conn.(interface{ SetHandle(vfs.BackendHandle) }); ok {
		hs.SetHandle(entry.Handle)
	}
	r.entries[key] = entry
	glog.V(1).Infof("broker: registered backend %s#%d as handle %d (corr=%s)",
		name, instance, entry.Handle, entry.CorrelationID)
	r.broadcastLocked()
	return entry, nil
}

// Unregister removes a previously registered backend, e.g. on disconnect.
func (r *BackendRegistry) Unregister(name string, instance uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{name: name, instance: instance}
	if e, ok := r.entries[key]; ok {
		delete(r.entries, key)
		glog.V(1).Infof("broker: unregistered backend %s#%d (handle %d)", name, instance, e.Handle)
	}
	r.broadcastLocked()
}

// Resolve returns the entry for (name, instance). When blocking is false and
// no such backend has registered, it fails immediately with ENOENT. When
// blocking is true it waits for a matching registration, a registry
// shutdown, or ctx cancellation, mirroring vfs_mount's IPC_FLAG_BLOCKING
// recheck loop.
func (r *BackendRegistry) Resolve(ctx context.Context, name string, instance uint32, blocking bool) (*BackendEntry, error) {
	key := registryKey{name: name, instance: instance}
	for {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			r.mu.Unlock()
			return e, nil
		}
		if !blocking || r.shutdown {
			r.mu.Unlock()
			return nil, vfs.ENOENT
		}
		ch := r.waiters
		r.mu.Unlock()

		select {
		case <-ch:
			// a registration or shutdown happened; loop and recheck
		case <-ctx.Done():
			return nil, vfs.EIO
		}
	}
}

// ByHandle looks an entry up by the handle minted at registration, used by
// the dispatcher when it already holds a Triplet and needs the owning
// connection back.
func (r *BackendRegistry) ByHandle(h vfs.BackendHandle) (*BackendEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Handle == h {
			return e, true
		}
	}
	return nil, false
}

// Shutdown wakes every blocked Resolve with ENOENT/ctx-independent failure;
// used when the broker process is going down with mounts still pending.
func (r *BackendRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	r.broadcastLocked()
}

func (r *BackendRegistry) broadcastLocked() {
	close(r.waiters)
	r.waiters = make(chan struct{})
}
