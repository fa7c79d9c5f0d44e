// Package backend defines the backend request surface: the
// calls the broker makes into a mounted filesystem implementation. Backend
// is a plain Go interface; pkg/wire carries it over HBI when the backend
// lives in a separate process, and pkg/backend/memfs, pkg/backend/localfs
// satisfy it directly for in-process use (tests, or a backend daemon that
// links the implementation straight into its HBI reactor).
package backend

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Backend is the request surface a connection fabric endpoint must answer
// for the broker to mount, walk and operate on a filesystem instance it
// serves.
//
// Mounting is parent-mediated: the broker addresses MOUNT and UNMOUNT only
// to the backend that owns the mount point, splicing the child's connection
// in as a value, and the parent itself drives the child's half of the
// handshake over that splice. Only the namespace root, which has no parent,
// is mounted and unmounted by talking to the child directly (Mounted /
// Unmounted).
type Backend interface {
	// Mounted asks this backend to begin serving service and reply with its
	// root node's lookup result: the child half of the mount handshake. The
	// broker issues it directly only for the namespace root; for every
	// other mount the PARENT backend drives this call over the spliced
	// child connection. opts is implementation-defined and passed through
	// unparsed; a backend that needs a device spec (e.g. localfs's root
	// directory) parses it out of opts itself, since MOUNT carries no
	// separate device field.
	Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error)
	// Mount is addressed to the backend OWNING the mount point, never to
	// the child: the child's connection arrives spliced in as a value, and
	// the parent itself drives the child's Mounted handshake and relays the
	// child root's lookup result back. Making the parent responsible for
	// the splice is what lets a parent that must reenter the child during
	// the mount (a file-backed device whose backing file lives on the
	// parent, say) do so without deadlocking against the broker.
	Mount(ctx context.Context, mountpoint vfs.Triplet, child ChildFS, childService vfs.ServiceID, opts string) (vfs.LookupResult, error)
	// Unmount undoes a splice previously installed by Mount. Like Mount it
	// is addressed to the parent, which tells the child Unmounted over the
	// spliced connection before dropping it; the broker never contacts the
	// child of a non-root unmount itself.
	Unmount(ctx context.Context, mountpoint vfs.Triplet) error
	// Unmounted tears a served instance down; issued directly by the broker
	// only for a root unmount, where there is no parent to mediate.
	Unmounted(ctx context.Context, service vfs.ServiceID) error

	// Lookup resolves one path component (or a chain, at the backend's
	// discretion) starting from parent. flags carries WalkCreate/
	// WalkExclusive/WalkDirectory/WalkFile as the client specified them.
	Lookup(ctx context.Context, parent vfs.Triplet, name string, flags vfs.WalkFlags) (vfs.LookupReply, error)
	// OpenNode checks an already-resolved node against the walk flags given
	// and returns its current size. The read/write/append open mode is
	// checked by the broker, not passed here.
	OpenNode(ctx context.Context, node vfs.Triplet, flags vfs.WalkFlags) (uint64, error)

	Read(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, error)
	// Write stores buf at pos and reports the byte count written along with
	// the node's resulting size, which the broker latches into its cached
	// size while still holding the node's contents write-lock.
	Write(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, uint64, error)
	Truncate(ctx context.Context, node vfs.Triplet, size uint64) error
	Sync(ctx context.Context, node vfs.Triplet) error
	Stat(ctx context.Context, node vfs.Triplet) (vfs.Stat, error)
	// Destroy tells the backend the last broker-side reference to node has
	// gone away; the backend decides what, if anything, that means for
	// storage.
	Destroy(ctx context.Context, node vfs.Triplet) error
	// Link creates name under dir pointing at target, or removes it when
	// target is the zero Triplet; unlink and rename both drive this one
	// entry point.
	Link(ctx context.Context, dir vfs.Triplet, name string, target vfs.Triplet) error

	// Features reports this backend's capability flags, queried once at
	// registration and cached by the registry rather than per call.
	Features(ctx context.Context) (vfs.Features, error)
}
