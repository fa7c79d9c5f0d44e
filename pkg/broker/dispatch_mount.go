package broker

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Mount implements the MOUNT client request. It resolves
// the backend by (fsName, instance) first, outside the namespace lock (a
// blocking resolve may suspend for an arbitrary time waiting on a backend to
// register, and must not hold the namespace write-lock while doing so), then
// holds the namespace write-lock across the whole mount protocol so a
// concurrent lookup never observes a half-installed mount.
func (s *Session) Mount(ctx context.Context, service vfs.ServiceID, blocking bool, instance uint32, fsName, mountpoint, opts string) vfs.Status {
	entry, err := s.broker.Registry.Resolve(ctx, fsName, instance, blocking)
	if err != nil {
		return status(err)
	}

	s.broker.ns.Lock()
	defer s.broker.ns.Unlock()

	if s.broker.Mounts.Root() == nil {
		if mountpoint != "/" {
			return vfs.EINVAL
		}
		if _, err := s.broker.Mounts.MountRoot(ctx, entry, service, opts); err != nil {
			return status(err)
		}
		return vfs.EOK
	}

	if _, err := s.broker.Mounts.MountAt(ctx, mountpoint, entry, service, instance, opts); err != nil {
		return status(err)
	}
	return vfs.EOK
}

// Unmount implements UNMOUNT. MountTable.Unmount performs the
// full busy check and backend teardown; Unmount here only owns the
// namespace write-lock around it.
func (s *Session) Unmount(ctx context.Context, mountpoint string) vfs.Status {
	s.broker.ns.Lock()
	defer s.broker.ns.Unlock()
	return status(s.broker.Mounts.Unmount(ctx, mountpoint))
}
