package broker

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Walk implements the WALK client request: resolve path from
// parentFd's node, intern the result in the node cache, and bind it to a
// fresh descriptor. The descriptor is born un-opened; its permissions are
// inherited from the parent descriptor if one was given, otherwise they
// default to read|write|append. A walk that may mutate the namespace
// (CREATE, UNLINK in flags) takes the namespace write-lock; a pure lookup
// takes it in read mode and runs in parallel with other lookups.
func (s *Session) Walk(ctx context.Context, parentFd Fd, path string, flags vfs.WalkFlags) (Fd, vfs.Status) {
	if err := flags.Validate(); err != nil {
		return -1, vfs.EINVAL
	}

	if flags&(vfs.WalkCreate|vfs.WalkUnlink) != 0 {
		s.broker.ns.Lock()
		defer s.broker.ns.Unlock()
	} else {
		s.broker.ns.RLock()
		defer s.broker.ns.RUnlock()
	}

	base, parent, err := s.baseTriplet(parentFd)
	if err != nil {
		return -1, status(err)
	}
	perms := PermRead | PermWrite | PermAppend
	if parent != nil {
		parent.Mu.Lock()
		perms = parent.Permissions
		parent.Mu.Unlock()
		defer s.Descs.Put(parent)
	}

	lr, err := s.broker.Resolver.Walk(ctx, base, path, flags)
	if err != nil {
		return -1, status(err)
	}

	node := s.broker.Nodes.Get(lr)
	d := &Descriptor{Node: node, Permissions: perms}
	fd := s.Descs.Alloc(d, false)
	return fd, vfs.EOK
}

// Open2 implements OPEN2: validates that mode stays
// within the descriptor's permission mask (EPERM), that at least one of
// read/write is requested (EINVAL) and that a directory is not opened for
// writing (EINVAL), then forwards OPEN_NODE to the backend and latches the
// mode bits on success.
func (s *Session) Open2(ctx context.Context, fd Fd, mode Perm) vfs.Status {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	if mode&^d.Permissions != 0 {
		return vfs.EPERM
	}
	if mode&(PermRead|PermWrite) == 0 {
		return vfs.EINVAL
	}
	if d.Node.Type == vfs.NodeDirectory && mode&PermWrite != 0 {
		return vfs.EINVAL
	}

	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return status(err)
	}
	size, err := entry.Conn.OpenNode(ctx, d.Node.Triplet, 0)
	if err != nil {
		return status(err)
	}

	d.Node.Contents.Lock()
	d.Node.Size = size
	d.Node.Contents.Unlock()

	d.OpenRead = mode&PermRead != 0
	d.OpenWrite = mode&PermWrite != 0
	d.Append = mode&PermAppend != 0
	return vfs.EOK
}
