package backend

import (
	"context"
	"sync"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// ChildFS is the slice of Backend a parent needs to drive its half of a
// splice: mounting the child's root over the spliced connection, and telling
// it to go away at unmount. Every Backend is a ChildFS.
type ChildFS interface {
	Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error)
	Unmounted(ctx context.Context, service vfs.ServiceID) error
}

// Splices is the parent half of the mount protocol, embeddable by any
// concrete backend: it drives a spliced child's Mounted handshake, keeps the
// child connection alive for the lifetime of the mount, and relays Unmounted
// on teardown. Embedding it is what makes a backend able to host child
// mounts at its nodes.
type Splices struct {
	mu       sync.Mutex
	children map[vfs.Triplet]splice
}

type splice struct {
	child   ChildFS
	service vfs.ServiceID
}

// Mount installs child at mountpoint: the child's root is mounted over the
// spliced connection and its lookup result relayed back to the caller.
func (s *Splices) Mount(ctx context.Context, mountpoint vfs.Triplet, child ChildFS, childService vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	s.mu.Lock()
	if _, busy := s.children[mountpoint]; busy {
		s.mu.Unlock()
		return vfs.LookupResult{}, vfs.EBUSY
	}
	s.mu.Unlock()

	lr, err := child.Mounted(ctx, childService, opts)
	if err != nil {
		return vfs.LookupResult{}, err
	}

	s.mu.Lock()
	if s.children == nil {
		s.children = make(map[vfs.Triplet]splice)
	}
	s.children[mountpoint] = splice{child: child, service: childService}
	s.mu.Unlock()
	return lr, nil
}

// Unmount drops the splice at mountpoint after telling the child Unmounted
// over it.
func (s *Splices) Unmount(ctx context.Context, mountpoint vfs.Triplet) error {
	s.mu.Lock()
	sp, ok := s.children[mountpoint]
	s.mu.Unlock()
	if !ok {
		return vfs.ENOENT
	}
	if err := sp.child.Unmounted(ctx, sp.service); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.children, mountpoint)
	s.mu.Unlock()
	return nil
}

// Spliced reports whether a child is currently mounted at mountpoint.
func (s *Splices) Spliced(mountpoint vfs.Triplet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[mountpoint]
	return ok
}
