package broker

import (
	"context"
	"strings"

	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Unlink implements UNLINK2: under the namespace write-lock,
// optionally verify that path still resolves to the node expectFd refers to
// (byte-comparing triplets; a mismatch means someone replaced the name and
// the unlink must not proceed), then resolve with UNLINK set so the backend
// removes the directory entry. The get/put pair on the result makes sure the
// backend's DESTROY fires right here if this was the last link and nobody
// else holds the node.
func (s *Session) Unlink(ctx context.Context, parentFd, expectFd Fd, path string, flags vfs.WalkFlags) vfs.Status {
	if err := flags.Validate(); err != nil {
		return vfs.EINVAL
	}

	s.broker.ns.Lock()
	defer s.broker.ns.Unlock()

	base, parent, err := s.baseTriplet(parentFd)
	if err != nil {
		return status(err)
	}
	if parent != nil {
		defer s.Descs.Put(parent)
	}

	if expectFd != RootFd {
		expect, err := s.Descs.Get(expectFd)
		if err != nil {
			return status(err)
		}
		lr, err := s.broker.Resolver.Walk(ctx, base, path, flags&^vfs.WalkUnlink)
		if err != nil {
			s.Descs.Put(expect)
			return status(err)
		}
		match := lr.Triplet == expect.Node.Triplet
		s.Descs.Put(expect)
		if !match {
			return vfs.ENOENT
		}
	}

	lr, err := s.broker.Resolver.Walk(ctx, base, path, flags|vfs.WalkUnlink)
	if err != nil {
		return status(err)
	}

	// The name is already gone from its parent; get/put so DESTROY fires now
	// if that was the last link and no descriptor still holds the node.
	s.broker.Nodes.Put(ctx, s.broker.Nodes.Get(lr))
	return vfs.EOK
}

// Rename implements RENAME: a broker-level best-effort atomic
// replace of new by old, serialized against every other namespace operation
// by the namespace write-lock. Both paths must be canonical; neither may be
// a prefix of the other. Mount traversal is disabled for the unlink/link
// steps so a mount appearing at either name cannot race the swap.
func (s *Session) Rename(ctx context.Context, baseFd Fd, oldPath, newPath string) vfs.Status {
	s.broker.ns.Lock()
	defer s.broker.ns.Unlock()

	base, baseDesc, err := s.baseTriplet(baseFd)
	if err != nil {
		return status(err)
	}
	if baseDesc != nil {
		defer s.Descs.Put(baseDesc)
	}

	// One path being a prefix of the other (or the two being equal) would
	// have the swap unlink an ancestor of its own destination; reject before
	// touching the namespace.
	if oldPath == newPath ||
		strings.HasPrefix(newPath, oldPath+"/") ||
		strings.HasPrefix(oldPath, newPath+"/") {
		return vfs.EINVAL
	}

	shared := sharedPath(oldPath, newPath)
	oldRel, newRel := oldPath, newPath

	// Resolve the shared directory portion once; both residual paths then
	// walk from its triplet.
	if shared != 0 {
		baseLr, err := s.broker.Resolver.Walk(ctx, base, oldPath[:shared], vfs.WalkDirectory)
		if err != nil {
			return status(err)
		}
		base = baseLr.Triplet
		oldRel = oldPath[shared:]
		newRel = newPath[shared:]
	}

	var newOrig vfs.LookupResult
	origUnlinked := false
	lr, err := s.broker.Resolver.Walk(ctx, base, newRel, vfs.WalkUnlink|vfs.WalkDisableMounts)
	if err == nil {
		newOrig = lr
		origUnlinked = true
	} else if status(err) != vfs.ENOENT {
		return status(err)
	}

	oldLr, err := s.broker.Resolver.Walk(ctx, base, oldRel, vfs.WalkUnlink|vfs.WalkDisableMounts)
	if err != nil {
		if origUnlinked {
			s.relink(ctx, base, newRel, newOrig.Triplet)
		}
		return status(err)
	}

	if err := s.linkInternal(ctx, base, newRel, oldLr.Triplet); err != nil {
		s.relink(ctx, base, oldRel, oldLr.Triplet)
		if origUnlinked {
			s.relink(ctx, base, newRel, newOrig.Triplet)
		}
		return status(err)
	}

	if origUnlinked {
		// The displaced node loses its last name here; DESTROY fires at the
		// backend once no descriptor holds it.
		s.broker.Nodes.Put(ctx, s.broker.Nodes.Get(newOrig))
	}
	return vfs.EOK
}

// Dup implements DUP: binds oldFd's descriptor into slot newFd, closing
// whatever occupied it. The two slots then share one open-file record, and
// the node gains one reference for the extra slot.
func (s *Session) Dup(oldFd, newFd Fd) (Fd, vfs.Status) {
	if newFd < 0 {
		return -1, vfs.EBADF
	}
	if oldFd == newFd {
		return newFd, vfs.EOK
	}

	d, err := s.Descs.Get(oldFd)
	if err != nil {
		return -1, status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	s.broker.Nodes.Ref(d.Node)
	d.Mu.Unlock()

	s.Descs.Assign(newFd, d)
	return newFd, vfs.EOK
}

// linkInternal creates the terminal name of path, resolved from base with
// mount traversal disabled, as a new link to target. Links never cross
// filesystems.
func (s *Session) linkInternal(ctx context.Context, base vfs.Triplet, path string, target vfs.Triplet) error {
	dir, name := splitDirName(path)
	dirTriplet := base
	if dir != "" {
		lr, err := s.broker.Resolver.Walk(ctx, base, dir, vfs.WalkDirectory|vfs.WalkDisableMounts)
		if err != nil {
			return err
		}
		dirTriplet = lr.Triplet
	}
	if name == "" {
		return vfs.EINVAL
	}
	if dirTriplet.Backend != target.Backend || dirTriplet.Service != target.Service {
		return vfs.EINVAL
	}
	entry, ok := s.broker.Registry.ByHandle(dirTriplet.Backend)
	if !ok {
		return vfs.EIO
	}
	return entry.Conn.Link(ctx, dirTriplet, name, target)
}

// relink is linkInternal on a compensation path: the operation is already
// failing for its own reason, so a compensation failure is only logged --
// the namespace stays in its last observed state.
func (s *Session) relink(ctx context.Context, base vfs.Triplet, path string, target vfs.Triplet) {
	if err := s.linkInternal(ctx, base, path, target); err != nil {
		glog.Errorf("broker: rename compensation failed relinking %s -> %s: %+v", path, target, err)
	}
}

// sharedPath returns the length of the longest shared directory prefix of
// two canonical paths. When the paths diverge
// mid-component, it backs off to the last '/' so the prefix always ends on a
// component boundary.
func sharedPath(a, b string) int {
	res := 0
	for res < len(a) && res < len(b) && a[res] == b[res] {
		res++
	}
	if res == len(a) && res == len(b) {
		return res
	}
	if res > 0 {
		res--
	}
	for res > 0 && a[res] != '/' {
		res--
	}
	return res
}

// splitDirName splits a relative path into its directory portion and final
// component.
func splitDirName(path string) (dir, name string) {
	trimmed := strings.TrimSuffix(path, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "", trimmed
	}
	return trimmed[:i], trimmed[i+1:]
}
