package broker

import (
	"bytes"
	"context"
	"testing"

	"github.com/dusxmt/vfsbroker/pkg/backend/memfs"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// newTestNamespace registers one in-memory backend as tmpfs#0 and mounts
// its service 7 as the namespace root.
func newTestNamespace(t *testing.T) (*Broker, *Session, *memfs.Backend) {
	t.Helper()
	ctx := context.Background()

	b := NewBroker()
	mem := memfs.New(0)
	if _, err := b.Registry.Register(ctx, "tmpfs", 0, mem); err != nil {
		t.Fatalf("registering tmpfs#0: %+v", err)
	}

	s := b.NewSession()
	if st := s.Mount(ctx, 7, false, 0, "tmpfs", "/", ""); st != vfs.EOK {
		t.Fatalf("root mount: got %v", st)
	}
	return b, s, mem
}

func mustWalk(t *testing.T, s *Session, parent Fd, path string, flags vfs.WalkFlags) Fd {
	t.Helper()
	fd, st := s.Walk(context.Background(), parent, path, flags)
	if st != vfs.EOK {
		t.Fatalf("walk %q flags %v: got %v", path, flags, st)
	}
	return fd
}

func mustOpen(t *testing.T, s *Session, fd Fd, mode Perm) {
	t.Helper()
	if st := s.Open2(context.Background(), fd, mode); st != vfs.EOK {
		t.Fatalf("open2 fd %d mode %v: got %v", fd, mode, st)
	}
}

func descTriplet(t *testing.T, s *Session, fd Fd) vfs.Triplet {
	t.Helper()
	d, err := s.Descs.Get(fd)
	if err != nil {
		t.Fatalf("descriptor %d: %v", fd, err)
	}
	defer s.Descs.Put(d)
	return d.Node.Triplet
}

func TestRootMountWalk(t *testing.T) {
	b, s, _ := newTestNamespace(t)

	fd := mustWalk(t, s, RootFd, "/", 0)
	if fd != 0 {
		t.Fatalf("first walk: got fd %d, want 0", fd)
	}
	root := b.Mounts.Root()
	if root == nil {
		t.Fatal("no root mount recorded")
	}
	if got := descTriplet(t, s, fd); got != root.MountedRoot {
		t.Fatalf("walked root triplet %v, want %v", got, root.MountedRoot)
	}
	if root.Service != 7 {
		t.Fatalf("root mount service %d, want 7", root.Service)
	}
}

func TestBusyUnmount(t *testing.T) {
	b, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/", 0)
	if st := s.Unmount(ctx, "/"); st != vfs.EBUSY {
		t.Fatalf("unmount with open fd: got %v, want EBUSY", st)
	}
	if b.Mounts.Root() == nil {
		t.Fatal("failed unmount tore the mount down anyway")
	}

	if st := s.Close(fd); st != vfs.EOK {
		t.Fatalf("close: got %v", st)
	}
	if st := s.Unmount(ctx, "/"); st != vfs.EOK {
		t.Fatalf("unmount after close: got %v", st)
	}
	if b.Mounts.Root() != nil {
		t.Fatal("root mount still present after unmount")
	}
}

func TestMountStacking(t *testing.T) {
	b, s, parent := newTestNamespace(t)
	ctx := context.Background()

	mfd := mustWalk(t, s, RootFd, "/m", vfs.WalkCreate|vfs.WalkDirectory)
	if st := s.Close(mfd); st != vfs.EOK {
		t.Fatalf("close /m: got %v", st)
	}

	if _, err := b.Registry.Register(ctx, "tmpfs", 1, memfs.New(0)); err != nil {
		t.Fatalf("registering tmpfs#1: %+v", err)
	}
	if st := s.Mount(ctx, 9, false, 1, "tmpfs", "/m", ""); st != vfs.EOK {
		t.Fatalf("child mount at /m: got %v", st)
	}

	xfd := mustWalk(t, s, RootFd, "/m/x", vfs.WalkCreate|vfs.WalkFile)
	child, ok := b.Mounts.ByPath("/m")
	if !ok {
		t.Fatal("no mount entry for /m")
	}
	xt := descTriplet(t, s, xfd)
	if xt.Backend != child.Backend || xt.Service != child.Service {
		t.Fatalf("created /m/x in %v, want child fs %d:%d", xt, child.Backend, child.Service)
	}
	// the PARENT backend holds the splice: the mount went through it, not
	// past it
	if !parent.Spliced(child.MountPointTriplet) {
		t.Fatal("parent backend has no splice for /m")
	}

	if st := s.Unmount(ctx, "/m"); st != vfs.EBUSY {
		t.Fatalf("unmount busy child: got %v, want EBUSY", st)
	}
	if st := s.Close(xfd); st != vfs.EOK {
		t.Fatalf("close /m/x: got %v", st)
	}
	if st := s.Unmount(ctx, "/m"); st != vfs.EOK {
		t.Fatalf("unmount idle child: got %v", st)
	}
	if _, still := b.Mounts.ByPath("/m"); still {
		t.Fatal("mount entry for /m survived unmount")
	}
	if parent.Spliced(child.MountPointTriplet) {
		t.Fatal("parent backend kept the splice after unmount")
	}
}

func TestMountPointUnique(t *testing.T) {
	b, s, _ := newTestNamespace(t)
	ctx := context.Background()

	mfd := mustWalk(t, s, RootFd, "/m", vfs.WalkCreate|vfs.WalkDirectory)
	s.Close(mfd)
	if _, err := b.Registry.Register(ctx, "tmpfs", 1, memfs.New(0)); err != nil {
		t.Fatalf("registering tmpfs#1: %+v", err)
	}
	if _, err := b.Registry.Register(ctx, "tmpfs", 2, memfs.New(0)); err != nil {
		t.Fatalf("registering tmpfs#2: %+v", err)
	}

	if st := s.Mount(ctx, 9, false, 1, "tmpfs", "/m", ""); st != vfs.EOK {
		t.Fatalf("first mount at /m: got %v", st)
	}
	if st := s.Mount(ctx, 10, false, 2, "tmpfs", "/m", ""); st != vfs.EBUSY {
		t.Fatalf("second mount at /m: got %v, want EBUSY", st)
	}
}

func TestRenameSwap(t *testing.T) {
	_, s, mem := newTestNamespace(t)
	ctx := context.Background()

	afd := mustWalk(t, s, RootFd, "/a", vfs.WalkCreate|vfs.WalkFile)
	aTriplet := descTriplet(t, s, afd)
	s.Close(afd)
	bfd := mustWalk(t, s, RootFd, "/b", vfs.WalkCreate|vfs.WalkFile)
	bTriplet := descTriplet(t, s, bfd)
	s.Close(bfd)

	if st := s.Rename(ctx, RootFd, "/a", "/b"); st != vfs.EOK {
		t.Fatalf("rename /a /b: got %v", st)
	}

	if _, st := s.Walk(ctx, RootFd, "/a", 0); st != vfs.ENOENT {
		t.Fatalf("walk /a after rename: got %v, want ENOENT", st)
	}
	nfd := mustWalk(t, s, RootFd, "/b", 0)
	if got := descTriplet(t, s, nfd); got != aTriplet {
		t.Fatalf("walk /b after rename: triplet %v, want a's %v", got, aTriplet)
	}
	s.Close(nfd)

	// the displaced b must have been DESTROY'ed at the backend
	if _, err := mem.Stat(ctx, bTriplet); vfs.StatusOf(err) != vfs.ENOENT {
		t.Fatalf("displaced node still live at backend: %v", err)
	}
}

func TestRenamePrefix(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	afd := mustWalk(t, s, RootFd, "/a", vfs.WalkCreate|vfs.WalkDirectory)
	s.Close(afd)

	if st := s.Rename(ctx, RootFd, "/a", "/a/b"); st != vfs.EINVAL {
		t.Fatalf("rename into own subtree: got %v, want EINVAL", st)
	}
	if st := s.Rename(ctx, RootFd, "/a/b", "/a"); st != vfs.EINVAL {
		t.Fatalf("rename of ancestor: got %v, want EINVAL", st)
	}
	if st := s.Rename(ctx, RootFd, "/a", "/a"); st != vfs.EINVAL {
		t.Fatalf("rename onto itself: got %v, want EINVAL", st)
	}

	// the namespace must be untouched
	fd := mustWalk(t, s, RootFd, "/a", 0)
	s.Close(fd)
}

func TestRenameFailureRestores(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	bfd := mustWalk(t, s, RootFd, "/b", vfs.WalkCreate|vfs.WalkFile)
	bTriplet := descTriplet(t, s, bfd)
	s.Close(bfd)

	// old does not exist: the already-unlinked b must be relinked
	if st := s.Rename(ctx, RootFd, "/a", "/b"); st != vfs.ENOENT {
		t.Fatalf("rename of missing old: got %v, want ENOENT", st)
	}
	fd := mustWalk(t, s, RootFd, "/b", 0)
	if got := descTriplet(t, s, fd); got != bTriplet {
		t.Fatalf("restored /b triplet %v, want %v", got, bTriplet)
	}
	s.Close(fd)
}

func TestSeekOverflow(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	wfd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, wfd, PermRead|PermWrite)
	if n, _, st := s.Write(ctx, wfd, make([]byte, 10)); st != vfs.EOK || n != 10 {
		t.Fatalf("write: n=%d st=%v", n, st)
	}
	s.Close(wfd)

	fd := mustWalk(t, s, RootFd, "/f", 0)
	mustOpen(t, s, fd, PermRead)
	if _, st := s.Seek(ctx, fd, -20, SeekEnd); st != vfs.EOVERFLOW {
		t.Fatalf("seek end -20 on size-10 file: got %v, want EOVERFLOW", st)
	}
	if pos, st := s.Seek(ctx, fd, 0, SeekCur); st != vfs.EOK || pos != 0 {
		t.Fatalf("position after failed seek: pos=%d st=%v, want 0 EOK", pos, st)
	}
	s.Close(fd)
}

func TestSeekRoundTrip(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, fd, PermRead)

	for _, k := range []int64{0, 1, 4096, 1 << 40} {
		if pos, st := s.Seek(ctx, fd, k, SeekSet); st != vfs.EOK || pos != uint64(k) {
			t.Fatalf("seek set %d: pos=%d st=%v", k, pos, st)
		}
		if pos, st := s.Seek(ctx, fd, 0, SeekCur); st != vfs.EOK || pos != uint64(k) {
			t.Fatalf("seek cur 0 after set %d: pos=%d st=%v", k, pos, st)
		}
	}
	if _, st := s.Seek(ctx, fd, -1, SeekSet); st != vfs.EINVAL {
		t.Fatalf("negative seek set: got %v, want EINVAL", st)
	}
	s.Close(fd)
}

func TestWriteThenRead(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, fd, PermRead|PermWrite)

	payload := []byte("the quick brown fox")
	if pos, st := s.Seek(ctx, fd, 5, SeekSet); st != vfs.EOK || pos != 5 {
		t.Fatalf("seek set 5: pos=%d st=%v", pos, st)
	}
	n, newSize, st := s.Write(ctx, fd, payload)
	if st != vfs.EOK || n != len(payload) {
		t.Fatalf("write: n=%d st=%v", n, st)
	}
	if want := uint64(5 + len(payload)); newSize != want {
		t.Fatalf("write new size %d, want %d", newSize, want)
	}

	if _, st := s.Seek(ctx, fd, 5, SeekSet); st != vfs.EOK {
		t.Fatalf("seek back: got %v", st)
	}
	buf := make([]byte, len(payload))
	if n, st := s.Read(ctx, fd, buf); st != vfs.EOK || n != len(payload) {
		t.Fatalf("read: n=%d st=%v", n, st)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("read back %q, want %q", buf, payload)
	}
	s.Close(fd)
}

func TestAppendWrite(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/log", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, fd, PermRead|PermWrite|PermAppend)

	if _, _, st := s.Write(ctx, fd, []byte("hello")); st != vfs.EOK {
		t.Fatalf("first write: got %v", st)
	}
	if _, st := s.Seek(ctx, fd, 0, SeekSet); st != vfs.EOK {
		t.Fatalf("seek: got %v", st)
	}
	// append mode repositions at the current size before forwarding
	if _, newSize, st := s.Write(ctx, fd, []byte("xy")); st != vfs.EOK || newSize != 7 {
		t.Fatalf("append write: size=%d st=%v, want 7 EOK", newSize, st)
	}

	if _, st := s.Seek(ctx, fd, 0, SeekSet); st != vfs.EOK {
		t.Fatalf("seek: got %v", st)
	}
	buf := make([]byte, 7)
	if n, st := s.Read(ctx, fd, buf); st != vfs.EOK || n != 7 {
		t.Fatalf("read: n=%d st=%v", n, st)
	}
	if string(buf) != "helloxy" {
		t.Fatalf("content %q, want %q", buf, "helloxy")
	}
	s.Close(fd)
}

func TestOpenValidation(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	dfd := mustWalk(t, s, RootFd, "/d", vfs.WalkCreate|vfs.WalkDirectory)
	if st := s.Open2(ctx, dfd, PermWrite); st != vfs.EINVAL {
		t.Fatalf("open directory for write: got %v, want EINVAL", st)
	}
	if st := s.Open2(ctx, dfd, 0); st != vfs.EINVAL {
		t.Fatalf("open with no mode: got %v, want EINVAL", st)
	}
	mustOpen(t, s, dfd, PermRead)
	s.Close(dfd)

	ffd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	d, err := s.Descs.Get(ffd)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	d.Mu.Lock()
	d.Permissions = PermRead
	d.Mu.Unlock()
	s.Descs.Put(d)
	if st := s.Open2(ctx, ffd, PermRead|PermWrite); st != vfs.EPERM {
		t.Fatalf("open beyond permissions: got %v, want EPERM", st)
	}
	mustOpen(t, s, ffd, PermRead)

	// reads/writes with the matching open bit unset are refused
	if _, _, st := s.Write(ctx, ffd, []byte("x")); st != vfs.EINVAL {
		t.Fatalf("write on read-only open: got %v, want EINVAL", st)
	}
	s.Close(ffd)
}

func TestUnlinkExpect(t *testing.T) {
	_, s, mem := newTestNamespace(t)
	ctx := context.Background()

	afd := mustWalk(t, s, RootFd, "/a", vfs.WalkCreate|vfs.WalkFile)
	aTriplet := descTriplet(t, s, afd)
	bfd := mustWalk(t, s, RootFd, "/b", vfs.WalkCreate|vfs.WalkFile)

	// expecting the wrong node fails without unlinking
	if st := s.Unlink(ctx, RootFd, bfd, "/a", 0); st != vfs.ENOENT {
		t.Fatalf("unlink with mismatched expect: got %v, want ENOENT", st)
	}
	fd := mustWalk(t, s, RootFd, "/a", 0)
	s.Close(fd)

	if st := s.Unlink(ctx, RootFd, afd, "/a", 0); st != vfs.EOK {
		t.Fatalf("unlink with matching expect: got %v", st)
	}
	if _, st := s.Walk(ctx, RootFd, "/a", 0); st != vfs.ENOENT {
		t.Fatalf("walk of unlinked /a: got %v, want ENOENT", st)
	}

	// still open through afd, so the backend keeps the node alive
	if _, err := mem.Stat(ctx, aTriplet); err != nil {
		t.Fatalf("unlinked-but-open node gone at backend: %v", err)
	}
	s.Close(bfd)
	s.Close(afd)
	// last reference dropped: now DESTROY scraps it
	if _, err := mem.Stat(ctx, aTriplet); vfs.StatusOf(err) != vfs.ENOENT {
		t.Fatalf("unlinked node survived last close: %v", err)
	}
}

func TestNodeCacheInterning(t *testing.T) {
	b, s, _ := newTestNamespace(t)

	fd1 := mustWalk(t, s, RootFd, "/", 0)
	fd2 := mustWalk(t, s, RootFd, "/", 0)

	d1, _ := s.Descs.Get(fd1)
	d2, _ := s.Descs.Get(fd2)
	if d1.Node != d2.Node {
		t.Fatal("two walks of the same triplet yielded distinct nodes")
	}
	// mount reference + two descriptors
	if got := d1.Node.Refcount(); got != 3 {
		t.Fatalf("refcount %d, want 3", got)
	}
	s.Descs.Put(d1)
	s.Descs.Put(d2)

	s.Close(fd2)
	node := b.Nodes.Lookup(b.Mounts.Root().MountedRoot)
	if node == nil {
		t.Fatal("root node evicted while referenced")
	}
	if got := node.Refcount(); got != 2 {
		t.Fatalf("refcount after close %d, want 2", got)
	}
	s.Close(fd1)
}

func TestDupSharesDescriptor(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, fd, PermRead|PermWrite)
	if _, _, st := s.Write(ctx, fd, []byte("abcdef")); st != vfs.EOK {
		t.Fatalf("write: got %v", st)
	}

	nfd, st := s.Dup(fd, 7)
	if st != vfs.EOK || nfd != 7 {
		t.Fatalf("dup: fd=%d st=%v", nfd, st)
	}
	if got, st := s.Dup(fd, fd); st != vfs.EOK || got != fd {
		t.Fatalf("identity dup: fd=%d st=%v", got, st)
	}

	// position is shared through the common open-file record
	buf := make([]byte, 3)
	if _, st := s.Seek(ctx, nfd, 0, SeekSet); st != vfs.EOK {
		t.Fatalf("seek via dup: got %v", st)
	}
	if n, st := s.Read(ctx, fd, buf); st != vfs.EOK || n != 3 {
		t.Fatalf("read via first fd: n=%d st=%v", n, st)
	}
	if string(buf) != "abc" {
		t.Fatalf("read %q, want abc", buf)
	}

	if st := s.Close(fd); st != vfs.EOK {
		t.Fatalf("close first fd: got %v", st)
	}
	// the dup'ed slot still works
	if n, st := s.Read(ctx, nfd, buf); st != vfs.EOK || n != 3 {
		t.Fatalf("read via dup after close: n=%d st=%v", n, st)
	}
	if string(buf) != "def" {
		t.Fatalf("read %q, want def", buf)
	}
	s.Close(nfd)
}

func TestTruncateAndStat(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	mustOpen(t, s, fd, PermRead|PermWrite)
	if _, _, st := s.Write(ctx, fd, make([]byte, 100)); st != vfs.EOK {
		t.Fatalf("write: got %v", st)
	}
	if st := s.Truncate(ctx, fd, 40); st != vfs.EOK {
		t.Fatalf("truncate: got %v", st)
	}
	st, status := s.Fstat(ctx, fd)
	if status != vfs.EOK {
		t.Fatalf("fstat: got %v", status)
	}
	if st.Size != 40 || st.Type != vfs.NodeRegular {
		t.Fatalf("fstat size=%d type=%v, want 40 regular", st.Size, st.Type)
	}
	if pos, status := s.Seek(ctx, fd, 0, SeekEnd); status != vfs.EOK || pos != 40 {
		t.Fatalf("seek end after truncate: pos=%d st=%v", pos, status)
	}
	if st := s.Sync(ctx, fd); st != vfs.EOK {
		t.Fatalf("sync: got %v", st)
	}
	s.Close(fd)
}

func TestMtabSnapshot(t *testing.T) {
	b, s, _ := newTestNamespace(t)
	ctx := context.Background()

	mfd := mustWalk(t, s, RootFd, "/m", vfs.WalkCreate|vfs.WalkDirectory)
	s.Close(mfd)
	if _, err := b.Registry.Register(ctx, "tmpfs", 1, memfs.New(0)); err != nil {
		t.Fatalf("registering tmpfs#1: %+v", err)
	}
	if st := s.Mount(ctx, 9, false, 1, "tmpfs", "/m", "size=64m"); st != vfs.EOK {
		t.Fatalf("child mount: got %v", st)
	}

	entries := b.Mtab()
	if len(entries) != 2 {
		t.Fatalf("mtab has %d entries, want 2", len(entries))
	}
	byPath := map[string]MtabEntry{}
	for _, e := range entries {
		byPath[e.MountPoint] = e
	}
	if e, ok := byPath["/m"]; !ok || e.FSName != "tmpfs" || e.Instance != 1 || e.Options != "size=64m" || e.Service != 9 {
		t.Fatalf("bad /m mtab entry: %+v", byPath["/m"])
	}
	if e, ok := byPath["/"]; !ok || e.Service != 7 {
		t.Fatalf("bad / mtab entry: %+v", byPath["/"])
	}

	var streamed int
	count, err := b.StreamMtab(ctx, func(context.Context, MtabEntry) error {
		streamed++
		return nil
	})
	if err != nil || count != 2 || streamed != 2 {
		t.Fatalf("stream: count=%d streamed=%d err=%v", count, streamed, err)
	}
}

func TestWalkInvalidFlags(t *testing.T) {
	_, s, _ := newTestNamespace(t)

	for _, flags := range []vfs.WalkFlags{
		vfs.WalkDirectory | vfs.WalkFile,
		vfs.WalkExclusive,
		vfs.WalkCreate,
	} {
		if _, st := s.Walk(context.Background(), RootFd, "/x", flags); st != vfs.EINVAL {
			t.Fatalf("walk with flags %v: got %v, want EINVAL", flags, st)
		}
	}
}

func TestWalkExclusive(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	fd := mustWalk(t, s, RootFd, "/f", vfs.WalkCreate|vfs.WalkFile)
	s.Close(fd)
	if _, st := s.Walk(ctx, RootFd, "/f", vfs.WalkCreate|vfs.WalkExclusive|vfs.WalkFile); st != vfs.EEXIST {
		t.Fatalf("exclusive create of existing: got %v, want EEXIST", st)
	}
}

func TestBadDescriptor(t *testing.T) {
	_, s, _ := newTestNamespace(t)
	ctx := context.Background()

	if _, st := s.Read(ctx, 42, make([]byte, 1)); st != vfs.EBADF {
		t.Fatalf("read on unopened fd: got %v, want EBADF", st)
	}
	if st := s.Close(42); st != vfs.EBADF {
		t.Fatalf("close on unopened fd: got %v, want EBADF", st)
	}
	if _, st := s.Dup(42, 1); st != vfs.EBADF {
		t.Fatalf("dup of unopened fd: got %v, want EBADF", st)
	}
}
