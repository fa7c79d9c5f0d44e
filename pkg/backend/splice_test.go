package backend

import (
	"context"
	"testing"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// fakeChild records the handshake a parent drives over its splice.
type fakeChild struct {
	mountedService   vfs.ServiceID
	mountedOpts      string
	unmountedService vfs.ServiceID
	root             vfs.LookupResult
	mountedErr       error
}

func (f *fakeChild) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	f.mountedService = service
	f.mountedOpts = opts
	if f.mountedErr != nil {
		return vfs.LookupResult{}, f.mountedErr
	}
	return f.root, nil
}

func (f *fakeChild) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	f.unmountedService = service
	return nil
}

func TestSplicesDriveChildHandshake(t *testing.T) {
	ctx := context.Background()
	var s Splices
	mp := vfs.Triplet{Backend: 1, Service: 7, Index: 3}
	child := &fakeChild{root: vfs.LookupResult{
		Triplet: vfs.Triplet{Backend: 2, Service: 9, Index: 0},
		Type:    vfs.NodeDirectory,
	}}

	lr, err := s.Mount(ctx, mp, child, 9, "size=64m")
	if err != nil {
		t.Fatalf("mount: %+v", err)
	}
	if child.mountedService != 9 || child.mountedOpts != "size=64m" {
		t.Fatalf("child handshake not driven by the parent: service=%d opts=%q",
			child.mountedService, child.mountedOpts)
	}
	if lr != child.root {
		t.Fatalf("relayed root %+v, want the child's %+v", lr, child.root)
	}
	if !s.Spliced(mp) {
		t.Fatal("splice not recorded")
	}

	if _, err := s.Mount(ctx, mp, &fakeChild{}, 10, ""); vfs.StatusOf(err) != vfs.EBUSY {
		t.Fatalf("second splice at the same mount point: %v, want EBUSY", err)
	}

	if err := s.Unmount(ctx, mp); err != nil {
		t.Fatalf("unmount: %+v", err)
	}
	if child.unmountedService != 9 {
		t.Fatalf("child not told Unmounted over the splice: service=%d", child.unmountedService)
	}
	if s.Spliced(mp) {
		t.Fatal("splice survived unmount")
	}

	if err := s.Unmount(ctx, mp); vfs.StatusOf(err) != vfs.ENOENT {
		t.Fatalf("unmount of unknown mount point: %v, want ENOENT", err)
	}
}

func TestSplicesMountFailureLeavesNoSplice(t *testing.T) {
	ctx := context.Background()
	var s Splices
	mp := vfs.Triplet{Backend: 1, Service: 7, Index: 3}
	child := &fakeChild{mountedErr: vfs.ENOMEM}

	if _, err := s.Mount(ctx, mp, child, 9, ""); vfs.StatusOf(err) != vfs.ENOMEM {
		t.Fatalf("mount with failing child: %v, want ENOMEM", err)
	}
	if s.Spliced(mp) {
		t.Fatal("failed mount left a splice behind")
	}
}
