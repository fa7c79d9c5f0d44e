package broker

import (
	"context"
	"testing"
	"time"

	"github.com/dusxmt/vfsbroker/pkg/backend/memfs"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

func TestRegistryResolveNonBlocking(t *testing.T) {
	r := NewBackendRegistry()
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "tmpfs", 0, false); vfs.StatusOf(err) != vfs.ENOENT {
		t.Fatalf("resolve of unregistered backend: %v, want ENOENT", err)
	}

	entry, err := r.Register(ctx, "tmpfs", 0, memfs.New(0))
	if err != nil {
		t.Fatalf("register: %+v", err)
	}
	got, err := r.Resolve(ctx, "tmpfs", 0, false)
	if err != nil || got != entry {
		t.Fatalf("resolve after register: %v %v", got, err)
	}
	if got.Handle == 0 {
		t.Fatal("registered entry has zero handle")
	}
	if !got.Features.ConcurrentReadWrite {
		t.Fatal("capability flags not captured at registration")
	}

	if _, err := r.Register(ctx, "tmpfs", 0, memfs.New(0)); vfs.StatusOf(err) != vfs.EEXIST {
		t.Fatalf("duplicate register: %v, want EEXIST", err)
	}
}

func TestRegistryResolveBlocking(t *testing.T) {
	r := NewBackendRegistry()
	ctx := context.Background()

	resolved := make(chan *BackendEntry, 1)
	go func() {
		e, err := r.Resolve(ctx, "extfs", 3, true)
		if err != nil {
			t.Errorf("blocking resolve: %+v", err)
		}
		resolved <- e
	}()

	// the resolver must still be waiting, not failed
	select {
	case <-resolved:
		t.Fatal("blocking resolve returned before registration")
	case <-time.After(10 * time.Millisecond):
	}

	entry, err := r.Register(ctx, "extfs", 3, memfs.New(0))
	if err != nil {
		t.Fatalf("register: %+v", err)
	}
	select {
	case e := <-resolved:
		if e != entry {
			t.Fatalf("blocking resolve yielded %v, want %v", e, entry)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking resolve did not wake on registration")
	}
}

func TestRegistryShutdownWakesWaiters(t *testing.T) {
	r := NewBackendRegistry()

	failed := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "extfs", 0, true)
		failed <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Shutdown()

	select {
	case err := <-failed:
		if vfs.StatusOf(err) != vfs.ENOENT {
			t.Fatalf("resolve after shutdown: %v, want ENOENT", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake the blocked resolve")
	}
}

func TestRegistryResolveCancellation(t *testing.T) {
	r := NewBackendRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	failed := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "extfs", 0, true)
		failed <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-failed:
		if vfs.StatusOf(err) != vfs.EIO {
			t.Fatalf("cancelled resolve: %v, want EIO", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not wake the blocked resolve")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewBackendRegistry()
	ctx := context.Background()

	entry, err := r.Register(ctx, "tmpfs", 0, memfs.New(0))
	if err != nil {
		t.Fatalf("register: %+v", err)
	}
	if _, ok := r.ByHandle(entry.Handle); !ok {
		t.Fatal("ByHandle missed a live entry")
	}

	r.Unregister("tmpfs", 0)
	if _, err := r.Resolve(ctx, "tmpfs", 0, false); vfs.StatusOf(err) != vfs.ENOENT {
		t.Fatalf("resolve after unregister: %v, want ENOENT", err)
	}
	if _, ok := r.ByHandle(entry.Handle); ok {
		t.Fatal("ByHandle found an unregistered entry")
	}
}
