package backend

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// UnimplementedBackend answers every data-plane Backend method with ENOTSUP.
// Concrete backends embed it alongside Splices (which supplies the
// parent-side Mount/Unmount) and override only what they support.
type UnimplementedBackend struct{}

func (UnimplementedBackend) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	return vfs.LookupResult{}, vfs.ENOTSUP
}

func (UnimplementedBackend) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	return vfs.ENOTSUP
}

func (UnimplementedBackend) Lookup(ctx context.Context, parent vfs.Triplet, name string, flags vfs.WalkFlags) (vfs.LookupReply, error) {
	return vfs.LookupReply{}, vfs.ENOTSUP
}

func (UnimplementedBackend) OpenNode(ctx context.Context, node vfs.Triplet, flags vfs.WalkFlags) (uint64, error) {
	return 0, vfs.ENOTSUP
}

func (UnimplementedBackend) Read(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, error) {
	return 0, vfs.ENOTSUP
}

func (UnimplementedBackend) Write(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, uint64, error) {
	return 0, 0, vfs.ENOTSUP
}

func (UnimplementedBackend) Truncate(ctx context.Context, node vfs.Triplet, size uint64) error {
	return vfs.ENOTSUP
}

func (UnimplementedBackend) Sync(ctx context.Context, node vfs.Triplet) error {
	return vfs.ENOTSUP
}

func (UnimplementedBackend) Stat(ctx context.Context, node vfs.Triplet) (vfs.Stat, error) {
	return vfs.Stat{}, vfs.ENOTSUP
}

func (UnimplementedBackend) Destroy(ctx context.Context, node vfs.Triplet) error {
	return vfs.ENOTSUP
}

func (UnimplementedBackend) Link(ctx context.Context, dir vfs.Triplet, name string, target vfs.Triplet) error {
	return vfs.ENOTSUP
}

func (UnimplementedBackend) Features(ctx context.Context) (vfs.Features, error) {
	return vfs.Features{}, vfs.ENOTSUP
}
