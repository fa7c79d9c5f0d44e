package wire

import (
	"context"
	"sync"
	"time"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// BackendClient adapts a Channel to the backend.Backend interface: it is what
// the broker's registry holds for a backend living in another process. Every
// reply on this wire leads with a status word; non-EOK maps straight back to
// the corresponding vfs.Status.
//
// Triplets cross this wire as (service, index) pairs only: the broker-side
// BackendHandle is registry-local and meaningless to the backend, so the
// client re-stamps it onto every triplet it receives (SetHandle is called by
// the registry at registration).
//
// A child connection cannot cross the wire either, so Mount's splice is a
// lend: the client records the child against the mount point and the remote
// parent drives the child's handshake back through SpliceMounted /
// SpliceUnmounted on this same connection. That call-back leg is this wire's
// rendering of the protocol's connection clone.
type BackendClient struct {
	ch     Channel
	handle vfs.BackendHandle

	mu      sync.Mutex
	splices map[vfs.Triplet]backendSplice // children lent to the remote parent
}

type backendSplice struct {
	child   backend.ChildFS
	service vfs.ServiceID
}

// NewBackendClient wraps ch; the registry completes it with SetHandle.
func NewBackendClient(ch Channel) *BackendClient {
	return &BackendClient{ch: ch}
}

// spliceKey normalizes a mount-point triplet for splice bookkeeping: the
// handle component is broker-local and absent when the parent refers to the
// mount point over the wire.
func spliceKey(t vfs.Triplet) vfs.Triplet {
	t.Backend = 0
	return t
}

// SetHandle records the broker-minted handle stamped onto triplets coming
// back over this connection.
func (c *BackendClient) SetHandle(h vfs.BackendHandle) { c.handle = h }

// call opens a conversation, sends args (and data when non-nil), flips to
// receive and checks the leading status word. The returned Call is ready for
// further Recv* of the method's payload values; the caller must Close it.
func (c *BackendClient) call(ctx context.Context, method string, data []byte, args ...interface{}) (Call, error) {
	call, err := c.ch.NewCall(ctx, method)
	if err != nil {
		return nil, err
	}
	if err := call.SendArgs(args...); err != nil {
		call.Close()
		return nil, err
	}
	if data != nil {
		if err := call.SendData(data); err != nil {
			call.Close()
			return nil, err
		}
	}
	if err := call.StartRecv(); err != nil {
		call.Close()
		return nil, err
	}
	var st int
	if err := call.RecvArgs(&st); err != nil {
		call.Close()
		return nil, err
	}
	if vfs.Status(st) != vfs.EOK {
		call.Close()
		return nil, vfs.Status(st)
	}
	return call, nil
}

// simple runs a call with no payload values in the reply.
func (c *BackendClient) simple(ctx context.Context, method string, args ...interface{}) error {
	call, err := c.call(ctx, method, nil, args...)
	if err != nil {
		return err
	}
	return call.Close()
}

func (c *BackendClient) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	call, err := c.call(ctx, "Mounted", nil, uint64(service), opts)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	defer call.Close()
	var index, size uint64
	var typ uint8
	if err := call.RecvArgs(&index, &size, &typ); err != nil {
		return vfs.LookupResult{}, err
	}
	return vfs.LookupResult{
		Triplet: vfs.Triplet{
			Backend: c.handle,
			Service: service,
			Index:   vfs.NodeIndex(index),
		},
		Size: size,
		Type: vfs.NodeType(typ),
	}, nil
}

// Mount lends child to the remote parent and posts MOUNT; while the call is
// in flight the parent drives the child's Mounted handshake back through
// SpliceMounted, and the lend stays alive until the matching Unmount. The
// returned lookup result names a node of the CHILD filesystem; its handle
// component is zero here and is stamped by the caller, which knows the
// child's registry entry.
func (c *BackendClient) Mount(ctx context.Context, mountpoint vfs.Triplet, child backend.ChildFS, childService vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	key := spliceKey(mountpoint)
	c.mu.Lock()
	if c.splices == nil {
		c.splices = make(map[vfs.Triplet]backendSplice)
	}
	if _, busy := c.splices[key]; busy {
		c.mu.Unlock()
		return vfs.LookupResult{}, vfs.EBUSY
	}
	c.splices[key] = backendSplice{child: child, service: childService}
	c.mu.Unlock()

	call, err := c.call(ctx, "Mount", nil,
		uint64(mountpoint.Service), uint64(mountpoint.Index),
		uint64(childService), opts)
	if err != nil {
		c.dropSplice(key)
		return vfs.LookupResult{}, err
	}
	defer call.Close()
	var index, size uint64
	var typ uint8
	if err := call.RecvArgs(&index, &size, &typ); err != nil {
		c.dropSplice(key)
		return vfs.LookupResult{}, err
	}
	return vfs.LookupResult{
		Triplet: vfs.Triplet{Service: childService, Index: vfs.NodeIndex(index)},
		Size:    size,
		Type:    vfs.NodeType(typ),
	}, nil
}

func (c *BackendClient) Unmount(ctx context.Context, mountpoint vfs.Triplet) error {
	if err := c.simple(ctx, "Unmount",
		uint64(mountpoint.Service), uint64(mountpoint.Index)); err != nil {
		return err
	}
	// the parent has already relayed Unmounted to the child through
	// SpliceUnmounted; dropping again here only covers a parent that
	// skipped the relay
	c.dropSplice(spliceKey(mountpoint))
	return nil
}

func (c *BackendClient) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	return c.simple(ctx, "Unmounted", uint64(service))
}

// SpliceMounted serves the remote parent's call-back leg: the parent is
// driving the Mounted handshake of a child lent to it at mountpoint.
func (c *BackendClient) SpliceMounted(ctx context.Context, mountpoint vfs.Triplet, opts string) (vfs.LookupResult, error) {
	c.mu.Lock()
	sp, ok := c.splices[spliceKey(mountpoint)]
	c.mu.Unlock()
	if !ok {
		return vfs.LookupResult{}, vfs.ENOENT
	}
	return sp.child.Mounted(ctx, sp.service, opts)
}

// SpliceUnmounted is SpliceMounted's teardown mirror: relay Unmounted to the
// lent child and end the lend.
func (c *BackendClient) SpliceUnmounted(ctx context.Context, mountpoint vfs.Triplet) error {
	key := spliceKey(mountpoint)
	c.mu.Lock()
	sp, ok := c.splices[key]
	delete(c.splices, key)
	c.mu.Unlock()
	if !ok {
		return vfs.ENOENT
	}
	return sp.child.Unmounted(ctx, sp.service)
}

func (c *BackendClient) dropSplice(key vfs.Triplet) {
	c.mu.Lock()
	delete(c.splices, key)
	c.mu.Unlock()
}

func (c *BackendClient) Lookup(ctx context.Context, parent vfs.Triplet, name string, flags vfs.WalkFlags) (vfs.LookupReply, error) {
	call, err := c.call(ctx, "Lookup", nil,
		uint64(parent.Service), uint64(parent.Index), name, uint32(flags))
	if err != nil {
		return vfs.LookupReply{}, err
	}
	defer call.Close()
	var terminal int
	var service, index, size uint64
	var typ uint8
	var remainder string
	if err := call.RecvArgs(&terminal, &service, &index, &size, &typ, &remainder); err != nil {
		return vfs.LookupReply{}, err
	}
	return vfs.LookupReply{
		Terminal: terminal != 0,
		Result: vfs.LookupResult{
			Triplet: vfs.Triplet{
				Backend: c.handle,
				Service: vfs.ServiceID(service),
				Index:   vfs.NodeIndex(index),
			},
			Size: size,
			Type: vfs.NodeType(typ),
		},
		Remainder: remainder,
	}, nil
}

func (c *BackendClient) OpenNode(ctx context.Context, node vfs.Triplet, flags vfs.WalkFlags) (uint64, error) {
	call, err := c.call(ctx, "OpenNode", nil,
		uint64(node.Service), uint64(node.Index), uint32(flags))
	if err != nil {
		return 0, err
	}
	defer call.Close()
	var size uint64
	if err := call.RecvArgs(&size); err != nil {
		return 0, err
	}
	return size, nil
}

func (c *BackendClient) Read(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, error) {
	call, err := c.call(ctx, "Read", nil,
		uint64(node.Service), uint64(node.Index), pos, len(buf))
	if err != nil {
		return 0, err
	}
	defer call.Close()
	var count int
	if err := call.RecvArgs(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		if err := call.RecvData(buf[:count]); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (c *BackendClient) Write(ctx context.Context, node vfs.Triplet, pos uint64, buf []byte) (int, uint64, error) {
	call, err := c.call(ctx, "Write", buf,
		uint64(node.Service), uint64(node.Index), pos, len(buf))
	if err != nil {
		return 0, 0, err
	}
	defer call.Close()
	var count int
	var newSize uint64
	if err := call.RecvArgs(&count, &newSize); err != nil {
		return 0, 0, err
	}
	return count, newSize, nil
}

func (c *BackendClient) Truncate(ctx context.Context, node vfs.Triplet, size uint64) error {
	return c.simple(ctx, "Truncate", uint64(node.Service), uint64(node.Index), size)
}

func (c *BackendClient) Sync(ctx context.Context, node vfs.Triplet) error {
	return c.simple(ctx, "Sync", uint64(node.Service), uint64(node.Index))
}

func (c *BackendClient) Stat(ctx context.Context, node vfs.Triplet) (vfs.Stat, error) {
	call, err := c.call(ctx, "Stat", nil, uint64(node.Service), uint64(node.Index))
	if err != nil {
		return vfs.Stat{}, err
	}
	defer call.Close()
	var size uint64
	var typ uint8
	var mtimeNanos int64
	var links uint32
	if err := call.RecvArgs(&size, &typ, &mtimeNanos, &links); err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{
		Triplet: node,
		Size:    size,
		Type:    vfs.NodeType(typ),
		Mtime:   nanosToTime(mtimeNanos),
		Links:   links,
	}, nil
}

func (c *BackendClient) Destroy(ctx context.Context, node vfs.Triplet) error {
	return c.simple(ctx, "Destroy", uint64(node.Service), uint64(node.Index))
}

func (c *BackendClient) Link(ctx context.Context, dir vfs.Triplet, name string, target vfs.Triplet) error {
	hasTarget := 0
	if target != (vfs.Triplet{}) {
		hasTarget = 1
	}
	return c.simple(ctx, "Link",
		uint64(dir.Service), uint64(dir.Index), name,
		hasTarget, uint64(target.Service), uint64(target.Index))
}

func (c *BackendClient) Features(ctx context.Context) (vfs.Features, error) {
	call, err := c.call(ctx, "Features", nil)
	if err != nil {
		return vfs.Features{}, err
	}
	defer call.Close()
	var concurrentRW, writeRetainsSize int
	if err := call.RecvArgs(&concurrentRW, &writeRetainsSize); err != nil {
		return vfs.Features{}, err
	}
	return vfs.Features{
		ConcurrentReadWrite: concurrentRW != 0,
		WriteRetainsSize:    writeRetainsSize != 0,
	}, nil
}

func nanosToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

