package clientapi

import (
	"context"
	"time"

	"github.com/complyue/hbi"
	"github.com/complyue/hbi/interop"

	"github.com/dusxmt/vfsbroker/pkg/broker"
	"github.com/dusxmt/vfsbroker/pkg/errors"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
	"github.com/dusxmt/vfsbroker/pkg/wire"
)

// Client is the typed posting-side stub of the client request surface: one
// method per request, each a conversation on the underlying channel
// (SendCode the call, StartRecv, RecvObj the reply values).
type Client struct {
	ch wire.Channel
}

// NewClient wraps an established channel to a broker.
func NewClient(ch wire.Channel) *Client {
	return &Client{ch: ch}
}

// DialTCP connects to a broker service address and returns a Client over the
// fresh wire.
func DialTCP(brokerAddr string) (*Client, error) {
	he := hbi.NewHostingEnv()
	interop.ExposeInterOpValues(he)
	po, _, err := hbi.DialTCP(brokerAddr, he)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing broker at %s", brokerAddr)
	}
	return NewClient(wire.NewHBIChannel(po)), nil
}

// Close tears down the connection; the broker drops this client's descriptor
// table with it.
func (c *Client) Close() error { return c.ch.Close() }

// call opens a conversation, sends args (and data when non-nil), flips to
// receive and decodes the leading status word. A non-EOK status is returned
// as the vfs.Status itself; the Call stays open for the method's remaining
// reply values only on EOK.
func (c *Client) call(ctx context.Context, method string, data []byte, args ...interface{}) (wire.Call, error) {
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

func (c *Client) simple(ctx context.Context, method string, args ...interface{}) vfs.Status {
	call, err := c.call(ctx, method, nil, args...)
	if err != nil {
		return vfs.StatusOf(err)
	}
	call.Close()
	return vfs.EOK
}

// Mount asks the broker to mount fsName#instance's service at mountpoint.
func (c *Client) Mount(ctx context.Context, service vfs.ServiceID, blocking bool, instance uint32, mountpoint, opts, fsName string) vfs.Status {
	var flags uint32
	if blocking {
		flags |= mountFlagBlocking
	}
	return c.simple(ctx, "Mount", uint64(service), flags, instance, mountpoint, opts, fsName)
}

func (c *Client) Unmount(ctx context.Context, mountpoint string) vfs.Status {
	return c.simple(ctx, "Unmount", mountpoint)
}

func (c *Client) Walk(ctx context.Context, parentFd broker.Fd, path string, flags vfs.WalkFlags) (broker.Fd, vfs.Status) {
	call, err := c.call(ctx, "Walk", nil, int32(parentFd), uint32(flags), path)
	if err != nil {
		return -1, vfs.StatusOf(err)
	}
	defer call.Close()
	var fd int32
	if err := call.RecvArgs(&fd); err != nil {
		return -1, vfs.StatusOf(err)
	}
	return broker.Fd(fd), vfs.EOK
}

func (c *Client) Open2(ctx context.Context, fd broker.Fd, mode broker.Perm) vfs.Status {
	return c.simple(ctx, "Open2", int32(fd), uint32(mode))
}

func (c *Client) Read(ctx context.Context, fd broker.Fd, buf []byte) (int, vfs.Status) {
	call, err := c.call(ctx, "Read", nil, int32(fd), len(buf))
	if err != nil {
		return 0, vfs.StatusOf(err)
	}
	defer call.Close()
	var n int
	if err := call.RecvArgs(&n); err != nil {
		return 0, vfs.StatusOf(err)
	}
	if n > 0 {
		if err := call.RecvData(buf[:n]); err != nil {
			return 0, vfs.StatusOf(err)
		}
	}
	return n, vfs.EOK
}

func (c *Client) Write(ctx context.Context, fd broker.Fd, buf []byte) (int, uint64, vfs.Status) {
	call, err := c.call(ctx, "Write", buf, int32(fd), len(buf))
	if err != nil {
		return 0, 0, vfs.StatusOf(err)
	}
	defer call.Close()
	var n int
	var newSize uint64
	if err := call.RecvArgs(&n, &newSize); err != nil {
		return 0, 0, vfs.StatusOf(err)
	}
	return n, newSize, vfs.EOK
}

func (c *Client) Seek(ctx context.Context, fd broker.Fd, offset int64, whence broker.Whence) (uint64, vfs.Status) {
	offLo, offHi := vfs.SplitWords(uint64(offset))
	call, err := c.call(ctx, "Seek", nil, int32(fd), offLo, offHi, uint8(whence))
	if err != nil {
		return 0, vfs.StatusOf(err)
	}
	defer call.Close()
	var posLo, posHi uint32
	if err := call.RecvArgs(&posLo, &posHi); err != nil {
		return 0, vfs.StatusOf(err)
	}
	return vfs.JoinWords(posLo, posHi), vfs.EOK
}

func (c *Client) Truncate(ctx context.Context, fd broker.Fd, size uint64) vfs.Status {
	sizeLo, sizeHi := vfs.SplitWords(size)
	return c.simple(ctx, "Truncate", int32(fd), sizeLo, sizeHi)
}

func (c *Client) Sync(ctx context.Context, fd broker.Fd) vfs.Status {
	return c.simple(ctx, "Sync", int32(fd))
}

func (c *Client) Fstat(ctx context.Context, fd broker.Fd) (vfs.Stat, vfs.Status) {
	call, err := c.call(ctx, "Fstat", nil, int32(fd))
	if err != nil {
		return vfs.Stat{}, vfs.StatusOf(err)
	}
	defer call.Close()
	var size uint64
	var typ uint8
	var nanos int64
	var links uint32
	if err := call.RecvArgs(&size, &typ, &nanos, &links); err != nil {
		return vfs.Stat{}, vfs.StatusOf(err)
	}
	return vfs.Stat{
		Size:  size,
		Type:  vfs.NodeType(typ),
		Mtime: nanosToTime(nanos),
		Links: links,
	}, vfs.EOK
}

func (c *Client) CloseFd(ctx context.Context, fd broker.Fd) vfs.Status {
	return c.simple(ctx, "Close", int32(fd))
}

func (c *Client) Unlink(ctx context.Context, parentFd, expectFd broker.Fd, path string, flags vfs.WalkFlags) vfs.Status {
	return c.simple(ctx, "Unlink2", int32(parentFd), int32(expectFd), uint32(flags), path)
}

func (c *Client) Rename(ctx context.Context, baseFd broker.Fd, oldPath, newPath string) vfs.Status {
	return c.simple(ctx, "Rename", int32(baseFd), oldPath, newPath)
}

func (c *Client) Dup(ctx context.Context, oldFd, newFd broker.Fd) (broker.Fd, vfs.Status) {
	call, err := c.call(ctx, "Dup", nil, int32(oldFd), int32(newFd))
	if err != nil {
		return -1, vfs.StatusOf(err)
	}
	defer call.Close()
	var fd int32
	if err := call.RecvArgs(&fd); err != nil {
		return -1, vfs.StatusOf(err)
	}
	return broker.Fd(fd), vfs.EOK
}

func (c *Client) WaitHandle(ctx context.Context) (broker.PendingHandle, vfs.Status) {
	call, err := c.call(ctx, "WaitHandle", nil)
	if err != nil {
		return -1, vfs.StatusOf(err)
	}
	defer call.Close()
	var h int32
	if err := call.RecvArgs(&h); err != nil {
		return -1, vfs.StatusOf(err)
	}
	return broker.PendingHandle(h), vfs.EOK
}

// GetMtab fetches the broker's mount-table snapshot.
func (c *Client) GetMtab(ctx context.Context) ([]broker.MtabEntry, vfs.Status) {
	call, err := c.call(ctx, "GetMtab", nil)
	if err != nil {
		return nil, vfs.StatusOf(err)
	}
	defer call.Close()
	var count int
	if err := call.RecvArgs(&count); err != nil {
		return nil, vfs.StatusOf(err)
	}
	entries := make([]broker.MtabEntry, 0, count)
	for i := 0; i < count; i++ {
		var e broker.MtabEntry
		var service uint64
		if err := call.RecvArgs(&e.MountPoint, &e.Options, &e.FSName, &e.Instance, &service); err != nil {
			return entries, vfs.StatusOf(err)
		}
		e.Service = vfs.ServiceID(service)
		entries = append(entries, e)
	}
	return entries, vfs.EOK
}

func nanosToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
