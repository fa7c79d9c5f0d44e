package wire

import (
	"context"
	"fmt"

	"github.com/complyue/hbi"
	"github.com/complyue/hbi/interop"
	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/errors"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// exportedBackend is the HBI hosting reactor a backend daemon exposes
// toward the broker: one method per backend request surface call, each
// landing its inline args, pulling any bulk payload, delegating to the
// wrapped backend.Backend and sending a status-led reply (FinishRecv, work,
// StartSend, SendObj per reply value).
type exportedBackend struct {
	b backend.Backend

	po *hbi.PostingEnd
	ho *hbi.HostingEnd

	// handle is the broker-minted BackendHandle echoed back at registration;
	// triplets the wrapped backend constructs carry it so broker-side and
	// backend-side views of an identity agree.
	handle vfs.BackendHandle
}

func (eb *exportedBackend) NamesToExpose() []string {
	return []string{
		"Mounted", "Mount", "Unmount", "Unmounted",
		"Lookup", "OpenNode", "Read", "Write",
		"Truncate", "Sync", "Stat", "Destroy", "Link",
		"Features",
	}
}

// reply flips the conversation and sends the status word followed by vals.
func (eb *exportedBackend) reply(co *hbi.HoCo, err error, vals ...interface{}) {
	if e := co.StartSend(); e != nil {
		panic(e)
	}
	st := vfs.StatusOf(err)
	if st == vfs.EIO && err != nil {
		glog.Errorf("backend: %+v", err)
	}
	if e := co.SendObj(fmt.Sprintf("%#v", int(st))); e != nil {
		panic(e)
	}
	if st != vfs.EOK {
		return
	}
	for _, v := range vals {
		if e := co.SendObj(fmt.Sprintf("%#v", v)); e != nil {
			panic(e)
		}
	}
}

func (eb *exportedBackend) Mounted(service uint64, opts string) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	lr, err := eb.b.Mounted(context.Background(), vfs.ServiceID(service), opts)
	eb.reply(co, err, uint64(lr.Triplet.Index), lr.Size, uint8(lr.Type))
}

// Mount lands the parent side of a splice: the broker has lent this daemon a
// child connection reachable back over its own wire, so the local backend
// drives the child's handshake through a spliceChild proxy and the reply
// carries the child root's index, size and type.
func (eb *exportedBackend) Mount(mpService, mpIndex, childService uint64, opts string) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	mp := eb.triplet(mpService, mpIndex)
	child := &spliceChild{eb: eb, mountpoint: mp}
	lr, err := eb.b.Mount(context.Background(), mp, child, vfs.ServiceID(childService), opts)
	eb.reply(co, err, uint64(lr.Triplet.Index), lr.Size, uint8(lr.Type))
}

func (eb *exportedBackend) Unmount(mpService, mpIndex uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	eb.reply(co, eb.b.Unmount(context.Background(), eb.triplet(mpService, mpIndex)))
}

func (eb *exportedBackend) Unmounted(service uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	eb.reply(co, eb.b.Unmounted(context.Background(), vfs.ServiceID(service)))
}

func (eb *exportedBackend) Lookup(service, index uint64, name string, flags uint32) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	lr, err := eb.b.Lookup(context.Background(),
		eb.triplet(service, index), name, vfs.WalkFlags(flags))
	terminal := 0
	if lr.Terminal {
		terminal = 1
	}
	eb.reply(co, err,
		terminal,
		uint64(lr.Result.Triplet.Service), uint64(lr.Result.Triplet.Index),
		lr.Result.Size, uint8(lr.Result.Type), lr.Remainder)
}

func (eb *exportedBackend) OpenNode(service, index uint64, flags uint32) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	size, err := eb.b.OpenNode(context.Background(),
		eb.triplet(service, index), vfs.WalkFlags(flags))
	eb.reply(co, err, size)
}

func (eb *exportedBackend) Read(service, index, pos uint64, count int) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	buf := make([]byte, count)
	n, err := eb.b.Read(context.Background(), eb.triplet(service, index), pos, buf)
	eb.reply(co, err, n)
	if err == nil && n > 0 {
		if e := co.SendData(buf[:n]); e != nil {
			panic(e)
		}
	}
}

func (eb *exportedBackend) Write(service, index, pos uint64, count int) {
	co := eb.ho.Co()
	buf := make([]byte, count)
	if err := co.RecvData(buf); err != nil {
		panic(err)
	}
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	n, newSize, err := eb.b.Write(context.Background(), eb.triplet(service, index), pos, buf)
	eb.reply(co, err, n, newSize)
}

func (eb *exportedBackend) Truncate(service, index, size uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	eb.reply(co, eb.b.Truncate(context.Background(), eb.triplet(service, index), size))
}

func (eb *exportedBackend) Sync(service, index uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	eb.reply(co, eb.b.Sync(context.Background(), eb.triplet(service, index)))
}

func (eb *exportedBackend) Stat(service, index uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	st, err := eb.b.Stat(context.Background(), eb.triplet(service, index))
	var nanos int64
	if !st.Mtime.IsZero() {
		nanos = st.Mtime.UnixNano()
	}
	eb.reply(co, err, st.Size, uint8(st.Type), nanos, st.Links)
}

func (eb *exportedBackend) Destroy(service, index uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	eb.reply(co, eb.b.Destroy(context.Background(), eb.triplet(service, index)))
}

func (eb *exportedBackend) Link(dirService, dirIndex uint64, name string, hasTarget int, targetService, targetIndex uint64) {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	var target vfs.Triplet
	if hasTarget != 0 {
		target = eb.triplet(targetService, targetIndex)
	}
	eb.reply(co, eb.b.Link(context.Background(),
		eb.triplet(dirService, dirIndex), name, target))
}

func (eb *exportedBackend) Features() {
	co := eb.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	f, err := eb.b.Features(context.Background())
	crw, wrs := 0, 0
	if f.ConcurrentReadWrite {
		crw = 1
	}
	if f.WriteRetainsSize {
		wrs = 1
	}
	eb.reply(co, err, crw, wrs)
}

func (eb *exportedBackend) triplet(service, index uint64) vfs.Triplet {
	return vfs.Triplet{
		Backend: eb.handle,
		Service: vfs.ServiceID(service),
		Index:   vfs.NodeIndex(index),
	}
}

// spliceChild is this daemon's view of a child connection the broker lent it
// at Mount: the two calls a parent ever makes on a spliced child travel back
// over the daemon's own broker wire, where the lent connection answers them.
// The local backend's Splices holds one of these for the lifetime of each
// hosted mount.
type spliceChild struct {
	eb         *exportedBackend
	mountpoint vfs.Triplet
}

func (sc *spliceChild) Mounted(ctx context.Context, service vfs.ServiceID, opts string) (vfs.LookupResult, error) {
	co, err := sc.eb.po.NewCo()
	if err != nil {
		return vfs.LookupResult{}, err
	}
	defer co.Close()
	if err := co.SendCode(fmt.Sprintf("\nSpliceMounted(%#v, %#v, %#v)\n",
		uint64(sc.mountpoint.Service), uint64(sc.mountpoint.Index), opts)); err != nil {
		return vfs.LookupResult{}, err
	}
	if err := co.StartRecv(); err != nil {
		return vfs.LookupResult{}, err
	}
	st, err := recvInt(co)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	if vfs.Status(st) != vfs.EOK {
		return vfs.LookupResult{}, vfs.Status(st)
	}
	index, err := recvInt(co)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	size, err := recvInt(co)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	typ, err := recvInt(co)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	return vfs.LookupResult{
		Triplet: vfs.Triplet{Service: service, Index: vfs.NodeIndex(index)},
		Size:    uint64(size),
		Type:    vfs.NodeType(typ),
	}, nil
}

func (sc *spliceChild) Unmounted(ctx context.Context, service vfs.ServiceID) error {
	co, err := sc.eb.po.NewCo()
	if err != nil {
		return err
	}
	defer co.Close()
	if err := co.SendCode(fmt.Sprintf("\nSpliceUnmounted(%#v, %#v)\n",
		uint64(sc.mountpoint.Service), uint64(sc.mountpoint.Index))); err != nil {
		return err
	}
	if err := co.StartRecv(); err != nil {
		return err
	}
	st, err := recvInt(co)
	if err != nil {
		return err
	}
	if vfs.Status(st) != vfs.EOK {
		return vfs.Status(st)
	}
	return nil
}

// recvInt lands one integer reply value from a posting conversation.
func recvInt(co *hbi.PoCo) (int64, error) {
	obj, err := co.RecvObj()
	if err != nil {
		return 0, err
	}
	v, ok := obj.(hbi.LitIntType)
	if !ok {
		return 0, errors.Errorf("malformed integer reply value: %v", obj)
	}
	return int64(v), nil
}

// ServeBrokerTCP dials the broker's service port, exposes b over the wire
// and registers it as (name, instance). It blocks until the connection goes
// away; a broker restart means a fresh dial and a fresh registration.
func ServeBrokerTCP(b backend.Backend, name string, instance uint32, brokerAddr string) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.RichError(e)
		}
		if err != nil {
			glog.Errorf("backend %s#%d: %+v", name, instance, err)
		}
	}()

	he := hbi.NewHostingEnv()
	interop.ExposeInterOpValues(he)

	eb := &exportedBackend{b: b}
	he.ExposeReactor(eb)

	done := make(chan struct{})
	he.ExposeFunction("__hbi_cleanup__", func(discReason string) {
		if len(discReason) > 0 {
			glog.Errorf("backend %s#%d: broker disconnected: %s", name, instance, discReason)
		}
		close(done)
	})

	po, ho, err := hbi.DialTCP(brokerAddr, he)
	if err != nil {
		return errors.Wrapf(err, "dialing broker at %s", brokerAddr)
	}
	eb.po, eb.ho = po, ho

	co, err := po.NewCo()
	if err != nil {
		return err
	}
	if err = co.SendCode(fmt.Sprintf("\nRegisterFilesystem(%#v, %#v)\n", name, instance)); err != nil {
		co.Close()
		return err
	}
	if err = co.StartRecv(); err != nil {
		co.Close()
		return err
	}
	stObj, err := co.RecvObj()
	if err != nil {
		co.Close()
		return err
	}
	if st, ok := stObj.(hbi.LitIntType); !ok || vfs.Status(st) != vfs.EOK {
		co.Close()
		return errors.Errorf("broker refused registration of %s#%d: %v", name, instance, stObj)
	}
	// the reply's second value is the broker-minted handle this connection's
	// triplets are stamped with
	handleObj, err := co.RecvObj()
	co.Close()
	if err != nil {
		return err
	}
	handle, ok := handleObj.(hbi.LitIntType)
	if !ok {
		return errors.Errorf("malformed handle in registration reply: %v", handleObj)
	}
	eb.handle = vfs.BackendHandle(handle)
	if hs, ok := eb.b.(interface{ SetHandle(vfs.BackendHandle) }); ok {
		hs.SetHandle(eb.handle)
	}

	glog.V(1).Infof("backend %s#%d registered with broker at %s", name, instance, brokerAddr)
	<-done
	return nil
}
