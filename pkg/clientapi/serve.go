package clientapi

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/complyue/hbi"
	"github.com/complyue/hbi/interop"
	"github.com/complyue/hbi/mp"
	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/broker"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
	"github.com/dusxmt/vfsbroker/pkg/wire"
)

// ServeTCP exposes b on one TCP service address for both kinds of peer: VFS
// clients, which immediately start issuing namespace operations, and backend
// daemons, which identify themselves with a single RegisterFilesystem call
// and are from then on driven by the broker over the same connection.
func ServeTCP(b *broker.Broker, servAddr string) error {
	return mp.UpstartTCP(servAddr, func() *hbi.HostingEnv {
		he := hbi.NewHostingEnv()

		interop.ExposeInterOpValues(he)

		he.ExposeFunction("__hbi_init__", // callback on wire connected
			func(po *hbi.PostingEnd, ho *hbi.HostingEnd) {
				cs := &clientSession{
					broker: b,
					sess:   b.NewSession(),

					po: po, ho: ho,
				}

				he.ExposeReactor(cs)

				he.ExposeFunction("__hbi_cleanup__", func(discReason string) {
					if cs.registered != nil {
						cs.registered()
					}
					if len(discReason) > 0 {
						glog.V(1).Infof("broker: peer disconnected: %s", discReason)
					}
				})
			})

		return he
	}, func(listener *net.TCPListener) {
		fmt.Fprintf(os.Stderr, "VFS broker listening: %s\n", listener.Addr())
	})
}

// RegisterFilesystem turns this connection into a backend connection: the
// broker wraps its posting end as the backend channel, queries capability
// flags over it and installs it in the registry under (name, instance). The
// reply carries the minted backend handle so the peer stamps it onto the
// triplets it serves.
func (cs *clientSession) RegisterFilesystem(name string, instance uint32) {
	co := cs.finishRecv()

	conn := wire.NewBackendClient(wire.NewHBIChannel(cs.po))
	entry, err := cs.broker.Registry.Register(context.Background(), name, instance, conn)
	if err != nil {
		cs.send(co, vfs.StatusOf(err))
		return
	}
	cs.backendConn = conn
	cs.registered = func() {
		cs.broker.Registry.Unregister(name, instance)
	}
	cs.send(co, vfs.EOK, uint32(entry.Handle))
}

// SpliceMounted serves a registered backend acting as mount-point parent:
// it is driving the Mounted handshake of a child connection the broker lent
// it, and the broker routes the call onto that child here.
func (cs *clientSession) SpliceMounted(mpService, mpIndex uint64, opts string) {
	co := cs.finishRecv()
	if cs.backendConn == nil {
		cs.send(co, vfs.EINVAL)
		return
	}
	mp := vfs.Triplet{Service: vfs.ServiceID(mpService), Index: vfs.NodeIndex(mpIndex)}
	lr, err := cs.backendConn.SpliceMounted(context.Background(), mp, opts)
	if err != nil {
		cs.send(co, vfs.StatusOf(err))
		return
	}
	cs.send(co, vfs.EOK, uint64(lr.Triplet.Index), lr.Size, uint8(lr.Type))
}

// SpliceUnmounted is SpliceMounted's teardown mirror.
func (cs *clientSession) SpliceUnmounted(mpService, mpIndex uint64) {
	co := cs.finishRecv()
	if cs.backendConn == nil {
		cs.send(co, vfs.EINVAL)
		return
	}
	mp := vfs.Triplet{Service: vfs.ServiceID(mpService), Index: vfs.NodeIndex(mpIndex)}
	cs.send(co, vfs.StatusOf(cs.backendConn.SpliceUnmounted(context.Background(), mp)))
}
