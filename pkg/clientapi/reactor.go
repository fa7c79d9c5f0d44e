// Package clientapi hosts the broker's wire surfaces: the client request
// surface as an HBI hosting reactor (one reactor per client connection),
// the backend registration entry point, and a typed client stub for the
// posting side.
package clientapi

import (
	"context"
	"fmt"

	"github.com/complyue/hbi"

	"github.com/dusxmt/vfsbroker/pkg/broker"
	"github.com/dusxmt/vfsbroker/pkg/vfs"
	"github.com/dusxmt/vfsbroker/pkg/wire"
)

// mountFlagBlocking in MOUNT's flags word asks the broker to wait for the
// named backend to register rather than failing ENOENT.
const mountFlagBlocking = 1 << 0

// clientSession reacts to one client connection: it owns that client's
// broker.Session (and so its descriptor table) plus the posting/hosting ends
// of the wire. Methods land with their inline arguments already decoded by
// the hosting env; bulk payloads (WRITE's bytes) are pulled explicitly.
type clientSession struct {
	broker *broker.Broker
	sess   *broker.Session

	po *hbi.PostingEnd
	ho *hbi.HostingEnd

	// backendConn is non-nil once this connection identified itself as a
	// backend via RegisterFilesystem; the splice call-back leg
	// (SpliceMounted/SpliceUnmounted) routes through it, and registered
	// unregisters it on disconnect.
	backendConn *wire.BackendClient
	registered  func()
}

func (cs *clientSession) NamesToExpose() []string {
	return []string{
		"RegisterFilesystem", "SpliceMounted", "SpliceUnmounted",
		"Mount", "Unmount",
		"Walk", "Open2",
		"Read", "Write", "Seek", "Truncate", "Sync", "Fstat", "Close",
		"Unlink2", "Rename", "Dup",
		"WaitHandle", "GetMtab",
	}
}

// send flips the conversation and sends vals as the reply, status first.
func (cs *clientSession) send(co *hbi.HoCo, st vfs.Status, vals ...interface{}) {
	if err := co.StartSend(); err != nil {
		panic(err)
	}
	if err := co.SendObj(fmt.Sprintf("%#v", int(st))); err != nil {
		panic(err)
	}
	for _, v := range vals {
		if err := co.SendObj(fmt.Sprintf("%#v", v)); err != nil {
			panic(err)
		}
	}
}

func (cs *clientSession) finishRecv() *hbi.HoCo {
	co := cs.ho.Co()
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	return co
}

func (cs *clientSession) Mount(service uint64, flags uint32, instance uint32, mountpoint, opts, fsName string) {
	co := cs.finishRecv()
	st := cs.sess.Mount(context.Background(), vfs.ServiceID(service),
		flags&mountFlagBlocking != 0, instance, fsName, mountpoint, opts)
	cs.send(co, st)
}

func (cs *clientSession) Unmount(mountpoint string) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Unmount(context.Background(), mountpoint))
}

func (cs *clientSession) Walk(parentFd int32, flags uint32, path string) {
	co := cs.finishRecv()
	fd, st := cs.sess.Walk(context.Background(), broker.Fd(parentFd), path, vfs.WalkFlags(flags))
	cs.send(co, st, int32(fd))
}

func (cs *clientSession) Open2(fd int32, mode uint32) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Open2(context.Background(), broker.Fd(fd), broker.Perm(mode)))
}

func (cs *clientSession) Read(fd int32, count int) {
	co := cs.finishRecv()
	buf := make([]byte, count)
	n, st := cs.sess.Read(context.Background(), broker.Fd(fd), buf)
	cs.send(co, st, n)
	if st == vfs.EOK && n > 0 {
		if err := co.SendData(buf[:n]); err != nil {
			panic(err)
		}
	}
}

func (cs *clientSession) Write(fd int32, count int) {
	co := cs.ho.Co()
	buf := make([]byte, count)
	if err := co.RecvData(buf); err != nil {
		panic(err)
	}
	if err := co.FinishRecv(); err != nil {
		panic(err)
	}
	n, newSize, st := cs.sess.Write(context.Background(), broker.Fd(fd), buf)
	cs.send(co, st, n, newSize)
}

func (cs *clientSession) Seek(fd int32, offLo, offHi uint32, whence uint8) {
	co := cs.finishRecv()
	offset := int64(vfs.JoinWords(offLo, offHi))
	pos, st := cs.sess.Seek(context.Background(), broker.Fd(fd), offset, broker.Whence(whence))
	posLo, posHi := vfs.SplitWords(pos)
	cs.send(co, st, posLo, posHi)
}

func (cs *clientSession) Truncate(fd int32, sizeLo, sizeHi uint32) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Truncate(context.Background(), broker.Fd(fd), vfs.JoinWords(sizeLo, sizeHi)))
}

func (cs *clientSession) Sync(fd int32) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Sync(context.Background(), broker.Fd(fd)))
}

func (cs *clientSession) Fstat(fd int32) {
	co := cs.finishRecv()
	st, status := cs.sess.Fstat(context.Background(), broker.Fd(fd))
	var nanos int64
	if !st.Mtime.IsZero() {
		nanos = st.Mtime.UnixNano()
	}
	cs.send(co, status, st.Size, uint8(st.Type), nanos, st.Links)
}

func (cs *clientSession) Close(fd int32) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Close(broker.Fd(fd)))
}

func (cs *clientSession) Unlink2(parentFd, expectFd int32, flags uint32, path string) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Unlink(context.Background(),
		broker.Fd(parentFd), broker.Fd(expectFd), path, vfs.WalkFlags(flags)))
}

func (cs *clientSession) Rename(baseFd int32, oldPath, newPath string) {
	co := cs.finishRecv()
	cs.send(co, cs.sess.Rename(context.Background(), broker.Fd(baseFd), oldPath, newPath))
}

func (cs *clientSession) Dup(oldFd, newFd int32) {
	co := cs.finishRecv()
	fd, st := cs.sess.Dup(broker.Fd(oldFd), broker.Fd(newFd))
	cs.send(co, st, int32(fd))
}

func (cs *clientSession) WaitHandle() {
	co := cs.finishRecv()
	h, st := cs.sess.WaitHandle()
	cs.send(co, st, int32(h))
}

// GetMtab snapshots the mount table and streams it entry by entry: status
// and count lead, then five values per entry. Per-entry pacing comes from
// the wire's own flow control.
func (cs *clientSession) GetMtab() {
	co := cs.finishRecv()
	entries := cs.broker.Mtab()
	cs.send(co, vfs.EOK, len(entries))
	for _, e := range entries {
		for _, v := range []interface{}{
			e.MountPoint, e.Options, e.FSName, e.Instance, uint64(e.Service),
		} {
			if err := co.SendObj(fmt.Sprintf("%#v", v)); err != nil {
				panic(err)
			}
		}
	}
}
