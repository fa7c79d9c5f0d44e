package broker

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// WaitHandle implements WAIT_HANDLE: reserve a pending hand-off slot and
// report its handle to the client.
func (s *Session) WaitHandle() (PendingHandle, vfs.Status) {
	return s.broker.Pending.Alloc(), vfs.EOK
}

// GetMtab implements GET_MTAB: stream the mount-table snapshot entry by
// entry through send, which paces the transfer (one handshake per entry on
// the wire), and reply with the count.
func (s *Session) GetMtab(ctx context.Context, send func(context.Context, MtabEntry) error) (int, vfs.Status) {
	count, err := s.broker.StreamMtab(ctx, send)
	if err != nil {
		return count, status(err)
	}
	return count, vfs.EOK
}
