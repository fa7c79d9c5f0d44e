package broker

import (
	"context"
	"math"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Whence selects the base of a SEEK request.
type Whence uint8

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Read implements READ. Reads take the node's
// contents rwlock in read mode; a directory read (readdir) additionally takes
// the namespace read-lock first, per the lock order, so the namespace can't
// mutate mid-enumeration.
func (s *Session) Read(ctx context.Context, fd Fd, buf []byte) (int, vfs.Status) {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return 0, status(err)
	}
	defer s.Descs.Put(d)

	// Node identity and type are immutable for the descriptor's lifetime, so
	// the directory check needs no lock, and the namespace read-lock can be
	// taken before the descriptor mutex as the lock order demands.
	if d.Node.Type == vfs.NodeDirectory {
		s.broker.ns.RLock()
		defer s.broker.ns.RUnlock()
	}

	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !d.OpenRead {
		return 0, vfs.EINVAL
	}
	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return 0, status(err)
	}

	d.Node.Contents.RLock()
	count, err := entry.Conn.Read(ctx, d.Node.Triplet, d.Position, buf)
	d.Node.Contents.RUnlock()
	if err != nil {
		return 0, status(err)
	}
	d.Position += uint64(count)
	return count, vfs.EOK
}

// Write implements WRITE. When the backend advertises concurrent read-write
// and size-stable writes, the write shares the contents lock's read mode with
// readers; otherwise it takes write mode and latches the backend-reported new
// size into the cached node size while still holding it.
// Append-mode writes position at the current size first.
func (s *Session) Write(ctx context.Context, fd Fd, buf []byte) (int, uint64, vfs.Status) {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return 0, 0, status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !d.OpenWrite {
		return 0, 0, vfs.EINVAL
	}
	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return 0, 0, status(err)
	}

	shared := entry.Features.ConcurrentReadWrite && entry.Features.WriteRetainsSize
	if shared {
		d.Node.Contents.RLock()
	} else {
		d.Node.Contents.Lock()
	}
	if d.Append {
		d.Position = d.Node.Size
	}
	count, newSize, err := entry.Conn.Write(ctx, d.Node.Triplet, d.Position, buf)
	if err == nil && !shared {
		d.Node.Size = newSize
	}
	if shared {
		d.Node.Contents.RUnlock()
	} else {
		d.Node.Contents.Unlock()
	}
	if err != nil {
		return 0, 0, status(err)
	}
	d.Position += uint64(count)
	return count, newSize, vfs.EOK
}

// Seek implements SEEK. SEEK_CUR and SEEK_END detect overflow in both
// directions with an unsigned wrap check; on overflow the position is left
// untouched. The reported position is clamped to
// the signed 64-bit maximum while the internal position keeps the true value.
func (s *Session) Seek(ctx context.Context, fd Fd, offset int64, whence Whence) (uint64, vfs.Status) {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return 0, status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	var newPos uint64
	switch whence {
	case SeekSet:
		if offset < 0 {
			return 0, vfs.EINVAL
		}
		newPos = uint64(offset)
	case SeekCur:
		newPos = d.Position + uint64(offset)
		if offset > 0 && newPos < d.Position {
			return 0, vfs.EOVERFLOW
		}
		if offset < 0 && newPos > d.Position {
			return 0, vfs.EOVERFLOW
		}
	case SeekEnd:
		d.Node.Contents.RLock()
		size := d.Node.Size
		d.Node.Contents.RUnlock()
		newPos = size + uint64(offset)
		if offset > 0 && newPos < size {
			return 0, vfs.EOVERFLOW
		}
		if offset < 0 && newPos > size {
			return 0, vfs.EOVERFLOW
		}
	default:
		return 0, vfs.EINVAL
	}
	d.Position = newPos

	if newPos > math.MaxInt64 {
		newPos = math.MaxInt64
	}
	return newPos, vfs.EOK
}

// Truncate implements TRUNCATE: descriptor mutex, node contents write-lock,
// forward to the backend, latch the new size on success.
func (s *Session) Truncate(ctx context.Context, fd Fd, size uint64) vfs.Status {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !d.OpenWrite {
		return vfs.EINVAL
	}
	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return status(err)
	}

	d.Node.Contents.Lock()
	defer d.Node.Contents.Unlock()
	if err := entry.Conn.Truncate(ctx, d.Node.Triplet, size); err != nil {
		return status(err)
	}
	d.Node.Size = size
	return vfs.EOK
}

// Sync implements SYNC: descriptor mutex, forward to the backend.
func (s *Session) Sync(ctx context.Context, fd Fd) vfs.Status {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return status(err)
	}
	return status(entry.Conn.Sync(ctx, d.Node.Triplet))
}

// Fstat implements FSTAT: descriptor mutex, forward to the backend, relay its
// reply unchanged.
func (s *Session) Fstat(ctx context.Context, fd Fd) (vfs.Stat, vfs.Status) {
	d, err := s.Descs.Get(fd)
	if err != nil {
		return vfs.Stat{}, status(err)
	}
	defer s.Descs.Put(d)

	d.Mu.Lock()
	defer d.Mu.Unlock()

	entry, err := s.backendFor(d.Node.Triplet)
	if err != nil {
		return vfs.Stat{}, status(err)
	}
	st, err := entry.Conn.Stat(ctx, d.Node.Triplet)
	if err != nil {
		return vfs.Stat{}, status(err)
	}
	return st, vfs.EOK
}

// Close implements CLOSE: free the descriptor, dropping the node reference it
// held (DESTROY fires at the backend if that was the last one).
func (s *Session) Close(fd Fd) vfs.Status {
	return status(s.Descs.Free(fd))
}
