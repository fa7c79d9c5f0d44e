package broker

import (
	"sync"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// PendingHandle indexes a slot in a PendingSlots pool.
type PendingHandle int32

// PendingSlots is the WAIT_HANDLE pool: hand-off slots a bulk-data payload
// can land in before the call that owns it has been fully dispatched, with
// the same flat-storage-plus-free-list shape as DescriptorTable. A client
// WAIT_HANDLEs to obtain a slot,
// writes or reads through it out of band, then references it by handle in
// the call that actually consumes or produces the data.
type PendingSlots struct {
	mu    sync.Mutex
	slots [][]byte
	free  []int
}

// NewPendingSlots returns an empty pool.
func NewPendingSlots() *PendingSlots {
	return &PendingSlots{}
}

// Alloc reserves a slot and returns its handle.
func (p *PendingSlots) Alloc() PendingHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) > 0 {
		i := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.slots[i] = nil
		return PendingHandle(i)
	}
	p.slots = append(p.slots, nil)
	return PendingHandle(len(p.slots) - 1)
}

// Land stores buf in h's slot, overwriting whatever was there.
func (p *PendingSlots) Land(h PendingHandle, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.slots) {
		return vfs.EBADF
	}
	p.slots[h] = buf
	return nil
}

// Take returns and clears h's payload, or EBADF if the handle is unknown.
func (p *PendingSlots) Take(h PendingHandle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.slots) {
		return nil, vfs.EBADF
	}
	buf := p.slots[h]
	p.slots[h] = nil
	return buf, nil
}

// Free releases h back to the pool without requiring a Take first.
func (p *PendingSlots) Free(h PendingHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.slots) {
		return
	}
	p.slots[h] = nil
	p.free = append(p.free, int(h))
}
