package broker

import (
	"context"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// MtabEntry is one row of the client-visible mount table: mount point,
// options, filesystem name, instance and the service id it's bound to. The
// mount entry's CorrelationID is
// deliberately not part of this tuple -- it's a diagnostic log field, not
// wire state.
type MtabEntry struct {
	MountPoint string
	Options    string
	FSName     string
	Instance   uint32
	Service    vfs.ServiceID
}

// Mtab snapshots the mount table under its own mutex and returns the
// client-visible tuples.
func (b *Broker) Mtab() []MtabEntry {
	entries := b.Mounts.Snapshot()
	out := make([]MtabEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, MtabEntry{
			MountPoint: e.MountPointPath,
			Options:    e.Options,
			FSName:     e.FSName,
			Instance:   e.Instance,
			Service:    e.Service,
		})
	}
	return out
}

// StreamMtab sends every mtab entry to send, one at a time, so the caller
// can gate each one behind its own handshake and the client paces the
// transfer. It stops and returns send's error, if any, along with the count
// of entries sent before the failure.
func (b *Broker) StreamMtab(ctx context.Context, send func(context.Context, MtabEntry) error) (int, error) {
	entries := b.Mtab()
	for i, e := range entries {
		if err := send(ctx, e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
