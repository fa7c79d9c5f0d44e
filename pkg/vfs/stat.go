package vfs

import "time"

// Stat is the broker's FSTAT reply shape: the subset of node metadata a
// backend is required to report.
type Stat struct {
	Triplet Triplet
	Size    uint64
	Type    NodeType
	Mtime   time.Time
	Links   uint32
}

// Features are the capability flags a backend reports once at registration,
// not re-asked per call; the dispatcher consults a cached copy in the
// registry entry.
type Features struct {
	// ConcurrentReadWrite reports whether the backend allows overlapping
	// reads and writes on a single node without broker-side serialization.
	ConcurrentReadWrite bool
	// WriteRetainsSize reports whether a write never changes a node's size;
	// together with ConcurrentReadWrite it lets writes share the contents
	// lock's read mode, and the broker then does not latch a new size.
	WriteRetainsSize bool
}
