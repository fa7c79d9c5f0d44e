package vfs

import "github.com/dusxmt/vfsbroker/pkg/errors"

// WalkFlags controls how a path walk resolves its final component.
type WalkFlags uint32

const (
	WalkDirectory WalkFlags = 1 << iota
	WalkFile
	WalkCreate
	WalkExclusive
	WalkUnlink
	WalkMP            // stop at the last mount point, do not cross it
	WalkDisableMounts // treat mount points as ordinary nodes for this walk
)

// Validate rejects nonsensical flag combinations: DIRECTORY and FILE are
// mutually exclusive, EXCLUSIVE only makes sense alongside CREATE, and
// CREATE needs a type to create.
func (f WalkFlags) Validate() error {
	if f&WalkDirectory != 0 && f&WalkFile != 0 {
		return errors.New("WALK_DIRECTORY and WALK_FILE are mutually exclusive")
	}
	if f&WalkExclusive != 0 && f&WalkCreate == 0 {
		return errors.New("WALK_EXCLUSIVE requires WALK_CREATE")
	}
	if f&WalkCreate != 0 && f&(WalkDirectory|WalkFile) == 0 {
		return errors.New("WALK_CREATE requires WALK_DIRECTORY or WALK_FILE")
	}
	return nil
}

// LookupResult is the transient, uncached outcome of resolving a path to a
// node: its identity, current size and type. It is never stored beyond the
// call that produced it.
type LookupResult struct {
	Triplet Triplet
	Size    uint64
	Type    NodeType
}

// LookupReply is what a backend's LOOKUP call returns to the resolver. A
// backend only ever resolves within its own namespace; when the walk would
// step onto a node the broker has mounted over, the backend has no way to
// know that, so it replies Terminal at that node and the resolver (which
// does know about mounts) decides whether to keep going by consulting the
// mount table's mount-point index.
type LookupReply struct {
	Terminal  bool
	Result    LookupResult
	Remainder string // unresolved path suffix, only meaningful when !Terminal
}
