package broker

import (
	"context"
	"strings"

	"github.com/dusxmt/vfsbroker/pkg/vfs"
)

// Resolver walks canonicalised paths across the namespace, crossing into
// child backends at mount points. Path canonicalisation
// itself is assumed done by the caller; Resolver
// only composes single-component LOOKUP hops and mount crossings.
type Resolver struct {
	registry   *BackendRegistry
	mountTable *MountTable
}

// NewResolver wires a resolver against the given registry and mount table.
func NewResolver(registry *BackendRegistry, mountTable *MountTable) *Resolver {
	return &Resolver{registry: registry, mountTable: mountTable}
}

// Walk resolves path starting at base, applying flags to the terminal
// component only (intermediate components are looked up as plain existing
// directories). flags must already have passed WalkFlags.Validate; Walk
// itself returns EINVAL on an invalid combination as a defensive second
// check since some callers (e.g. rename's internal relink) build flags
// programmatically.
func (r *Resolver) Walk(ctx context.Context, base vfs.Triplet, path string, flags vfs.WalkFlags) (vfs.LookupResult, error) {
	if err := flags.Validate(); err != nil {
		return vfs.LookupResult{}, vfs.EINVAL
	}

	components := splitPath(path)
	if len(components) == 0 {
		return r.statAndCross(ctx, base, flags)
	}

	current := base
	for i, name := range components {
		last := i == len(components)-1

		entry, ok := r.registry.ByHandle(current.Backend)
		if !ok {
			return vfs.LookupResult{}, vfs.EIO
		}

		lookupFlags := vfs.WalkFlags(0)
		if last {
			lookupFlags = flags
		}

		reply, err := entry.Conn.Lookup(ctx, current, name, lookupFlags)
		if err != nil {
			return vfs.LookupResult{}, err
		}

		if !reply.Terminal {
			// the backend hit an internal boundary of its own and wants us
			// to keep walking its remainder from the triplet it handed
			// back; none of the bundled backends produce this today, but
			// the resolver honors it for any backend.Backend that does.
			// Components after this one still follow the remainder.
			rest := reply.Remainder
			if !last {
				rest += "/" + strings.Join(components[i+1:], "/")
			}
			return r.Walk(ctx, reply.Result.Triplet, rest, flags)
		}

		result := reply.Result
		if r.crossingAllowed(flags, last) {
			if crossed, err := r.crossIfMountpoint(ctx, result); err != nil {
				return vfs.LookupResult{}, err
			} else {
				result = crossed
			}
		}

		current = result.Triplet
		if last {
			return result, nil
		}
		if result.Type != vfs.NodeDirectory {
			return vfs.LookupResult{}, vfs.EINVAL
		}
	}
	// unreachable: components is non-empty, loop always returns on last
	return vfs.LookupResult{}, vfs.EIO
}

// crossingAllowed reports whether Walk should consult the mount table after
// resolving one component. DISABLE_MOUNTS suppresses crossing for the whole
// walk (rename's atomic-swap use); MP and UNLINK only
// suppress it at the terminal component, since a walk must still cross
// mount points it merely passes through on the way there.
func (r *Resolver) crossingAllowed(flags vfs.WalkFlags, last bool) bool {
	if flags&vfs.WalkDisableMounts != 0 {
		return false
	}
	if last && flags&(vfs.WalkMP|vfs.WalkUnlink) != 0 {
		return false
	}
	return true
}

// crossIfMountpoint swaps lr for the mounted root's lookup result when lr's
// triplet is a mount point: the overlay lookup at a mount boundary.
func (r *Resolver) crossIfMountpoint(ctx context.Context, lr vfs.LookupResult) (vfs.LookupResult, error) {
	me, isMP := r.mountTable.ByMountpointTriplet(lr.Triplet)
	if !isMP {
		return lr, nil
	}
	childEntry, ok := r.registry.ByHandle(me.Backend)
	if !ok {
		return vfs.LookupResult{}, vfs.EIO
	}
	stat, err := childEntry.Conn.Stat(ctx, me.MountedRoot)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	return vfs.LookupResult{Triplet: me.MountedRoot, Size: stat.Size, Type: stat.Type}, nil
}

// statAndCross answers a walk of "" or "/": base itself, after applying the
// same mount-crossing rule as any other resolved component.
func (r *Resolver) statAndCross(ctx context.Context, base vfs.Triplet, flags vfs.WalkFlags) (vfs.LookupResult, error) {
	entry, ok := r.registry.ByHandle(base.Backend)
	if !ok {
		return vfs.LookupResult{}, vfs.EIO
	}
	stat, err := entry.Conn.Stat(ctx, base)
	if err != nil {
		return vfs.LookupResult{}, err
	}
	lr := vfs.LookupResult{Triplet: base, Size: stat.Size, Type: stat.Type}
	if r.crossingAllowed(flags, true) {
		return r.crossIfMountpoint(ctx, lr)
	}
	return lr, nil
}

// splitPath breaks a canonicalised path into its non-empty components.
// Canonicalisation is assumed to have already collapsed "." and "..";
// splitPath only tolerates the cosmetic cases (leading/trailing/doubled
// slashes) cheap enough to handle without a full canonicaliser.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
