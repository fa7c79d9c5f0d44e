// Package broker implements the VFS broker's namespace and descriptor
// core: the backend registry, the node cache, the mount table, the path
// resolver, the descriptor table and the operation dispatcher. It owns no
// on-disk state; it owns the namespace graph, per-client descriptor tables
// and the connection fabric handles that reach backends.
//
// Every registry the package keeps uses the same shape: flat storage plus a
// free list of vacated slots, shared across many backends, many mounts and
// many clients.
package broker
