// Package vfsbroker is a virtual file system broker: a namespace and
// descriptor service sitting between client processes and a collection of
// backend file-system servers.
//
// Clients never speak to a backend directly. They address paths and file
// descriptors against the broker, which resolves names across mounted
// filesystems, multiplexes descriptors, enforces the mount namespace and
// forwards the residual data operations to the correct backend. The broker
// owns no on-disk state of its own; everything it keeps — the namespace
// graph, per-client descriptor tables, the connection fabric to backends —
// lives in memory and is rebuilt by replaying mounts at startup.
//
// The broker process (cmd/vfsd) serves one TCP address for both kinds of
// peer: clients issuing namespace operations, and backend daemons
// (cmd/vfsbackend) that register a filesystem implementation and are from
// then on driven by the broker over the same connection. Backend servers are
// stateful: a disconnect drops every node, mount and descriptor that
// depended on the connection, and a fresh dial is a fresh registration.
package vfsbroker
