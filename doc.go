// Package latticesync implements the replicated-metadata core of a
// cluster node: one Manager per (process, tag) owns a local replica of a
// user-supplied semilattice value V, gossips joins of it to connected
// peers over an externally supplied Transport, and exposes a RootView
// with get/join/sync-from/sync-to/subscribe.
//
// The cluster messaging transport, the wire codec for V, and the join
// operation on V itself are all external collaborators, consumed only
// through the Transport, Codec and Lattice interfaces — this package
// never dials a socket or marshals a V on its own.
package latticesync
