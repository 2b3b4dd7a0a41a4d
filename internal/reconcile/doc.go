// Package reconcile merges the two sources that feed a client's view of its
// conversations: request/response snapshots, authoritative as of fetch time,
// and push deltas, which may arrive out of order, twice, or before the
// snapshot they belong to has resolved.
//
// The types here are plain data structures. They are not safe for
// concurrent use; the session owns them and serialises every mutation
// through its event loop.
package reconcile
