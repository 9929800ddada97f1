/*
Package state holds the coordinator's single source of truth about which
packages it tracks, what it knows about each of them, and what is
currently running.

Unlike the boltdb-backed Store this package is descended from, the
coordinator's state is small enough, and needs to be simple enough to
reason about under concurrent access from five goroutines, that it is
kept as one in-memory document guarded by a single RWMutex and mirrored
to /config/state.json after every mutation. Reads take the read lock and
return copies; writes take the write lock, mutate, release, and persist
outside the lock, so the lock itself is never held across an I/O
suspension point.

Active containers and packages currently queued for build are tracked
alongside the persisted document but are never written to disk: they
exist only while the orchestrator is running and are meaningless (and
wrong) to restore across a restart.
*/
package state
