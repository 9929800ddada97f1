/*
Package repository owns the pacman repository database on disk (the
`<repo>.db.tar.zst` a worker's pacman.conf points at) and is the only
goroutine that ever invokes repo-add or repo-remove, avoiding concurrent
writers corrupting the database.

On startup it rebuilds the database from scratch against whatever files
the state store has recorded, since the database itself is a derived
cache, not a source of truth. At steady state it reacts to
ArtifactsUploaded by adding the new files and recording the build in the
state store, and to RemovePackages by removing tracked files from both
the database and disk.
*/
package repository
