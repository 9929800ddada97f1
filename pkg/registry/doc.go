/*
Package registry talks to the two places a tracked package's build input
can live: the AUR's batch package-info RPC, and a git repository holding
a PKGBUILD for packages pinned by URL.

It also maintains an hourly-refreshed cache of what the base distribution
already provides, swapped in atomically via atomic.Pointer so dependency
filtering never blocks on the refresh in progress.

Registry RPC failures and most PKGBUILD-probe failures wrap one of the
sentinel errors in errors.go so callers can distinguish a transient
upstream failure (worth retrying) from a per-package problem (worth
logging and moving on) without string-matching error text. A failure to
create the scratch directory or to source the PKGBUILD, and the pacman
errors from RefreshBaseCache, are returned without a sentinel.
*/
package registry
