/*
Package scheduler decides when a tracked package needs to be (re)built and
tells the rest of the coordinator about it over the bus.

It owns two clocks: an update-check pass that polls the registry (and, for
URL-pinned packages, probes their PKGBUILDs) on a configurable interval,
and a retry pass that re-requests a build for anything that failed, up to
a configurable retry limit, on a fixed five-minute cadence. Both share one
loop with a select over the bus and a 60-second fallback timer, so the
scheduler never blocks waiting on either.

New packages and dependency-only packages are both handled by the same
add-package path; the difference is only whether the package is flagged
as a dependency, which controls whether it is later garbage collected
once nothing tracked depends on it anymore.
*/
package scheduler
