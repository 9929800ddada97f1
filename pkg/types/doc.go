/*
Package types defines the data the coordinator keeps in its persisted state
and passes across the broadcast bus.

PackageInfo is the per-package record held by pkg/state: where the package
comes from (the AUR-style registry, or an explicit URL pinned by
POST /packages/add-url), whether it was pulled in only as someone else's
dependency, its dependency set, and its last successful Build, if any.

Message is the tagged union carried on pkg/bus: scheduler, orchestrator and
repository manager all speak the same small vocabulary of events
(AddPackages, BuildPackage, BuildSuccess, ...) rather than poking at each
other's state directly. It mirrors the message enum the original Rust
coordinator passed over its broadcast channel, expressed here as a closed
interface with one struct per variant so a type switch in each subscriber
plays the role match did there.
*/
package types
