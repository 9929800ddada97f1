// Package ingress is the coordinator's only externally reachable surface:
// a plain net/http server exposing the package-tracking API, the
// artifact-upload endpoint build workers post to, the signing-key handout
// worker containers authenticate for by hostname, and a read-only mirror
// of the pacman repository. Every handler either reads the state store
// directly or publishes a message onto the bus for the scheduler,
// orchestrator, or repository manager to act on; the ingress package
// itself owns no package-tracking state.
package ingress
