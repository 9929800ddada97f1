/*
Package orchestrator turns BuildPackage messages into running build
containers and turns a failed build back into a BuildFailure message.
Successful builds are reported by the worker's artifact upload, not by
the orchestrator.

It keeps a local FIFO queue of packages waiting for a build slot (so
arrival order is the tie-break when more than one package is ready to
build) and a map of packages currently running in a container. Every
100ms it dispatches one more queued package — the first one in the queue
whose dependencies have all been built — if a build
slot is free, and polls every active container's task status, filing a
BuildFailure for anything that exited non-zero and logging its captured
output.

On shutdown every active container is stopped in parallel rather than
one at a time, since nothing about stopping container A depends on
container B having stopped first.
*/
package orchestrator
