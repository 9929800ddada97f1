/*
Package bus implements the broadcast channel that connects the
coordinator's scheduler, orchestrator, repository manager and HTTP
ingress: each publishes types.Message values it produces and subscribes
to the ones it cares about, so the four never call into each other
directly.

It follows pkg/events.Broker in the cluster orchestrator this coordinator
descends from — fan-out onto per-subscriber buffered channels — except
that Publish delivers synchronously from the publishing goroutine, with no
separate fan-out goroutine. A slow subscriber never blocks the publisher:
instead of a non-blocking send that drops on a full buffer, a lagging
subscriber is logged at warn and resynchronized by closing its full
channel and replacing it with a fresh one that starts with the message
being published. Messages still waiting in the replaced channel are
skipped.
*/
package bus
