/*
Package runtime wraps containerd's client API with exactly the container
lifecycle the orchestrator needs to run one-shot AUR build containers:
create a container from the configured builder image with PACKAGE/URL/
REPO/PORT environment variables and an optional memory limit, start it
with its stdout/stderr captured to a log file, poll its task status, stop
it (SIGTERM, then SIGKILL if it doesn't exit in time), and delete it.

It intentionally does not expose containerd's wider surface (image
pulling, networking, snapshots as a first-class concept; EnsureImage
only checks that the builder image is already present): a build container is disposable and short-lived, and the
orchestrator never needs to reach into it beyond these operations.
*/
package runtime
