/*
Package log provides structured logging for the build coordinator using
zerolog.

The coordinator runs five independent long-lived goroutines (pacman-cache
refresher, scheduler, orchestrator, repository manager, HTTP ingress) and a
single process-wide logger keeps their output correlated: every log line
carries a "component" field naming which of the five emitted it, plus
optional "package" / "container" fields for entries that concern one
tracked package or one build container.

Init is called exactly once at startup, from the level named by the
LOG_LEVEL environment variable (error|warn|info|debug|trace|off). Every
other package calls log.WithComponent("scheduler") to get a child
zerolog.Logger tagged with its subsystem, rather than reaching for the
global Logger directly, then chains .Str("package", ...) or
.Str("container", ...) on individual log lines that concern one tracked
package or build container.

Output is JSON by default, matching how the coordinator is expected to run
inside a container with its stdout collected by a log shipper; a
non-JSON console writer is available for local development.
*/
package log
