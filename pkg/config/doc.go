/*
Package config loads the coordinator's configuration from environment
variables, mirroring the env_or/env_or_none helpers of the coordinator
this package was ported from: every setting has a hardcoded default,
is overridable by a single environment variable, and is read once at
startup into an immutable Config value.
*/
package config
