package registry

import "errors"

var (
	// ErrUnreachable means the AUR RPC endpoint could not be reached or
	// returned something other than a successful response. Transient:
	// the scheduler treats a whole update-check pass as failed and
	// retries after its fixed five-minute retry interval rather than the
	// configured update-check interval.
	ErrUnreachable = errors.New("could not reach the registry")

	// ErrDecodeFailed means the registry responded but the body could
	// not be parsed as the expected RPC envelope.
	ErrDecodeFailed = errors.New("could not decode registry response")

	// ErrCloneFailed means git could not clone the package's URL. The
	// scheduler logs it and probes the URL again on the next update-check
	// pass.
	ErrCloneFailed = errors.New("failed to clone package repository")

	// ErrPkgbuildMissing means the cloned repository has no PKGBUILD at
	// its root.
	ErrPkgbuildMissing = errors.New("no PKGBUILD found in repository")

	// ErrPkgbuildNameMissing means the PKGBUILD was sourced successfully
	// but produced no pkgname.
	ErrPkgbuildNameMissing = errors.New("PKGBUILD did not define pkgname")

	// ErrTimestampUnavailable means the last commit timestamp for a
	// cloned repository could not be determined.
	ErrTimestampUnavailable = errors.New("could not determine last commit time")
)
