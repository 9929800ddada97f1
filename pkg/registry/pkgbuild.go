package registry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/archbuild/coordinator/pkg/types"
)

// maxProbeConcurrency bounds how many PKGBUILD probes (each a git clone
// plus a couple of subprocesses) run at once, so a slow clone doesn't
// serialize an entire update-check pass behind it.
const maxProbeConcurrency = 4

const pkgbuildSourceScript = `
source PKGBUILD
echo "$pkgname"
echo "${depends[@]} ${makedepends[@]}"
`

// ProbePKGBUILD clones url into a scratch directory, sources its PKGBUILD
// to recover the package name and dependency list, and reads the git
// history for the commit time to use as the package's last-modified
// timestamp.
func (c *Client) ProbePKGBUILD(ctx context.Context, url string) (types.PackageData, error) {
	dir, err := os.MkdirTemp("", "aurbuild-probe-*")
	if err != nil {
		return types.PackageData{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dir).Run(); err != nil {
		return types.PackageData{}, fmt.Errorf("%w: %w", ErrCloneFailed, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "PKGBUILD")); err != nil {
		return types.PackageData{}, ErrPkgbuildMissing
	}

	name, rawDeps, err := sourcePKGBUILD(ctx, dir)
	if err != nil {
		return types.PackageData{}, err
	}

	lastModified, err := lastCommitTime(ctx, dir)
	if err != nil {
		return types.PackageData{}, err
	}

	base := *c.baseCache.Load()
	return types.PackageData{
		Name:         name,
		LastModified: lastModified,
		Depends:      filterDependencies(rawDeps, base),
	}, nil
}

// ProbePKGBUILDs probes every URL concurrently, bounded by
// maxProbeConcurrency, and returns one result (or error) per URL in the
// same order the URLs were given.
func (c *Client) ProbePKGBUILDs(ctx context.Context, urls []string) ([]types.PackageData, []error) {
	results := make([]types.PackageData, len(urls))
	errs := make([]error, len(urls))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxProbeConcurrency)

	for i, url := range urls {
		group.Go(func() error {
			data, err := c.ProbePKGBUILD(groupCtx, url)
			results[i] = data
			errs[i] = err
			return nil // per-URL errors are reported, not fatal to the group
		})
	}
	_ = group.Wait()

	return results, errs
}

func sourcePKGBUILD(ctx context.Context, dir string) (string, []string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", pkgbuildSourceScript)
	cmd.Dir = dir

	out, err := cmd.Output()
	if err != nil {
		return "", nil, fmt.Errorf("source PKGBUILD: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return "", nil, ErrPkgbuildNameMissing
	}
	name := strings.TrimSpace(scanner.Text())
	if name == "" {
		return "", nil, ErrPkgbuildNameMissing
	}

	var deps []string
	if scanner.Scan() {
		deps = strings.Fields(scanner.Text())
	}

	return name, deps, nil
}

func lastCommitTime(ctx context.Context, dir string) (int64, error) {
	cmd := exec.CommandContext(ctx, "git", "show", "-s", "--format=%ct", "HEAD")
	cmd.Dir = dir

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTimestampUnavailable, err)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTimestampUnavailable, err)
	}
	return ts, nil
}
