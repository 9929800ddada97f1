package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/types"
)

const rpcURL = "https://aur.archlinux.org/rpc/v5/info"

type rpcResponse struct {
	Results []rpcPackage `json:"results"`
}

type rpcPackage struct {
	Name         string   `json:"Name"`
	LastModified int64    `json:"LastModified"`
	Depends      []string `json:"Depends"`
	MakeDepends  []string `json:"MakeDepends"`
}

// Client queries the AUR's batch package-info RPC and maintains the
// base-distribution package cache used to filter dependency lists.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	baseCache  atomic.Pointer[map[string]struct{}]
}

// NewClient creates a Client with an empty base-distribution cache;
// RefreshBaseCache should be run at least once (and then hourly) before
// dependency filtering is meaningful.
func NewClient() *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
	}
	empty := make(map[string]struct{})
	c.baseCache.Store(&empty)
	return c
}

// SetBaseURL points the client at a different registry RPC endpoint,
// overriding the default AUR URL. Exercised by tests that stand up a
// fake registry server.
func (c *Client) SetBaseURL(url string) {
	c.rpcURL = url
}

// Info fetches the AUR's batch package-info response for the given
// package names.
func (c *Client) Info(ctx context.Context, packages []types.Package) ([]types.PackageData, error) {
	if len(packages) == 0 {
		return nil, nil
	}

	values := url.Values{}
	for _, pkg := range packages {
		values.Add("arg[]", pkg)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rpcURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	base := *c.baseCache.Load()
	data := make([]types.PackageData, 0, len(decoded.Results))
	for _, pkg := range decoded.Results {
		data = append(data, types.PackageData{
			Name:         pkg.Name,
			LastModified: pkg.LastModified,
			Depends:      filterDependencies(append(pkg.Depends, pkg.MakeDepends...), base),
		})
	}
	return data, nil
}

// LastModified is a convenience wrapper over Info returning just the
// last-modified timestamp per package name.
func (c *Client) LastModified(ctx context.Context, packages []types.Package) (map[types.Package]int64, error) {
	data, err := c.Info(ctx, packages)
	if err != nil {
		return nil, err
	}

	out := make(map[types.Package]int64, len(data))
	for _, pkg := range data {
		out[pkg.Name] = pkg.LastModified
	}
	return out, nil
}

// Dependencies is a convenience wrapper over Info returning just the
// filtered dependency set per package name.
func (c *Client) Dependencies(ctx context.Context, packages []types.Package) (map[types.Package]types.StringSet, error) {
	data, err := c.Info(ctx, packages)
	if err != nil {
		return nil, err
	}

	out := make(map[types.Package]types.StringSet, len(data))
	for _, pkg := range data {
		out[pkg.Name] = pkg.Depends
	}
	return out, nil
}

// RefreshBaseCache re-runs pacman against the configured repositories and
// atomically swaps in the resulting package-name set. It is meant to be
// called once at startup and then hourly.
func (c *Client) RefreshBaseCache(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "pacman", "-Syy").Run(); err != nil {
		return fmt.Errorf("pacman -Syy: %w", err)
	}

	out, err := exec.CommandContext(ctx, "pacman", "-Slq").Output()
	if err != nil {
		return fmt.Errorf("pacman -Slq: %w", err)
	}

	cache := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cache[line] = struct{}{}
		}
	}

	c.baseCache.Store(&cache)
	log.WithComponent("registry").Debug().Int("packages", len(cache)).Msg("refreshed base distribution cache")
	return nil
}

// filterDependencies drops anything the base distribution already
// provides and anything expressed with a version operator (a virtual
// package constraint such as "glibc>=2.38" that isn't itself buildable).
func filterDependencies(deps []string, base map[string]struct{}) types.StringSet {
	out := make(types.StringSet)
	for _, dep := range deps {
		if dep == "" {
			continue
		}
		if _, inBase := base[dep]; inBase {
			continue
		}
		if strings.ContainsAny(dep, "<>=") {
			continue
		}
		out[dep] = struct{}{}
	}
	return out
}
