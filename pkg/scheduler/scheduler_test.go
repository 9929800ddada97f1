package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/config"
	"github.com/archbuild/coordinator/pkg/registry"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

type rpcResult struct {
	Name         string   `json:"Name"`
	LastModified int64    `json:"LastModified"`
	Depends      []string `json:"Depends"`
}

func newTestSetup(t *testing.T, results map[string]rpcResult) (*Scheduler, *bus.Broker, *state.Store) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out []rpcResult
		for _, name := range r.URL.Query()["arg[]"] {
			if res, ok := results[name]; ok {
				out = append(out, res)
			}
		}
		_ = json.NewEncoder(w).Encode(struct {
			Results []rpcResult `json:"results"`
		}{Results: out})
	}))
	t.Cleanup(server.Close)

	reg := registry.NewClient()
	reg.SetBaseURL(server.URL)

	store, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	b := bus.New()
	cfg := config.Config{MaxRetries: 3, UpdateCheckInterval: 240}
	return New(b, store, reg, cfg), b, store
}

func TestAddPackagesTracksNewPackagesAndPublishesBuild(t *testing.T) {
	s, b, store := newTestSetup(t, map[string]rpcResult{
		"foo": {Name: "foo", LastModified: 1, Depends: []string{"bar"}},
	})

	sub := b.Subscribe()

	s.addPackages(context.Background(), types.NewStringSet("foo"), false)

	assert.True(t, store.IsTracked("foo"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seenBuild, seenDeps := false, false
	for i := 0; i < 2; i++ {
		msg, ok := sub.Recv(ctx, time.Second)
		require.True(t, ok)
		switch m := msg.(type) {
		case types.BuildPackage:
			assert.Equal(t, "foo", m.Package)
			seenBuild = true
		case types.AddDependencies:
			assert.Contains(t, m.Packages, "bar")
			seenDeps = true
		}
	}
	assert.True(t, seenBuild)
	assert.True(t, seenDeps)
}

func TestAddPackagesIsNoopWhenAlreadyTracked(t *testing.T) {
	s, b, store := newTestSetup(t, map[string]rpcResult{
		"foo": {Name: "foo", LastModified: 1},
	})
	store.TrackPackage("foo", nil, false)

	sub := b.Subscribe()
	s.addPackages(context.Background(), types.NewStringSet("foo"), false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := sub.Recv(ctx, 50*time.Millisecond)
	assert.False(t, ok, "no message should be published for an already-tracked package")
}

func TestRemovePackagesCascadesUnneededDependencies(t *testing.T) {
	s, b, store := newTestSetup(t, nil)
	store.TrackPackage("app", types.NewStringSet("lib-a"), false)
	store.TrackPackage("lib-a", nil, true)

	sub := b.Subscribe()
	s.removePackages(types.NewStringSet("app"))

	assert.False(t, store.IsTracked("app"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := sub.Recv(ctx, time.Second)
	require.True(t, ok)
	removed, isRemove := msg.(types.RemovePackages)
	require.True(t, isRemove)
	assert.Contains(t, removed.Packages, "lib-a")
}

func TestBuildFailureAndSuccessTrackRetries(t *testing.T) {
	s, _, _ := newTestSetup(t, nil)

	s.handle(context.Background(), types.BuildFailure{Package: "foo"})
	s.handle(context.Background(), types.BuildFailure{Package: "foo"})
	assert.Equal(t, 2, s.retries["foo"])

	s.handle(context.Background(), types.BuildSuccess{Package: "foo"})
	_, stillTracked := s.retries["foo"]
	assert.False(t, stillTracked)
}

func TestCheckAURPackagesBuildsNeverBuiltAndOutdatedPackages(t *testing.T) {
	s, b, store := newTestSetup(t, map[string]rpcResult{
		"fresh":   {Name: "fresh", LastModified: 50},
		"stale":   {Name: "stale", LastModified: 200},
		"current": {Name: "current", LastModified: 50},
	})
	store.TrackPackage("fresh", nil, false) // never built
	store.TrackPackage("stale", nil, false)
	require.NoError(t, store.RecordBuild("stale", 100, []string{"stale.pkg.tar.zst"}))
	store.TrackPackage("current", nil, false)
	require.NoError(t, store.RecordBuild("current", 100, []string{"current.pkg.tar.zst"}))

	sub := b.Subscribe()
	require.NoError(t, s.checkAURPackages(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	built := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg, ok := sub.Recv(ctx, 200*time.Millisecond)
		if !ok {
			break
		}
		if m, ok := msg.(types.BuildPackage); ok {
			built[m.Package] = true
		}
	}

	assert.True(t, built["fresh"])
	assert.True(t, built["stale"])
	assert.False(t, built["current"])
}
