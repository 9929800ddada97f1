package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/signing"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

type fakeRegistry struct {
	info     map[string]types.PackageData
	infoErr  error
	probe    map[string]types.PackageData
	probeErr map[string]error
}

func (f *fakeRegistry) Info(ctx context.Context, packages []types.Package) ([]types.PackageData, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	var out []types.PackageData
	for _, pkg := range packages {
		if data, ok := f.info[pkg]; ok {
			out = append(out, data)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ProbePKGBUILD(ctx context.Context, url string) (types.PackageData, error) {
	if err, ok := f.probeErr[url]; ok {
		return types.PackageData{}, err
	}
	return f.probe[url], nil
}

func newTestServer(t *testing.T, reg *fakeRegistry) (*Server, *bus.Broker, *state.Store) {
	t.Helper()
	s, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	b := bus.New()
	keys := signing.New(t.TempDir())
	repoDir := t.TempDir()

	return New(b, s, reg, keys, repoDir), b, s
}

// newTestServerWithKeyDir is like newTestServer but also returns the
// signing key directory so a test can pre-write a fake key file, since
// Ensure shells out to ssh-keygen and may not be available in CI.
func newTestServerWithKeyDir(t *testing.T, reg *fakeRegistry) (*Server, *bus.Broker, *state.Store, string) {
	t.Helper()
	s, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	b := bus.New()
	keyDir := t.TempDir()
	keys := signing.New(keyDir)
	repoDir := t.TempDir()

	return New(b, s, reg, keys, repoDir), b, s, keyDir
}

func doRequest(srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatusReturnsTrackedPackages(t *testing.T) {
	srv, _, s := newTestServer(t, &fakeRegistry{})
	s.TrackPackage("foo", types.NewStringSet(), false)
	s.SetLastChecked("foo", 1000)
	require.NoError(t, s.RecordBuild("foo", 2000, []string{"foo-1-1-x86_64.pkg.tar.zst"}))

	rec := doRequest(srv, http.MethodGet, "/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Packages, 1)
	assert.Equal(t, "foo", resp.Packages[0].Name)
	assert.Equal(t, int64(1000), resp.Packages[0].LastChecked)
	assert.Equal(t, int64(2000), resp.Packages[0].BuildTime)
}

func TestHandleAddPackagesPartitionsByTrackedAndFound(t *testing.T) {
	reg := &fakeRegistry{info: map[string]types.PackageData{
		"new-pkg": {Name: "new-pkg"},
	}}
	srv, b, s := newTestServer(t, reg)
	s.TrackPackage("tracked-pkg", types.NewStringSet(), false)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	rec := doRequest(srv, http.MethodPost, "/packages/add", addPackagesRequest{
		Packages: []string{"tracked-pkg", "new-pkg", "missing-pkg"},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp addPackagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"new-pkg"}, resp.Added)
	assert.Equal(t, []string{"tracked-pkg"}, resp.AlreadyTracked)
	assert.Equal(t, []string{"missing-pkg"}, resp.NotFound)

	msg, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, types.AddPackages{Packages: types.NewStringSet("new-pkg")}, msg)
}

func TestHandleAddPackageURLReturnsAlreadyAddedWhenTracked(t *testing.T) {
	reg := &fakeRegistry{probe: map[string]types.PackageData{
		"https://example.com/foo.git": {Name: "foo"},
	}}
	srv, _, s := newTestServer(t, reg)
	s.TrackPackage("foo", types.NewStringSet(), false)

	rec := doRequest(srv, http.MethodPost, "/packages/add-url", addPackageURLRequest{
		URL: "https://example.com/foo.git",
	}, nil)

	var resp addPackageURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "foo", resp.AlreadyAdded)
	assert.Empty(t, resp.Ok)
}

func TestHandleAddPackageURLReturnsErrorOnProbeFailure(t *testing.T) {
	reg := &fakeRegistry{probeErr: map[string]error{
		"https://example.com/bad.git": assert.AnError,
	}}
	srv, _, _ := newTestServer(t, reg)

	rec := doRequest(srv, http.MethodPost, "/packages/add-url", addPackageURLRequest{
		URL: "https://example.com/bad.git",
	}, nil)

	var resp addPackageURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
}

func TestHandleRemovePackagesPartitionsByTracked(t *testing.T) {
	srv, b, s := newTestServer(t, &fakeRegistry{})
	s.TrackPackage("foo", types.NewStringSet(), false)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	rec := doRequest(srv, http.MethodPost, "/packages/remove", removePackagesRequest{
		Packages: []string{"foo", "bar"},
	}, nil)

	var resp removePackagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"foo"}, resp.Removed)
	assert.Equal(t, []string{"bar"}, resp.NotTracked)

	_, ok := sub.TryRecv()
	assert.True(t, ok)
}

func TestHandleRebuildPackagesNoopsWhenAnyNotFound(t *testing.T) {
	srv, b, s := newTestServer(t, &fakeRegistry{})
	s.TrackPackage("foo", types.NewStringSet(), false)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	rec := doRequest(srv, http.MethodPost, "/packages/rebuild", rebuildPackagesRequest{
		Packages: []string{"foo", "bar"},
	}, nil)

	var resp rebuildPackagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"bar"}, resp.NotFound)

	_, ok := sub.TryRecv()
	assert.False(t, ok)
}

func TestHandleRebuildPackagesPublishesWhenAllTracked(t *testing.T) {
	srv, b, s := newTestServer(t, &fakeRegistry{})
	s.TrackPackage("foo", types.NewStringSet(), false)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	rec := doRequest(srv, http.MethodPost, "/packages/rebuild", rebuildPackagesRequest{
		Packages: []string{"foo"},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	msg, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, types.BuildPackage{Package: "foo"}, msg)
}

func TestHandleArtifactsSanitizesFilenamesAndPublishes(t *testing.T) {
	srv, b, _ := newTestServer(t, &fakeRegistry{})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	rec := doRequest(srv, http.MethodPost, "/artifacts", artifactsRequest{
		PackageName: "foo",
		BuildTime:   1234,
		Files: map[string][]byte{
			"../../etc/passwd": []byte("pkg-data"),
		},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(srv.repoDir, "passwd"))
	require.NoError(t, err)
	assert.Equal(t, "pkg-data", string(data))

	msg, ok := sub.TryRecv()
	require.True(t, ok)
	uploaded, ok := msg.(types.ArtifactsUploaded)
	require.True(t, ok)
	assert.Equal(t, "foo", uploaded.Package)
	assert.Equal(t, []string{"passwd"}, uploaded.Files)
}

func TestHandleKeyRejectsUnknownHostname(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRegistry{})

	rec := doRequest(srv, http.MethodGet, "/key", nil, map[string]string{"hostname": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleKeyServesKeyForActiveContainer(t *testing.T) {
	srv, _, s, keyDir := newTestServerWithKeyDir(t, &fakeRegistry{})
	s.AddActiveContainer("deadbeef")

	require.NoError(t, os.WriteFile(filepath.Join(keyDir, signing.KeyName), []byte("fake-key"), 0o600))

	rec := doRequest(srv, http.MethodGet, "/key", nil, map[string]string{"hostname": "deadbeef"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake-key", rec.Body.String())
}

func TestHealthRoutesAreWired(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRegistry{})

	rec := doRequest(srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No subsystems have registered in this test server, so the
	// coordinator isn't ready for traffic yet.
	rec = doRequest(srv, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
