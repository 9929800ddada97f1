package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/archbuild/coordinator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterDependenciesDropsBaseAndVersionedVirtuals(t *testing.T) {
	base := map[string]struct{}{"glibc": {}}

	filtered := filterDependencies([]string{"glibc", "gcc>=13", "my-lib", "", "openssl<3"}, base)

	assert.Equal(t, types.NewStringSet("my-lib"), filtered)
}

func TestClientInfoParsesRegistryResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"foo", "bar"}, r.URL.Query()["arg[]"])
		_ = json.NewEncoder(w).Encode(rpcResponse{Results: []rpcPackage{
			{Name: "foo", LastModified: 100, Depends: []string{"bar"}},
			{Name: "bar", LastModified: 200},
		}})
	}))
	defer server.Close()

	c := NewClient()
	c.httpClient = server.Client()
	c.rpcURL = server.URL

	data, err := c.Info(context.Background(), []types.Package{"foo", "bar"})
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, "foo", data[0].Name)
	assert.Equal(t, int64(100), data[0].LastModified)
}

func TestClientInfoReturnsEmptyForNoPackages(t *testing.T) {
	c := NewClient()
	data, err := c.Info(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestClientInfoWrapsUnreachableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient()
	c.httpClient = server.Client()
	c.rpcURL = server.URL

	_, err := c.Info(context.Background(), []types.Package{"foo"})
	assert.ErrorIs(t, err, ErrUnreachable)
}
