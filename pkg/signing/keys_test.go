package signing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistsFalseBeforeEnsure(t *testing.T) {
	k := New(t.TempDir())
	assert.False(t, k.Exists())
}

func TestPrivateKeyBytesFailsWhenKeyMissing(t *testing.T) {
	k := New(t.TempDir())
	_, err := k.PrivateKeyBytes()
	assert.Error(t, err)
}

func TestPrivateKeyBytesReadsGeneratedFile(t *testing.T) {
	dir := t.TempDir()
	k := New(dir)

	// Simulate what Ensure would produce without shelling out to
	// ssh-keygen, which may not be installed in a test environment.
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyName), []byte("fake-private-key"), 0o600))

	assert.True(t, k.Exists())

	data, err := k.PrivateKeyBytes()
	assert.NoError(t, err)
	assert.Equal(t, []byte("fake-private-key"), data)
}
