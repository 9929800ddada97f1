package signing

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// KeyName is the filename (under the KeyPair's directory) of the
// worker's ed25519 signing key; its public counterpart lives alongside it as KeyName + ".pub".
const KeyName = "id_ed25519"

// DefaultDir is where the coordinator persists the signing keypair,
// matching the coordinator's persisted /config mount.
const DefaultDir = "/config"

// KeyPair generates and serves an ed25519 signing keypair on disk,
// shelling out to ssh-keygen rather than minting key material itself.
type KeyPair struct {
	mu      sync.Mutex
	dir     string
	private []byte
}

// New creates a KeyPair rooted at dir. PrivateKeyBytes returns an error
// until the key file exists there, which Ensure arranges.
func New(dir string) *KeyPair {
	return &KeyPair{dir: dir}
}

func (k *KeyPair) privatePath() string {
	return filepath.Join(k.dir, KeyName)
}

// Exists reports whether a keypair has already been generated.
func (k *KeyPair) Exists() bool {
	_, err := os.Stat(k.privatePath())
	return err == nil
}

// Ensure generates the keypair via ssh-keygen if it doesn't already
// exist on disk.
func (k *KeyPair) Ensure() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.Exists() {
		return nil
	}

	if err := os.MkdirAll(k.dir, 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	cmd := exec.Command("ssh-keygen",
		"-f", k.privatePath(),
		"-t", "ed25519",
		"-N", "",
		"-C", "aurbuild",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("generate signing key: %w: %s", err, output)
	}

	return nil
}

// PrivateKeyBytes returns the private key's raw file contents, reading
// and caching them on first call.
func (k *KeyPair) PrivateKeyBytes() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.private != nil {
		return k.private, nil
	}

	data, err := os.ReadFile(k.privatePath())
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	k.private = data
	return data, nil
}
