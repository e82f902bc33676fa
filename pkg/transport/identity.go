package transport

import (
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// loadIdentity loads the node's libp2p private key from dataDir,
// generating and saving a fresh Ed25519 key on first run. An empty
// dataDir yields an ephemeral key.
func loadIdentity(dataDir string) (crypto.PrivKey, error) {
	if dataDir == "" {
		privKey, _, err := crypto.GenerateEd25519Key(nil)
		return privKey, err
	}

	keyPath := filepath.Join(dataDir, identityFileName)
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := saveIdentity(privKey, dataDir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(keyBytes)
}

func saveIdentity(key crypto.PrivKey, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, identityFileName), keyBytes, 0600)
}
