// Package bench drives randomness request load against a deployed contract
// and measures end-to-end fulfillment latency.
package bench

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/vrffulfiller/internal/secrets"
)

// accountsFile is the on-disk format: a JSON array of hex private keys.
type accountsFile []string

// LoadAccounts reads benchmark accounts from a JSON key file. Each entry is
// a hex-encoded private key, with or without a 0x prefix.
func LoadAccounts(path string) ([]*secrets.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var keys accountsFile
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("accounts file %s contains no keys", path)
	}

	creds := make([]*secrets.Credential, 0, len(keys))
	seen := make(map[common.Address]bool, len(keys))
	for i, key := range keys {
		cred, err := secrets.NewCredentialFromHex(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key at index %d: %w", i, err)
		}
		if seen[cred.Address()] {
			return nil, fmt.Errorf("duplicate account %s at index %d", cred.Address().Hex(), i)
		}
		seen[cred.Address()] = true
		creds = append(creds, cred)
	}

	return creds, nil
}

// GenerateAccounts creates n fresh throwaway accounts. Useful against
// devnets where accounts are funded out of band.
func GenerateAccounts(n int) ([]*secrets.Credential, error) {
	creds := make([]*secrets.Credential, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key %d: %w", i, err)
		}
		creds = append(creds, secrets.NewCredential(key))
	}
	return creds, nil
}
