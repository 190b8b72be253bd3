// Package secrets resolves signing keys from pluggable secret backends.
//
// A specifier has the form <scheme>:<value> with scheme one of plain, env, or
// aws-secret. Resolution happens once at startup; a failure is fatal and the
// poll loop never starts.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSpecifier means the specifier is not <scheme>:<value> or the
	// scheme is unrecognized.
	ErrInvalidSpecifier = errors.New("invalid secret specifier")
	// ErrSecretNotFound means the env var or remote secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrMalformedKey means the resolved content is not a usable signing key.
	ErrMalformedKey = errors.New("malformed key material")
)

// Store fetches named secrets from a remote secret store.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Credential is an opaque signing capability: key material plus the derived
// address. It is never logged or serialized.
type Credential struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewCredential wraps an in-memory key.
func NewCredential(key *ecdsa.PrivateKey) *Credential {
	return &Credential{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewCredentialFromHex wraps a hex-encoded private key, with or without a
// 0x prefix.
func NewCredentialFromHex(hexKey string) (*Credential, error) {
	key, err := parseKeyMaterial(hexKey)
	if err != nil {
		return nil, err
	}
	return NewCredential(key), nil
}

// Address returns the signer address derived from the key.
func (c *Credential) Address() common.Address {
	return c.address
}

// SignTx signs a transaction. The underlying signing primitive is stateless,
// so concurrent use is safe.
func (c *Credential) SignTx(tx *ethtypes.Transaction, signer ethtypes.Signer) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, signer, c.key)
}

// ProofSecret derives a stable 32-byte secret from the key for use by the
// randomness computer, without exposing raw key material.
func (c *Credential) ProofSecret() [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(crypto.FromECDSA(c.key)))
	return out
}

// String redacts key material.
func (c *Credential) String() string {
	return fmt.Sprintf("credential(%s)", c.address.Hex())
}

// LogValue keeps the key out of structured logs.
func (c *Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Resolver resolves secret specifiers into credentials.
type Resolver struct {
	store Store // remote backend for the aws-secret scheme; may be nil
}

// NewResolver creates a Resolver. store may be nil if the aws-secret scheme
// is not used.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve parses a <scheme>:<value> specifier and returns the credential.
func (r *Resolver) Resolve(ctx context.Context, specifier string) (*Credential, error) {
	scheme, value, ok := strings.Cut(specifier, ":")
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: want <scheme>:<value>, got %q", ErrInvalidSpecifier, specifier)
	}

	var material string
	switch scheme {
	case "plain":
		material = value

	case "env":
		v, present := os.LookupEnv(value)
		if !present {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, value)
		}
		material = v

	case "aws-secret":
		if r.store == nil {
			return nil, fmt.Errorf("%w: aws-secret scheme requires a configured secret store", ErrInvalidSpecifier)
		}
		v, err := r.store.GetSecret(ctx, value)
		if err != nil {
			return nil, err
		}
		material = v

	default:
		return nil, fmt.Errorf("%w: unknown scheme %q (want plain, env, or aws-secret)", ErrInvalidSpecifier, scheme)
	}

	key, err := parseKeyMaterial(material)
	if err != nil {
		return nil, err
	}

	return NewCredential(key), nil
}

// parseKeyMaterial parses hex-encoded secp256k1 key material.
func parseKeyMaterial(material string) (*ecdsa.PrivateKey, error) {
	material = strings.TrimSpace(material)
	material = strings.TrimPrefix(material, "0x")
	key, err := crypto.HexToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return key, nil
}
