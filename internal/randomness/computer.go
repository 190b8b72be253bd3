// Package randomness provides the pluggable randomness-computation capability.
//
// The fulfillment engine treats computation as a pure function of the request
// seed and identifier. Implementations are chosen at startup; the default
// derives output deterministically from a credential-bound secret.
package randomness

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// Computer computes a randomness response for a request.
type Computer interface {
	Compute(seed [32]byte, requestID uint64) (types.Response, error)
}

// Keccak is the default Computer. It binds the output to a signer-derived
// secret so distinct operators produce distinct, reproducible responses for
// the same seed. It is a stand-in for a full ECVRF primitive, which lives
// behind this interface.
type Keccak struct {
	secret [32]byte
}

// NewKeccak creates a Computer keyed by a 32-byte secret, typically
// Credential.ProofSecret().
func NewKeccak(secret [32]byte) *Keccak {
	return &Keccak{secret: secret}
}

// Compute derives the random word and proof from the seed and request id.
// The same inputs always produce the same response.
func (k *Keccak) Compute(seed [32]byte, requestID uint64) (types.Response, error) {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], requestID)

	proof := crypto.Keccak256(k.secret[:], seed[:], idBuf[:])
	random := crypto.Keccak256(proof, seed[:])

	var resp types.Response
	copy(resp.Random[:], random)
	resp.Proof = proof
	return resp, nil
}

// New returns the Computer named by kind. The set is closed and chosen via
// configuration at startup.
func New(kind string, secret [32]byte) (Computer, error) {
	switch kind {
	case "", "keccak":
		return NewKeccak(secret), nil
	default:
		return nil, fmt.Errorf("unknown randomness computer: %s", kind)
	}
}
