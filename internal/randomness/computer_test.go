package randomness

import (
	"testing"
)

func TestKeccakDeterministic(t *testing.T) {
	var secret, seed [32]byte
	secret[0] = 1
	seed[0] = 2

	k := NewKeccak(secret)

	a, err := k.Compute(seed, 7)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	b, err := k.Compute(seed, 7)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if a.Random != b.Random {
		t.Error("same inputs produced different random words")
	}
	if string(a.Proof) != string(b.Proof) {
		t.Error("same inputs produced different proofs")
	}
	if len(a.Proof) != 32 {
		t.Errorf("proof length = %d, want 32", len(a.Proof))
	}
}

func TestKeccakInputsBindOutput(t *testing.T) {
	var secret, seed, otherSeed [32]byte
	secret[0] = 1
	seed[0] = 2
	otherSeed[0] = 3

	k := NewKeccak(secret)
	base, _ := k.Compute(seed, 7)

	// Different seed.
	if got, _ := k.Compute(otherSeed, 7); got.Random == base.Random {
		t.Error("different seeds produced the same random word")
	}

	// Different request id.
	if got, _ := k.Compute(seed, 8); got.Random == base.Random {
		t.Error("different request ids produced the same random word")
	}

	// Different operator secret.
	var otherSecret [32]byte
	otherSecret[0] = 9
	if got, _ := NewKeccak(otherSecret).Compute(seed, 7); got.Random == base.Random {
		t.Error("different secrets produced the same random word")
	}
}

func TestNew(t *testing.T) {
	var secret [32]byte

	tests := []struct {
		name    string
		kind    string
		wantErr bool
	}{
		{name: "default", kind: "", wantErr: false},
		{name: "keccak", kind: "keccak", wantErr: false},
		{name: "unknown", kind: "ecvrf-p256", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.kind, secret)
			if tt.wantErr {
				if err == nil {
					t.Errorf("New(%q) expected error", tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.kind, err)
			}
			if c == nil {
				t.Fatalf("New(%q) returned nil computer", tt.kind)
			}
		})
	}
}
