package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

// Well-known anvil dev key, safe to embed in tests.
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type fakeStore struct {
	secrets map[string]string
}

func (f *fakeStore) GetSecret(ctx context.Context, name string) (string, error) {
	v, ok := f.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func TestResolvePlain(t *testing.T) {
	tests := []struct {
		name      string
		specifier string
	}{
		{name: "bare hex", specifier: "plain:" + testKeyHex},
		{name: "0x prefixed", specifier: "plain:0x" + testKeyHex},
	}

	r := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := r.Resolve(context.Background(), tt.specifier)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got := cred.Address().Hex(); got != testAddress {
				t.Errorf("Address() = %s, want %s", got, testAddress)
			}
		})
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("TEST_SIGNING_KEY", testKeyHex)

	r := NewResolver(nil)
	cred, err := r.Resolve(context.Background(), "env:TEST_SIGNING_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := cred.Address().Hex(); got != testAddress {
		t.Errorf("Address() = %s, want %s", got, testAddress)
	}
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), "env:DEFINITELY_NOT_SET_12345")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolveAWSSecret(t *testing.T) {
	store := &fakeStore{secrets: map[string]string{"prod/vrf-key": testKeyHex}}

	r := NewResolver(store)
	cred, err := r.Resolve(context.Background(), "aws-secret:prod/vrf-key")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := cred.Address().Hex(); got != testAddress {
		t.Errorf("Address() = %s, want %s", got, testAddress)
	}
}

func TestResolveAWSSecretMissing(t *testing.T) {
	r := NewResolver(&fakeStore{secrets: map[string]string{}})
	_, err := r.Resolve(context.Background(), "aws-secret:prod/missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolveAWSSecretWithoutStore(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), "aws-secret:prod/vrf-key")
	if !errors.Is(err, ErrInvalidSpecifier) {
		t.Errorf("Resolve() error = %v, want ErrInvalidSpecifier", err)
	}
}

func TestResolveInvalidSpecifiers(t *testing.T) {
	tests := []struct {
		name      string
		specifier string
		wantErr   error
	}{
		{name: "no scheme", specifier: testKeyHex, wantErr: ErrInvalidSpecifier},
		{name: "empty value", specifier: "plain:", wantErr: ErrInvalidSpecifier},
		{name: "unknown scheme", specifier: "vault:foo", wantErr: ErrInvalidSpecifier},
		{name: "empty", specifier: "", wantErr: ErrInvalidSpecifier},
		{name: "malformed hex", specifier: "plain:nothex", wantErr: ErrMalformedKey},
		{name: "truncated key", specifier: "plain:abcd", wantErr: ErrMalformedKey},
	}

	r := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.specifier)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.specifier, err, tt.wantErr)
			}
		})
	}
}

func TestCredentialRedaction(t *testing.T) {
	cred, err := NewCredentialFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("NewCredentialFromHex() error = %v", err)
	}

	s := cred.String()
	if strings.Contains(strings.ToLower(s), strings.ToLower(testKeyHex)) {
		t.Errorf("String() leaks key material: %s", s)
	}
	if !strings.Contains(s, testAddress) {
		t.Errorf("String() = %s, want it to carry the address", s)
	}

	lv := cred.LogValue()
	if lv.Kind() != slog.KindString {
		t.Fatalf("LogValue() kind = %v, want string", lv.Kind())
	}
	if strings.Contains(strings.ToLower(lv.String()), strings.ToLower(testKeyHex)) {
		t.Errorf("LogValue() leaks key material: %s", lv.String())
	}
}

func TestProofSecretStable(t *testing.T) {
	cred, err := NewCredentialFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("NewCredentialFromHex() error = %v", err)
	}

	a := cred.ProofSecret()
	b := cred.ProofSecret()
	if a != b {
		t.Error("ProofSecret() not stable across calls")
	}

	var hexed [32]byte
	copy(hexed[:], testKeyHex)
	if a == hexed {
		t.Error("ProofSecret() must not be the raw key bytes")
	}
}
