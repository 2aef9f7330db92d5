package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// Identity is the signing capability of one participant. ID is the base64
// raw ed25519 public key; it doubles as the public identifier used in
// envelopes, ledger rows and transaction ids. The standard base64 alphabet
// contains no underscore, which keeps transaction ids splittable.
type Identity struct {
	ID   string
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:   base64.StdEncoding.EncodeToString(pub),
		priv: priv,
	}, nil
}

// IdentityFromSeed derives a deterministic identity from a 32-byte seed.
// Used by the simulation to make runs reproducible.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		ID:   base64.StdEncoding.EncodeToString(pub),
		priv: priv,
	}, nil
}

// Sign signs an envelope with this identity's private key.
func (id *Identity) Sign(e *Envelope) error {
	return e.Sign(id.priv)
}

// ShortID returns a truncated identifier for logging.
func (id *Identity) ShortID() string {
	trimmed := strings.TrimRight(id.ID, "=")
	if len(trimmed) <= 8 {
		return trimmed
	}
	return trimmed[:8]
}
