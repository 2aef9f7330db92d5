// Package keystore loads named ed25519 identity seeds from the environment
// so participants keep stable identities across runs.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SeedStore is a simple in-memory seed store.
type SeedStore struct {
	seeds map[string][]byte
}

// NewFromEnv builds a seed store from environment variables.
// IDENTITY_SEEDS format: "name:hex32,name2:hex32". Every seed must decode
// to exactly 32 bytes.
func NewFromEnv() (*SeedStore, error) {
	seeds := make(map[string][]byte)
	raw := os.Getenv("IDENTITY_SEEDS")
	if raw != "" {
		pairs := strings.Split(raw, ",")
		for _, p := range pairs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid IDENTITY_SEEDS format")
			}
			name := parts[0]
			bytes, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, fmt.Errorf("seed for %s: %w", name, err)
			}
			if len(bytes) != 32 {
				return nil, fmt.Errorf("seed for %s must be 32 bytes, got %d", name, len(bytes))
			}
			seeds[name] = bytes
		}
	}
	return &SeedStore{seeds: seeds}, nil
}

// Seed returns the pinned seed for a participant name, false when the
// participant has no pinned identity.
func (s *SeedStore) Seed(name string) ([]byte, bool) {
	seed, ok := s.seeds[name]
	return seed, ok
}

func (s *SeedStore) Len() int {
	return len(s.seeds)
}
