package keystore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv(t *testing.T) {
	hexSeed := strings.Repeat("ab", 32)
	t.Setenv("IDENTITY_SEEDS", "controller:"+hexSeed+", agent_00:"+strings.Repeat("01", 32))

	store, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	seed, ok := store.Seed("controller")
	require.True(t, ok)
	assert.Len(t, seed, 32)
	assert.Equal(t, byte(0xab), seed[0])

	_, ok = store.Seed("agent_99")
	assert.False(t, ok)
}

func TestNewFromEnvEmpty(t *testing.T) {
	t.Setenv("IDENTITY_SEEDS", "")
	store, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestNewFromEnvRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing separator", "controllerdeadbeef"},
		{"not hex", "controller:zz"},
		{"wrong length", "controller:deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IDENTITY_SEEDS", tt.raw)
			_, err := NewFromEnv()
			assert.Error(t, err)
		})
	}
}
