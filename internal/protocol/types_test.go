package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T) (Envelope, *Identity) {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	e := Envelope{
		Sender:      id.ID,
		Destination: "dest",
		MessageID:   1,
		Family:      FamilyController,
		Kind:        KindRegister,
		SentAt:      time.Now().UTC(),
		Payload:     MustPayload(RegisterPayload{AgentID: id.ID, AgentName: "alice"}),
	}
	require.NoError(t, id.Sign(&e))
	return e, id
}

func TestSignAndVerify(t *testing.T) {
	e, id := signedEnvelope(t)
	require.NoError(t, e.Verify())
	assert.Equal(t, id.ID, e.PublicKey)
}

func TestVerifyRejectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"destination changed", func(e *Envelope) { e.Destination = "elsewhere" }},
		{"message id changed", func(e *Envelope) { e.MessageID = 99 }},
		{"payload changed", func(e *Envelope) { e.Payload = MustPayload(RegisterPayload{AgentName: "mallory"}) }},
		{"kind changed", func(e *Envelope) { e.Kind = KindGetStateUpdate }},
		{"signature dropped", func(e *Envelope) { e.Signature = "" }},
		{"signature garbled", func(e *Envelope) { e.Signature = "bm90IGEgc2lnbmF0dXJl" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := signedEnvelope(t)
			tt.mutate(&e)
			assert.Error(t, e.Verify())
		})
	}
}

func TestVerifyRejectsSubstitutedKey(t *testing.T) {
	e, _ := signedEnvelope(t)
	other, err := NewIdentity()
	require.NoError(t, err)
	e.PublicKey = other.ID
	assert.Error(t, e.Verify())
}

func TestValidateBasic(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
		ok     bool
	}{
		{"valid", func(e *Envelope) {}, true},
		{"missing sender", func(e *Envelope) { e.Sender = " " }, false},
		{"missing destination", func(e *Envelope) { e.Destination = "" }, false},
		{"zero message id", func(e *Envelope) { e.MessageID = 0 }, false},
		{"negative target id", func(e *Envelope) { e.TargetID = -1 }, false},
		{"unknown family", func(e *Envelope) { e.Family = "gossip" }, false},
		{"kind from wrong family", func(e *Envelope) { e.Kind = KindCFP }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Envelope{
				Sender:      "alice",
				Destination: "bob",
				MessageID:   1,
				Family:      FamilyController,
				Kind:        KindRegister,
				SentAt:      time.Now().UTC(),
			}
			tt.mutate(&e)
			err := e.ValidateBasic()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		e    Envelope
		want Category
	}{
		{"controller register", Envelope{Family: FamilyController, Kind: KindRegister}, CategoryController},
		{"controller transaction", Envelope{Family: FamilyController, Kind: KindTransaction}, CategoryController},
		{"dialogue cfp", Envelope{Family: FamilyDialogue, Kind: KindCFP}, CategoryDialogue},
		{"dialogue error", Envelope{Family: FamilyDialogue, Kind: KindDialogueError}, CategoryDialogue},
		{"discovery result", Envelope{Family: FamilyDiscovery, Kind: KindSearchResult}, CategoryDiscovery},
		{"unknown family", Envelope{Family: "gossip", Kind: KindRegister}, CategoryMalformed},
		{"family kind mismatch", Envelope{Family: FamilyDiscovery, Kind: KindPropose}, CategoryMalformed},
		{"empty", Envelope{}, CategoryMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.e))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	raw := MustPayload(ProposePayload{Goods: map[string]int{"good_0": 2}, Price: 17})
	payload, err := DecodePayload[ProposePayload](raw)
	require.NoError(t, err)
	assert.Equal(t, int64(17), payload.Price)
	assert.Equal(t, 2, payload.Goods["good_0"])

	_, err = DecodePayload[ProposePayload]([]byte(`{`))
	assert.Error(t, err)
}

func TestIdentityFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 7
	a, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	b, err := IdentityFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = IdentityFromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestIdentityContainsNoUnderscore(t *testing.T) {
	for i := 0; i < 8; i++ {
		id, err := NewIdentity()
		require.NoError(t, err)
		assert.NotContains(t, id.ID, "_")
	}
}
