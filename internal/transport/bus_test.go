package transport

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-arena/market-arena/internal/protocol"
)

func envelopeTo(dest string, id int) protocol.Envelope {
	return protocol.Envelope{
		Sender:      "alice",
		Destination: dest,
		MessageID:   id,
		Family:      protocol.FamilyDialogue,
		Kind:        protocol.KindCFP,
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(8, zerolog.Nop())
	inbox := bus.Register("bob")

	require.NoError(t, bus.Send(envelopeTo("bob", 1)))
	require.NoError(t, bus.Send(envelopeTo("bob", 2)))

	assert.Equal(t, 1, (<-inbox).MessageID)
	assert.Equal(t, 2, (<-inbox).MessageID)
}

func TestBusUnknownDestination(t *testing.T) {
	bus := NewBus(8, zerolog.Nop())
	assert.ErrorIs(t, bus.Send(envelopeTo("nobody", 1)), ErrUnknownDestination)
}

func TestBusDropsWhenInboxFull(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	inbox := bus.Register("bob")

	require.NoError(t, bus.Send(envelopeTo("bob", 1)))
	require.NoError(t, bus.Send(envelopeTo("bob", 2)), "full inbox drops instead of failing")

	assert.Equal(t, 1, (<-inbox).MessageID)
	select {
	case e := <-inbox:
		t.Fatalf("unexpected envelope: %d", e.MessageID)
	default:
	}
}

func TestBusRegisterIsIdempotentAndUnregisterCloses(t *testing.T) {
	bus := NewBus(8, zerolog.Nop())
	first := bus.Register("bob")
	second := bus.Register("bob")
	assert.Equal(t, 1, bus.Registered())

	require.NoError(t, bus.Send(envelopeTo("bob", 1)))
	assert.Equal(t, 1, (<-first).MessageID)
	_ = second

	bus.Unregister("bob")
	_, open := <-first
	assert.False(t, open)
	assert.ErrorIs(t, bus.Send(envelopeTo("bob", 2)), ErrUnknownDestination)
}
