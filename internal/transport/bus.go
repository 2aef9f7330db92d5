// Package transport carries signed envelopes between agents and the
// controller. The Bus is the in-process rendition used by the simulation
// and by tests: one buffered inbox per registered identity, best-effort
// delivery, no shared memory between participants.
package transport

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/market-arena/market-arena/internal/protocol"
)

// ErrUnknownDestination is returned when sending to an unregistered identity.
var ErrUnknownDestination = errors.New("unknown destination")

// Sender is the outbound half every participant holds.
type Sender interface {
	Send(e protocol.Envelope) error
}

// Bus routes envelopes between registered identities.
type Bus struct {
	mu        sync.RWMutex
	inboxes   map[string]chan protocol.Envelope
	inboxSize int
	logger    zerolog.Logger
}

// NewBus creates a bus whose inboxes buffer up to inboxSize envelopes.
func NewBus(inboxSize int, logger zerolog.Logger) *Bus {
	return &Bus{
		inboxes:   make(map[string]chan protocol.Envelope),
		inboxSize: inboxSize,
		logger:    logger.With().Str("service", "bus").Logger(),
	}
}

// Register creates the inbox for an identity and returns its receive side.
// Registering the same identity again returns the existing inbox.
func (b *Bus) Register(id string) <-chan protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inbox, ok := b.inboxes[id]; ok {
		return inbox
	}
	inbox := make(chan protocol.Envelope, b.inboxSize)
	b.inboxes[id] = inbox
	return inbox
}

// Unregister closes and removes an identity's inbox.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inbox, ok := b.inboxes[id]; ok {
		close(inbox)
		delete(b.inboxes, id)
	}
}

// Send delivers an envelope to its destination inbox. Delivery is
// best-effort: a full inbox drops the envelope with a warning rather than
// blocking the sender.
func (b *Bus) Send(e protocol.Envelope) error {
	b.mu.RLock()
	inbox, ok := b.inboxes[e.Destination]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownDestination
	}
	select {
	case inbox <- e:
		return nil
	default:
		b.logger.Warn().
			Str("destination", e.Destination).
			Str("kind", string(e.Kind)).
			Msg("inbox full, dropping envelope")
		return nil
	}
}

// Registered returns the number of registered identities.
func (b *Bus) Registered() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.inboxes)
}
