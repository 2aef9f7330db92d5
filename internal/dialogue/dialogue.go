// Package dialogue tracks bilateral negotiation conversations: one
// Dialogue per counterparty exchange, keyed by a Label that disambiguates
// who started it, with an append-only message log and a strict state
// machine over the CFP/Propose/Accept/Decline protocol.
package dialogue

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/market-arena/market-arena/internal/protocol"
)

// Role is the side an agent plays in one dialogue, fixed at creation.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Status represents the negotiation state of a dialogue.
type Status string

const (
	StatusOpened           Status = "OPENED"
	StatusProposing        Status = "PROPOSING"
	StatusCounterProposing Status = "COUNTER_PROPOSING"
	StatusAccepted         Status = "ACCEPTED"
	StatusDeclined         Status = "DECLINED"
	StatusExpired          Status = "EXPIRED"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrWrongTarget       = errors.New("message target does not answer the last message")
)

// CanTransitionTo checks if a transition to the target status is valid.
func (s Status) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusOpened:           {StatusProposing, StatusDeclined, StatusExpired},
		StatusProposing:        {StatusCounterProposing, StatusAccepted, StatusDeclined, StatusExpired},
		StatusCounterProposing: {StatusProposing, StatusAccepted, StatusDeclined, StatusExpired},
		StatusAccepted:         {},
		StatusDeclined:         {},
		StatusExpired:          {},
	}
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusDeclined || s == StatusExpired
}

// Label identifies one dialogue. Two dialogues with the same numeric id and
// opponent never alias because the starter identity is part of the key.
type Label struct {
	DialogueID int    `json:"dialogue_id"`
	OpponentID string `json:"opponent_id"`
	StarterID  string `json:"starter_id"`
}

// Dialogue is a single bilateral conversation. Message logs are
// append-only; entries are never rewritten.
type Dialogue struct {
	label    Label
	selfID   string
	role     Role
	status   Status
	incoming []protocol.Envelope
	outgoing []protocol.Envelope
}

func newDialogue(label Label, selfID string, role Role) *Dialogue {
	return &Dialogue{
		label:  label,
		selfID: selfID,
		role:   role,
		status: StatusOpened,
	}
}

// Label returns the dialogue key.
func (d *Dialogue) Label() Label { return d.label }

// Role returns the side this agent plays.
func (d *Dialogue) Role() Role { return d.role }

// Status returns the current negotiation state.
func (d *Dialogue) Status() Status { return d.status }

// SelfInitiated reports whether this agent sent the opening CFP.
func (d *Dialogue) SelfInitiated() bool { return d.label.StarterID == d.selfID }

// Transition moves the dialogue to the target status.
func (d *Dialogue) Transition(target Status) error {
	if !d.status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.status, target)
	}
	d.status = target
	return nil
}

// NextMessageID returns the message id for the next message in this
// dialogue: ids increase across both directions, starting at 1.
func (d *Dialogue) NextMessageID() int {
	next := 1
	for _, e := range d.incoming {
		if e.MessageID >= next {
			next = e.MessageID + 1
		}
	}
	for _, e := range d.outgoing {
		if e.MessageID >= next {
			next = e.MessageID + 1
		}
	}
	return next
}

// LastOutgoingID returns the id of the last message this agent sent in the
// dialogue, zero if none.
func (d *Dialogue) LastOutgoingID() int {
	if len(d.outgoing) == 0 {
		return 0
	}
	return d.outgoing[len(d.outgoing)-1].MessageID
}

// RecordIncoming appends a received message. In-dialogue delivery is
// assumed in-order; a message whose target is not this agent's last sent
// message is rejected as a protocol violation instead of being applied.
func (d *Dialogue) RecordIncoming(e protocol.Envelope) error {
	if e.TargetID != d.LastOutgoingID() {
		return fmt.Errorf("%w: target=%d last_sent=%d", ErrWrongTarget, e.TargetID, d.LastOutgoingID())
	}
	d.incoming = append(d.incoming, e)
	return nil
}

// RecordOutgoing appends a sent message.
func (d *Dialogue) RecordOutgoing(e protocol.Envelope) {
	d.outgoing = append(d.outgoing, e)
}

// Incoming returns the received message log.
func (d *Dialogue) Incoming() []protocol.Envelope {
	return append([]protocol.Envelope(nil), d.incoming...)
}

// Outgoing returns the sent message log.
func (d *Dialogue) Outgoing() []protocol.Envelope {
	return append([]protocol.Envelope(nil), d.outgoing...)
}

// Store holds every dialogue of one agent. Dialogues are never deleted,
// only superseded by new dialogue ids for the same opponent.
type Store struct {
	mu        sync.Mutex
	selfID    string
	nextID    int
	dialogues map[Label]*Dialogue
}

// NewStore creates an empty dialogue store for the given agent identity.
func NewStore(selfID string) *Store {
	return &Store{selfID: selfID, dialogues: make(map[Label]*Dialogue)}
}

// CreateSelfInitiated opens a dialogue this agent starts, assigning the
// next monotonic dialogue id.
func (s *Store) CreateSelfInitiated(opponentID string, selfIsSeller bool) *Dialogue {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	label := Label{DialogueID: s.nextID, OpponentID: opponentID, StarterID: s.selfID}
	d := newDialogue(label, s.selfID, roleOf(selfIsSeller))
	s.dialogues[label] = d
	return d
}

// CreateOpponentInitiated opens a dialogue for a CFP received from the
// opponent, under the opponent's dialogue id.
func (s *Store) CreateOpponentInitiated(opponentID string, dialogueID int, selfIsSeller bool) *Dialogue {
	s.mu.Lock()
	defer s.mu.Unlock()
	label := Label{DialogueID: dialogueID, OpponentID: opponentID, StarterID: opponentID}
	d := newDialogue(label, s.selfID, roleOf(selfIsSeller))
	s.dialogues[label] = d
	return d
}

// Get returns the dialogue for a label.
func (s *Store) Get(label Label) (*Dialogue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogues[label]
	return d, ok
}

// Resolve finds the dialogue an inbound envelope belongs to. The same
// numeric id may exist once opponent-started and once self-started; the
// candidate whose last sent message matches the envelope target wins.
func (s *Store) Resolve(e protocol.Envelope) (*Dialogue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := []Label{
		{DialogueID: e.DialogueID, OpponentID: e.Sender, StarterID: e.Sender},
		{DialogueID: e.DialogueID, OpponentID: e.Sender, StarterID: s.selfID},
	}
	var fallback *Dialogue
	for _, label := range labels {
		d, ok := s.dialogues[label]
		if !ok {
			continue
		}
		if d.LastOutgoingID() == e.TargetID {
			return d, true
		}
		if fallback == nil {
			fallback = d
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// Len returns the number of tracked dialogues.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogues)
}

func roleOf(isSeller bool) Role {
	if isSeller {
		return RoleSeller
	}
	return RoleBuyer
}

// TransactionID derives the deterministic transaction identifier both
// parties compute independently: {buyer}_{seller}_{dialogueId}_{starter}.
// Identities are base64 standard-alphabet strings, which never contain an
// underscore, so the id stays splittable.
func TransactionID(selfID string, label Label, selfIsSeller bool) string {
	buyerID, sellerID := selfID, label.OpponentID
	if selfIsSeller {
		buyerID, sellerID = label.OpponentID, selfID
	}
	return fmt.Sprintf("%s_%s_%d_%s", buyerID, sellerID, label.DialogueID, label.StarterID)
}

// LabelFromTransactionID recovers the dialogue label from a transaction id
// and the caller's own identity.
func LabelFromTransactionID(selfID, transactionID string) (Label, error) {
	parts := strings.Split(transactionID, "_")
	if len(parts) != 4 {
		return Label{}, fmt.Errorf("malformed transaction id: %q", transactionID)
	}
	buyerID, sellerID, starterID := parts[0], parts[1], parts[3]
	var dialogueID int
	if _, err := fmt.Sscanf(parts[2], "%d", &dialogueID); err != nil {
		return Label{}, fmt.Errorf("malformed dialogue id in transaction id %q: %w", transactionID, err)
	}
	opponentID := sellerID
	if selfID == sellerID {
		opponentID = buyerID
	}
	return Label{DialogueID: dialogueID, OpponentID: opponentID, StarterID: starterID}, nil
}
