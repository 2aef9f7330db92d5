// Package protocol defines the signed message envelope shared by the
// controller protocol and the agent-to-agent negotiation protocol, the
// typed payloads for both, and the envelope classification used by the
// message router.
package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/market-arena/market-arena/internal/game"
)

// Family tags the sub-protocol an envelope belongs to.
type Family string

const (
	FamilyController Family = "controller"
	FamilyDialogue   Family = "dialogue"
	FamilyDiscovery  Family = "discovery"
)

// Kind identifies the payload type inside a family.
type Kind string

// Controller protocol kinds.
const (
	KindRegister                Kind = "REGISTER"
	KindGameData                Kind = "GAME_DATA"
	KindTransaction             Kind = "TRANSACTION"
	KindTransactionConfirmation Kind = "TRANSACTION_CONFIRMATION"
	KindError                   Kind = "ERROR"
	KindGetStateUpdate          Kind = "GET_STATE_UPDATE"
	KindStateUpdate             Kind = "STATE_UPDATE"
	KindCancelled               Kind = "CANCELLED"
)

// Dialogue protocol kinds.
const (
	KindCFP           Kind = "CFP"
	KindPropose       Kind = "PROPOSE"
	KindAccept        Kind = "ACCEPT"
	KindDecline       Kind = "DECLINE"
	KindDialogueError Kind = "DIALOGUE_ERROR"
)

// Discovery protocol kinds.
const (
	KindSearchResult Kind = "SEARCH_RESULT"
)

var kindsByFamily = map[Family]map[Kind]struct{}{
	FamilyController: {
		KindRegister:                {},
		KindGameData:                {},
		KindTransaction:             {},
		KindTransactionConfirmation: {},
		KindError:                   {},
		KindGetStateUpdate:          {},
		KindStateUpdate:             {},
		KindCancelled:               {},
	},
	FamilyDialogue: {
		KindCFP:           {},
		KindPropose:       {},
		KindAccept:        {},
		KindDecline:       {},
		KindDialogueError: {},
	},
	FamilyDiscovery: {
		KindSearchResult: {},
	},
}

// Envelope is the signed message container. MessageID is strictly
// increasing per dialogue per sender; TargetID is the message id being
// responded to, zero for a fresh exchange.
type Envelope struct {
	Sender      string          `json:"sender"`
	Destination string          `json:"destination"`
	MessageID   int             `json:"message_id"`
	DialogueID  int             `json:"dialogue_id"`
	TargetID    int             `json:"target_id"`
	Family      Family          `json:"family"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	PublicKey   string          `json:"public_key"` // base64 raw ed25519 public key
	Signature   string          `json:"signature"`  // base64 raw signature
}

type envelopeSignable struct {
	Sender      string          `json:"sender"`
	Destination string          `json:"destination"`
	MessageID   int             `json:"message_id"`
	DialogueID  int             `json:"dialogue_id"`
	TargetID    int             `json:"target_id"`
	Family      Family          `json:"family"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	PublicKey   string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	signable := envelopeSignable{
		Sender:      strings.TrimSpace(e.Sender),
		Destination: strings.TrimSpace(e.Destination),
		MessageID:   e.MessageID,
		DialogueID:  e.DialogueID,
		TargetID:    e.TargetID,
		Family:      e.Family,
		Kind:        e.Kind,
		Payload:     e.Payload,
		SentAt:      e.SentAt.UTC(),
		PublicKey:   strings.TrimSpace(e.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks the required immutable envelope fields.
func (e Envelope) ValidateBasic() error {
	if strings.TrimSpace(e.Sender) == "" {
		return errors.New("sender is required")
	}
	if strings.TrimSpace(e.Destination) == "" {
		return errors.New("destination is required")
	}
	if e.MessageID <= 0 {
		return errors.New("message_id must be positive")
	}
	if e.TargetID < 0 {
		return errors.New("target_id must not be negative")
	}
	kinds, ok := kindsByFamily[e.Family]
	if !ok {
		return fmt.Errorf("unsupported family: %s", e.Family)
	}
	if _, ok := kinds[e.Kind]; !ok {
		return fmt.Errorf("unsupported kind for %s: %s", e.Family, e.Kind)
	}
	return nil
}

// Sign sets the envelope public key and signature for the given private key.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	e.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}

// Verify validates the envelope signature using the included public key.
func (e Envelope) Verify() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes a typed payload.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// MustPayload marshals a payload, panicking on marshal failure. All payload
// types in this package are marshalable by construction.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Category is the router classification of an inbound envelope.
type Category int

const (
	CategoryMalformed Category = iota
	CategoryDiscovery
	CategoryController
	CategoryDialogue
)

// Classify maps an envelope to exactly one router category. It is a pure
// function of the envelope tags: no payload probing, no side effects.
func Classify(e Envelope) Category {
	kinds, ok := kindsByFamily[e.Family]
	if !ok {
		return CategoryMalformed
	}
	if _, ok := kinds[e.Kind]; !ok {
		return CategoryMalformed
	}
	switch e.Family {
	case FamilyDiscovery:
		return CategoryDiscovery
	case FamilyController:
		return CategoryController
	case FamilyDialogue:
		return CategoryDialogue
	default:
		return CategoryMalformed
	}
}

// ErrorCode enumerates controller-reported error conditions.
type ErrorCode string

const (
	ErrTransactionNotValid        ErrorCode = "TRANSACTION_NOT_VALID"
	ErrTransactionNotMatching     ErrorCode = "TRANSACTION_NOT_MATCHING"
	ErrAgentPbkAlreadyRegistered  ErrorCode = "AGENT_PBK_ALREADY_REGISTERED"
	ErrAgentNameAlreadyRegistered ErrorCode = "AGENT_NAME_ALREADY_REGISTERED"
	ErrAgentNotRegistered         ErrorCode = "AGENT_NOT_REGISTERED"
	ErrRequestNotValid            ErrorCode = "REQUEST_NOT_VALID"
	ErrGenericError               ErrorCode = "GENERIC_ERROR"
)

// RegisterPayload asks the controller to enrol the sender.
type RegisterPayload struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// GameDataPayload carries the game start data for one agent.
type GameDataPayload struct {
	ControllerID  string             `json:"controller_id"`
	Configuration game.Configuration `json:"configuration"`
	State         game.AgentState    `json:"state"`
}

// TransactionPayload is an agent's half of a struck deal, forwarded to the
// controller for settlement. Both parties submit the identical payload.
type TransactionPayload struct {
	Transaction game.Transaction `json:"transaction"`
}

// TransactionConfirmationPayload acknowledges a settled transaction.
type TransactionConfirmationPayload struct {
	TransactionID string `json:"transaction_id"`
}

// ErrorPayload reports a business-rule rejection or protocol problem.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// GetStateUpdatePayload requests a full resync of the sender's ledger row.
type GetStateUpdatePayload struct {
	AgentID string `json:"agent_id"`
}

// StateUpdatePayload carries the authoritative ledger row for one agent,
// together with the game configuration so a reconnecting party can
// rebuild its mirror from nothing.
type StateUpdatePayload struct {
	Configuration game.Configuration `json:"configuration"`
	State         game.AgentState    `json:"state"`
}

// BundleDirection tags a goods bundle as offered or requested.
type BundleDirection string

const (
	DirectionSupply BundleDirection = "supply"
	DirectionDemand BundleDirection = "demand"
)

// Bundle is a goods description used in CFPs and discovery registrations:
// a quantity per good, a supply/demand tag and an optional price.
type Bundle struct {
	Direction  BundleDirection `json:"direction"`
	Quantities map[string]int  `json:"quantities"`
	Price      *float64        `json:"price,omitempty"`
}

// CFPPayload opens a negotiation with the goods the sender seeks or offers.
type CFPPayload struct {
	Services Bundle `json:"services"`
}

// ProposePayload counter-offers a concrete bundle at a price.
type ProposePayload struct {
	Goods map[string]int `json:"goods"`
	Price int64          `json:"price"`
}

// AcceptPayload accepts the counterpart's proposal.
type AcceptPayload struct{}

// DeclinePayload rejects the counterpart's last message.
type DeclinePayload struct{}

// DialogueErrorPayload answers a message that references an unidentified
// dialogue.
type DialogueErrorPayload struct {
	Message string `json:"message"`
}

// SearchResultPayload delivers the identities matching a directory search.
type SearchResultPayload struct {
	SearchID string   `json:"search_id"`
	AgentIDs []string `json:"agent_ids"`
}
