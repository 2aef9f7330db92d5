// Package controller runs the competition authority: it enrols agents,
// generates and distributes the game, settles the transactions both
// parties submit, and answers state resync requests. It is the only
// writer of the canonical ledger.
package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/market-arena/market-arena/internal/discovery"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/protocol"
	"github.com/market-arena/market-arena/internal/transport"
)

// Phase is the lifecycle stage of the competition.
type Phase string

const (
	PhaseRegistration Phase = "REGISTRATION"
	PhaseRunning      Phase = "RUNNING"
	PhaseFinished     Phase = "FINISHED"
	PhaseCancelled    Phase = "CANCELLED"
)

// Repository persists the game so it can be replayed after the fact.
// Persistence failures are logged and never block settlement.
type Repository interface {
	SaveConfiguration(ctx context.Context, conf game.Configuration) error
	AppendTransaction(ctx context.Context, gameID uuid.UUID, tx game.Transaction) error
}

// Config carries the competition parameters.
type Config struct {
	Name                string
	MinAgents           int
	RegistrationTimeout time.Duration
	CompetitionTimeout  time.Duration
	Seed                int64
	Generation          game.GenerationParams
}

// EventSink observes competition milestones. All callbacks run on the
// controller's Run goroutine and must not block.
type EventSink interface {
	GameStarted(conf game.Configuration)
	TransactionSettled(tx game.Transaction)
	CompetitionEnded(phase Phase)
}

// pendingSubmission is the first half of a deal, parked until the
// counterparty submits the matching half.
type pendingSubmission struct {
	tx       game.Transaction
	senderID string
	at       time.Time
}

// Controller is the settlement authority. All envelope handling runs on
// the Run goroutine; settlement is strictly sequential.
type Controller struct {
	identity  *protocol.Identity
	cfg       Config
	sender    transport.Sender
	inbox     <-chan protocol.Envelope
	directory discovery.Directory
	repo      Repository
	sink      EventSink
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.RWMutex
	phase   Phase
	agents  map[string]string // agent id -> name
	names   map[string]string // name -> agent id
	g       *game.Game
	pending map[string]pendingSubmission
	seq     int
}

// New creates a controller. repo may be nil when persistence is disabled.
func New(identity *protocol.Identity, cfg Config, sender transport.Sender, inbox <-chan protocol.Envelope, directory discovery.Directory, repo Repository, logger zerolog.Logger) *Controller {
	return &Controller{
		identity:  identity,
		cfg:       cfg,
		sender:    sender,
		inbox:     inbox,
		directory: directory,
		repo:      repo,
		now:       time.Now,
		logger:    logger.With().Str("service", "controller").Str("controller_id", identity.ShortID()).Logger(),
		phase:     PhaseRegistration,
		agents:    make(map[string]string),
		names:     make(map[string]string),
		pending:   make(map[string]pendingSubmission),
	}
}

// WithEvents attaches an event sink. Call before Run.
func (c *Controller) WithEvents(sink EventSink) *Controller {
	c.sink = sink
	return c
}

// Phase returns the current lifecycle stage.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// RegisteredAgents returns the number of enrolled agents.
func (c *Controller) RegisteredAgents() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// Snapshot returns the committed ledger view, false before the game starts.
func (c *Controller) Snapshot() (game.Snapshot, bool) {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()
	if g == nil {
		return game.Snapshot{}, false
	}
	return g.Snapshot(), true
}

// Leaderboard returns the current ranking, best first.
func (c *Controller) Leaderboard() []game.AgentScore {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.Leaderboard()
}

// GameRecord returns the replayable audit trail, false before the game starts.
func (c *Controller) GameRecord() (game.Record, bool) {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()
	if g == nil {
		return game.Record{}, false
	}
	return g.Record(), true
}

// Run drives the competition: registration window, game start, settlement
// until the competition deadline. It returns when the competition ends or
// the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.directory.Register(ctx, discovery.ControllerDescription(c.identity.ID)); err != nil {
		return fmt.Errorf("register controller with directory: %w", err)
	}
	defer func() {
		if err := c.directory.Unregister(context.Background(), c.identity.ID, discovery.ControllerModelName); err != nil {
			c.logger.Warn().Err(err).Msg("failed to unregister from directory")
		}
	}()
	c.logger.Info().Str("competition", c.cfg.Name).Msg("controller started, waiting for registrations")

	registration := time.NewTimer(c.cfg.RegistrationTimeout)
	defer registration.Stop()
	var competitionDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			c.terminate(PhaseCancelled, "controller stopped")
			return ctx.Err()
		case <-registration.C:
			if !c.startCompetition(ctx) {
				c.terminate(PhaseCancelled, "not enough registered agents")
				return nil
			}
			deadline := time.NewTimer(c.cfg.CompetitionTimeout)
			defer deadline.Stop()
			competitionDeadline = deadline.C
		case <-competitionDeadline:
			c.terminate(PhaseFinished, "competition deadline reached")
			return nil
		case e, ok := <-c.inbox:
			if !ok {
				return nil
			}
			c.HandleEnvelope(ctx, e)
		}
	}
}

// HandleEnvelope verifies and dispatches one inbound envelope.
func (c *Controller) HandleEnvelope(ctx context.Context, e protocol.Envelope) {
	if err := e.Verify(); err != nil {
		c.logger.Warn().Err(err).Str("sender", e.Sender).Msg("rejecting unverifiable envelope")
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "envelope verification failed")
		return
	}
	// identities are public keys: the signer must be the claimed sender
	if e.Sender != e.PublicKey {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "sender does not match signing key")
		return
	}
	if protocol.Classify(e) != protocol.CategoryController {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, fmt.Sprintf("unexpected message kind %s", e.Kind))
		return
	}
	switch e.Kind {
	case protocol.KindRegister:
		c.handleRegister(e)
	case protocol.KindTransaction:
		c.handleTransaction(ctx, e)
	case protocol.KindGetStateUpdate:
		c.handleGetStateUpdate(e)
	default:
		c.sendError(e.Sender, protocol.ErrRequestNotValid, fmt.Sprintf("unexpected message kind %s", e.Kind))
	}
}

func (c *Controller) handleRegister(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.RegisterPayload](e.Payload)
	if err != nil || payload.AgentName == "" {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "malformed registration")
		return
	}

	c.mu.Lock()
	if c.phase != PhaseRegistration {
		c.mu.Unlock()
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "registration window is closed")
		return
	}
	if _, ok := c.agents[e.Sender]; ok {
		c.mu.Unlock()
		c.sendError(e.Sender, protocol.ErrAgentPbkAlreadyRegistered, "agent public key already registered")
		return
	}
	if _, ok := c.names[payload.AgentName]; ok {
		c.mu.Unlock()
		c.sendError(e.Sender, protocol.ErrAgentNameAlreadyRegistered, fmt.Sprintf("agent name already registered: %s", payload.AgentName))
		return
	}
	c.agents[e.Sender] = payload.AgentName
	c.names[payload.AgentName] = e.Sender
	registered := len(c.agents)
	c.mu.Unlock()

	c.logger.Info().Str("agent_name", payload.AgentName).Int("registered", registered).Msg("agent registered")
}

// startCompetition samples the game and broadcasts each agent its private
// game data. Returns false when too few agents registered.
func (c *Controller) startCompetition(ctx context.Context) bool {
	c.mu.Lock()
	if len(c.agents) < c.cfg.MinAgents || len(c.agents) < 2 {
		c.mu.Unlock()
		return false
	}
	agentIDs := make([]string, 0, len(c.agents))
	for id := range c.agents {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	agentNames := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		agentNames[i] = c.agents[id]
	}

	rng := rand.New(rand.NewSource(c.cfg.Seed))
	conf, err := game.Generate(uuid.New(), agentIDs, agentNames, c.cfg.Generation, rng)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("failed to generate game configuration")
		return false
	}
	g, err := game.New(conf)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("failed to initialize game")
		return false
	}
	c.g = g
	c.phase = PhaseRunning
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.SaveConfiguration(ctx, conf); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist game configuration")
		}
	}

	c.logger.Info().
		Str("game_id", conf.GameID.String()).
		Int("agents", len(agentIDs)).
		Int("goods", conf.NbGoods()).
		Msg("competition started")
	if c.sink != nil {
		c.sink.GameStarted(conf.Clone())
	}

	for _, agentID := range agentIDs {
		state, _ := g.StateOf(agentID)
		c.send(agentID, protocol.KindGameData, protocol.GameDataPayload{
			ControllerID:  c.identity.ID,
			Configuration: conf.Clone(),
			State:         state,
		})
	}
	return true
}

func (c *Controller) handleTransaction(ctx context.Context, e protocol.Envelope) {
	c.mu.RLock()
	phase := c.phase
	_, registered := c.agents[e.Sender]
	c.mu.RUnlock()
	if phase != PhaseRunning {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "competition is not running")
		return
	}
	if !registered {
		c.sendError(e.Sender, protocol.ErrAgentNotRegistered, "agent is not registered")
		return
	}

	payload, err := protocol.DecodePayload[protocol.TransactionPayload](e.Payload)
	if err != nil {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "malformed transaction payload")
		return
	}
	tx := payload.Transaction
	if err := tx.Validate(); err != nil {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, fmt.Sprintf("invalid transaction: %v", err))
		return
	}
	if e.Sender != tx.BuyerID && e.Sender != tx.SellerID {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "sender is not a party to the transaction")
		return
	}

	c.mu.Lock()
	parked, ok := c.pending[tx.ID]
	if !ok {
		c.pending[tx.ID] = pendingSubmission{tx: tx.Clone(), senderID: e.Sender, at: c.now()}
		c.mu.Unlock()
		c.logger.Debug().Str("transaction_id", tx.ID).Msg("transaction parked, waiting for counterparty")
		return
	}
	if parked.senderID == e.Sender {
		c.mu.Unlock()
		c.logger.Debug().Str("transaction_id", tx.ID).Msg("ignoring duplicate submission")
		return
	}
	delete(c.pending, tx.ID)
	c.mu.Unlock()
	c.logger.Debug().
		Str("transaction_id", tx.ID).
		Dur("parked_for", c.now().Sub(parked.at)).
		Msg("counterparty half arrived")

	if !tx.SameTerms(parked.tx) {
		c.logger.Warn().Str("transaction_id", tx.ID).Msg("counterparty submissions disagree")
		c.sendError(tx.BuyerID, protocol.ErrTransactionNotMatching, fmt.Sprintf("transaction halves do not match: %s", tx.ID))
		c.sendError(tx.SellerID, protocol.ErrTransactionNotMatching, fmt.Sprintf("transaction halves do not match: %s", tx.ID))
		return
	}
	c.settle(ctx, tx)
}

// settle validates and commits one matched transaction, then confirms to
// both parties. Runs on the Run goroutine only.
func (c *Controller) settle(ctx context.Context, tx game.Transaction) {
	if err := c.g.Settle(tx); err != nil {
		c.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("transaction rejected")
		msg := fmt.Sprintf("Error in checking transaction: %s", tx.ID)
		c.sendError(tx.BuyerID, protocol.ErrTransactionNotValid, msg)
		c.sendError(tx.SellerID, protocol.ErrTransactionNotValid, msg)
		return
	}
	if c.repo != nil {
		if err := c.repo.AppendTransaction(ctx, c.g.Configuration().GameID, tx); err != nil {
			c.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to persist transaction")
		}
	}
	c.logger.Info().
		Str("transaction_id", tx.ID).
		Int64("amount", tx.Amount).
		Msg("transaction settled")
	if c.sink != nil {
		c.sink.TransactionSettled(tx)
	}
	confirmation := protocol.TransactionConfirmationPayload{TransactionID: tx.ID}
	c.send(tx.BuyerID, protocol.KindTransactionConfirmation, confirmation)
	c.send(tx.SellerID, protocol.KindTransactionConfirmation, confirmation)
}

func (c *Controller) handleGetStateUpdate(e protocol.Envelope) {
	c.mu.RLock()
	phase := c.phase
	_, registered := c.agents[e.Sender]
	g := c.g
	c.mu.RUnlock()
	if !registered {
		c.sendError(e.Sender, protocol.ErrAgentNotRegistered, "agent is not registered")
		return
	}
	if phase != PhaseRunning || g == nil {
		c.sendError(e.Sender, protocol.ErrRequestNotValid, "competition is not running")
		return
	}
	state, ok := g.StateOf(e.Sender)
	if !ok {
		c.sendError(e.Sender, protocol.ErrGenericError, "no ledger row for agent")
		return
	}
	c.send(e.Sender, protocol.KindStateUpdate, protocol.StateUpdatePayload{
		Configuration: g.Configuration().Clone(),
		State:         state,
	})
}

// terminate moves to a terminal phase and notifies every agent.
func (c *Controller) terminate(phase Phase, reason string) {
	c.mu.Lock()
	if c.phase == PhaseFinished || c.phase == PhaseCancelled {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	agentIDs := make([]string, 0, len(c.agents))
	for id := range c.agents {
		agentIDs = append(agentIDs, id)
	}
	c.mu.Unlock()
	sort.Strings(agentIDs)

	c.logger.Info().Str("phase", string(phase)).Str("reason", reason).Msg("competition over")
	if c.sink != nil {
		c.sink.CompetitionEnded(phase)
	}
	for _, entry := range c.Leaderboard() {
		c.logger.Info().Str("agent_name", entry.AgentName).Float64("score", entry.Score).Msg("final score")
	}
	for _, agentID := range agentIDs {
		c.send(agentID, protocol.KindCancelled, nil)
	}
}

func (c *Controller) sendError(destination string, code protocol.ErrorCode, message string) {
	c.send(destination, protocol.KindError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Controller) send(destination string, kind protocol.Kind, payload any) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	e := protocol.Envelope{
		Sender:      c.identity.ID,
		Destination: destination,
		MessageID:   seq,
		Family:      protocol.FamilyController,
		Kind:        kind,
		SentAt:      c.now().UTC(),
	}
	if payload != nil {
		e.Payload = protocol.MustPayload(payload)
	}
	if err := c.identity.Sign(&e); err != nil {
		c.logger.Error().Err(err).Msg("failed to sign envelope")
		return
	}
	if err := c.sender.Send(e); err != nil {
		c.logger.Warn().Err(err).Str("destination", destination).Str("kind", string(kind)).Msg("failed to deliver envelope")
	}
}
