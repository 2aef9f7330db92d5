// Package agent implements a competition participant: a single-goroutine
// act/react/update loop over a message inbox, a router dispatching inbound
// envelopes to the discovery, controller and dialogue reaction handlers,
// and the local mirror of the agent's ledger row.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/market-arena/market-arena/internal/dialogue"
	"github.com/market-arena/market-arena/internal/discovery"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/protocol"
	"github.com/market-arena/market-arena/internal/transport"
	"github.com/market-arena/market-arena/internal/txmanager"
)

// GamePhase is the lifecycle stage of a participant.
type GamePhase string

const (
	PhasePreGame   GamePhase = "PRE_GAME"
	PhaseGameSetup GamePhase = "GAME_SETUP"
	PhaseGame      GamePhase = "GAME"
	PhasePostGame  GamePhase = "POST_GAME"
)

// transactionRejectedPrefix is the controller's rejection message prefix;
// the transaction id follows it.
const transactionRejectedPrefix = "Error in checking transaction: "

type searchKind int

const (
	searchController searchKind = iota
	searchSellers
	searchBuyers
)

// Config carries the participant parameters.
type Config struct {
	Name             string
	ServicesInterval time.Duration
	PendingTimeout   time.Duration
	// MaxReactions bounds how many envelopes one react pass drains.
	MaxReactions int
	// Rejoin marks a participant restarting mid-competition with the same
	// identity: on finding the controller it asks for a state update
	// instead of registering again.
	Rejoin bool
}

// Agent is one participant. All fields below the logger are owned by the
// Run goroutine; external readers go through the exported accessors.
type Agent struct {
	identity  *protocol.Identity
	cfg       Config
	sender    transport.Sender
	inbox     <-chan protocol.Envelope
	directory discovery.Directory
	strategy  Strategy
	now       func() time.Time
	logger    zerolog.Logger

	phase        GamePhase
	controllerID string
	conf         game.Configuration
	state        game.AgentState
	dialogues    *dialogue.Store
	negotiator   *dialogue.Negotiator
	txman        *txmanager.Manager
	searches     map[string]searchKind
	seq          int
}

// New creates a participant agent.
func New(identity *protocol.Identity, cfg Config, sender transport.Sender, inbox <-chan protocol.Envelope, directory discovery.Directory, strategy Strategy, logger zerolog.Logger) *Agent {
	if cfg.MaxReactions <= 0 {
		cfg.MaxReactions = 100
	}
	return &Agent{
		identity:  identity,
		cfg:       cfg,
		sender:    sender,
		inbox:     inbox,
		directory: directory,
		strategy:  strategy,
		now:       time.Now,
		logger:    logger.With().Str("service", "agent").Str("agent_name", cfg.Name).Logger(),
		phase:     PhasePreGame,
		dialogues: dialogue.NewStore(identity.ID),
		txman:     txmanager.New(logger),
		searches:  make(map[string]searchKind),
	}
}

// ID returns the agent's public identity.
func (a *Agent) ID() string { return a.identity.ID }

// Phase returns the current lifecycle stage.
func (a *Agent) Phase() GamePhase { return a.phase }

// State returns the agent's local view of its ledger row.
func (a *Agent) State() game.AgentState { return a.state.Clone() }

// Run drives the agent until the competition ends or the context is
// cancelled. Acting, reacting and updating all happen on this goroutine.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ServicesInterval)
	defer ticker.Stop()

	a.act(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.act(ctx)
			a.update()
		case e, ok := <-a.inbox:
			if !ok {
				return nil
			}
			a.reactAll(ctx, e)
			a.update()
		}
		if a.phase == PhasePostGame {
			a.logger.Info().Float64("score", a.state.Score()).Msg("agent done")
			return nil
		}
	}
}

// reactAll handles the received envelope plus whatever else is already
// queued, in arrival order, up to MaxReactions per pass.
func (a *Agent) reactAll(ctx context.Context, first protocol.Envelope) {
	a.react(ctx, first)
	for n := 1; n < a.cfg.MaxReactions; n++ {
		select {
		case e, ok := <-a.inbox:
			if !ok {
				return
			}
			a.react(ctx, e)
		default:
			return
		}
	}
}

// act performs the phase-dependent proactive step: find the controller
// before the game, refresh services and search for counterparties during it.
func (a *Agent) act(ctx context.Context) {
	switch a.phase {
	case PhasePreGame:
		a.searchForController(ctx)
	case PhaseGame:
		a.registerServices(ctx)
		a.searchForCounterparties(ctx)
	}
}

// update runs the periodic bookkeeping: pending transactions that waited
// longer than the configured timeout are evicted.
func (a *Agent) update() {
	for _, id := range a.txman.CleanupPending(a.cfg.PendingTimeout) {
		a.logger.Warn().Str("transaction_id", id).Msg("pending transaction timed out")
	}
}

// react verifies and routes one envelope to its reaction handler. Handler
// failures are logged, never fatal: one bad conversation must not take the
// agent down.
func (a *Agent) react(ctx context.Context, e protocol.Envelope) {
	if err := e.Verify(); err != nil {
		a.logger.Warn().Err(err).Str("sender", e.Sender).Msg("dropping unverifiable envelope")
		return
	}
	if e.Sender != e.PublicKey {
		a.logger.Warn().Str("sender", e.Sender).Msg("dropping envelope with mismatched signing key")
		return
	}
	switch protocol.Classify(e) {
	case protocol.CategoryDiscovery:
		a.handleDiscovery(ctx, e)
	case protocol.CategoryController:
		a.handleController(ctx, e)
	case protocol.CategoryDialogue:
		a.handleDialogue(ctx, e)
	default:
		a.logger.Warn().Str("kind", string(e.Kind)).Msg("dropping malformed envelope")
	}
}

// searchForController queries the directory for a running competition. The
// result comes back through the inbox as a search-result envelope, so the
// reaction handler sees local and remote directories the same way.
func (a *Agent) searchForController(ctx context.Context) {
	query := discovery.ControllerQuery()
	a.searches[query.ID] = searchController
	a.dispatchSearch(ctx, query)
}

func (a *Agent) searchForCounterparties(ctx context.Context) {
	mode := a.strategy.SearchFor()
	if mode == SearchForSellers || mode == SearchForBoth {
		demand := a.strategy.DemandQuantities(a.state)
		if goodIDs := nonZeroGoods(a.conf.GoodIDs, demand); len(goodIDs) > 0 {
			query := discovery.BuildQuery(goodIDs, true)
			a.searches[query.ID] = searchSellers
			a.dispatchSearch(ctx, query)
		}
	}
	if mode == SearchForBuyers || mode == SearchForBoth {
		supply := a.strategy.SupplyQuantities(a.state)
		if goodIDs := nonZeroGoods(a.conf.GoodIDs, supply); len(goodIDs) > 0 {
			query := discovery.BuildQuery(goodIDs, false)
			a.searches[query.ID] = searchBuyers
			a.dispatchSearch(ctx, query)
		}
	}
}

// dispatchSearch runs the directory query and loops the result back into
// the agent's own inbox as a signed search-result envelope.
func (a *Agent) dispatchSearch(ctx context.Context, query discovery.Query) {
	ids, err := a.directory.Search(ctx, query)
	if err != nil {
		a.logger.Error().Err(err).Str("model", query.Model).Msg("directory search failed")
		delete(a.searches, query.ID)
		return
	}
	a.send(a.identity.ID, protocol.FamilyDiscovery, protocol.KindSearchResult, 0, 0,
		protocol.SearchResultPayload{SearchID: query.ID, AgentIDs: ids})
}

// registerServices advertises what the agent currently supplies and demands.
func (a *Agent) registerServices(ctx context.Context) {
	mode := a.strategy.RegisterAs()
	if mode == RegisterAsSeller || mode == RegisterAsBoth {
		supply := a.strategy.SupplyQuantities(a.state)
		a.registerDescription(ctx, supply, true)
	}
	if mode == RegisterAsBuyer || mode == RegisterAsBoth {
		demand := a.strategy.DemandQuantities(a.state)
		a.registerDescription(ctx, demand, false)
	}
}

func (a *Agent) registerDescription(ctx context.Context, quantities []int, isSupply bool) {
	modelName := discovery.DemandModelName
	if isSupply {
		modelName = discovery.SupplyModelName
	}
	if allZero(quantities) {
		if err := a.directory.Unregister(ctx, a.identity.ID, modelName); err != nil {
			a.logger.Warn().Err(err).Str("model", modelName).Msg("directory unregister failed")
		}
		return
	}
	d := discovery.BuildDescription(a.identity.ID, a.conf.GoodIDs, quantities, isSupply, nil)
	if err := a.directory.Register(ctx, d); err != nil {
		a.logger.Error().Err(err).Str("model", modelName).Msg("directory register failed")
	}
}

// send builds, signs and dispatches one envelope.
func (a *Agent) send(destination string, family protocol.Family, kind protocol.Kind, messageID, targetID int, payload any) {
	if messageID == 0 {
		a.seq++
		messageID = a.seq
	}
	e := protocol.Envelope{
		Sender:      a.identity.ID,
		Destination: destination,
		MessageID:   messageID,
		TargetID:    targetID,
		Family:      family,
		Kind:        kind,
		SentAt:      a.now().UTC(),
	}
	if payload != nil {
		e.Payload = protocol.MustPayload(payload)
	}
	if err := a.identity.Sign(&e); err != nil {
		a.logger.Error().Err(err).Msg("failed to sign envelope")
		return
	}
	if err := a.sender.Send(e); err != nil {
		a.logger.Warn().Err(err).Str("destination", destination).Str("kind", string(kind)).Msg("failed to deliver envelope")
	}
}

func nonZeroGoods(goodIDs []string, quantities []int) []string {
	out := make([]string, 0, len(goodIDs))
	for g, q := range quantities {
		if q > 0 {
			out = append(out, goodIDs[g])
		}
	}
	return out
}

func quantitiesByGood(goodIDs []string, quantities []int) map[string]int {
	out := make(map[string]int)
	for g, q := range quantities {
		if q > 0 {
			out[goodIDs[g]] = q
		}
	}
	return out
}

func allZero(quantities []int) bool {
	for _, q := range quantities {
		if q != 0 {
			return false
		}
	}
	return true
}

var errNoGame = errors.New("no game data yet")

// applyConfirmed mirrors a settled transaction onto the local ledger row.
func (a *Agent) applyConfirmed(tx game.Transaction) error {
	if a.conf.NbGoods() == 0 {
		return errNoGame
	}
	deltaQuantities := make([]int, a.conf.NbGoods())
	var deltaMoney int64
	switch a.identity.ID {
	case tx.BuyerID:
		deltaMoney = -(tx.Amount + a.conf.Fee)
		for goodID, q := range tx.Quantities {
			deltaQuantities[a.conf.GoodIndex(goodID)] += q
		}
	case tx.SellerID:
		deltaMoney = tx.Amount
		for goodID, q := range tx.Quantities {
			deltaQuantities[a.conf.GoodIndex(goodID)] -= q
		}
	default:
		return errors.New("transaction does not involve this agent")
	}
	return a.state.ApplyDeltas(deltaMoney, deltaQuantities)
}

// requestStateUpdate asks the controller for an authoritative resync.
func (a *Agent) requestStateUpdate() {
	a.send(a.controllerID, protocol.FamilyController, protocol.KindGetStateUpdate, 0, 0,
		protocol.GetStateUpdatePayload{AgentID: a.identity.ID})
}

// transactionIDFromRejection extracts the transaction id from the
// controller's rejection message.
func transactionIDFromRejection(message string) (string, bool) {
	if !strings.HasPrefix(message, transactionRejectedPrefix) {
		return "", false
	}
	return strings.TrimPrefix(message, transactionRejectedPrefix), true
}
