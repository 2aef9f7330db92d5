package agent

import (
	"context"

	"github.com/market-arena/market-arena/internal/dialogue"
	"github.com/market-arena/market-arena/internal/protocol"
)

// handleDiscovery reacts to directory search results.
func (a *Agent) handleDiscovery(ctx context.Context, e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.SearchResultPayload](e.Payload)
	if err != nil {
		a.logger.Warn().Err(err).Msg("malformed search result")
		return
	}
	kind, ok := a.searches[payload.SearchID]
	if !ok {
		a.logger.Debug().Str("search_id", payload.SearchID).Msg("unknown search id")
		return
	}
	delete(a.searches, payload.SearchID)

	switch kind {
	case searchController:
		a.onControllerSearchResult(payload.AgentIDs)
	case searchSellers:
		a.onCounterpartySearchResult(payload.AgentIDs, true)
	case searchBuyers:
		a.onCounterpartySearchResult(payload.AgentIDs, false)
	}
}

// onControllerSearchResult registers with the single controller found, or
// asks it for a state update when this agent is rejoining a competition it
// already registered for. None found means retry on the next act tick;
// more than one is fatal.
func (a *Agent) onControllerSearchResult(controllerIDs []string) {
	if a.phase != PhasePreGame {
		a.logger.Debug().Msg("ignoring controller search result, already competing")
		return
	}
	switch {
	case len(controllerIDs) == 0:
		a.logger.Debug().Msg("no controller found yet, retrying")
	case len(controllerIDs) > 1:
		a.logger.Error().Int("found", len(controllerIDs)).Msg("found more than one controller, stopping")
		a.phase = PhasePostGame
	default:
		a.controllerID = controllerIDs[0]
		a.phase = PhaseGameSetup
		if a.cfg.Rejoin {
			a.logger.Info().Msg("found the controller, rejoining")
			a.requestStateUpdate()
			return
		}
		a.logger.Info().Msg("found the controller, registering")
		a.send(a.controllerID, protocol.FamilyController, protocol.KindRegister, 0, 0,
			protocol.RegisterPayload{AgentID: a.identity.ID, AgentName: a.cfg.Name})
	}
}

// onCounterpartySearchResult opens a dialogue with every found
// counterparty and sends the opening CFP.
func (a *Agent) onCounterpartySearchResult(agentIDs []string, foundSellers bool) {
	if a.phase != PhaseGame {
		return
	}
	quantities := a.strategy.DemandQuantities(a.state)
	direction := protocol.DirectionDemand
	if !foundSellers {
		quantities = a.strategy.SupplyQuantities(a.state)
		direction = protocol.DirectionSupply
	}
	services := protocol.Bundle{Direction: direction, Quantities: quantitiesByGood(a.conf.GoodIDs, quantities)}
	if len(services.Quantities) == 0 {
		return
	}

	selfIsSeller := !foundSellers
	for _, agentID := range agentIDs {
		if agentID == a.identity.ID {
			continue
		}
		d := a.dialogues.CreateSelfInitiated(agentID, selfIsSeller)
		cfp := protocol.CFPPayload{Services: services}
		a.logger.Debug().
			Int("dialogue_id", d.Label().DialogueID).
			Str("role", string(d.Role())).
			Msg("opening negotiation")
		a.sendDialogue(d, protocol.KindCFP, cfp)
	}
}

// handleController reacts to controller-protocol messages. Only the
// enrolled controller is listened to.
func (a *Agent) handleController(_ context.Context, e protocol.Envelope) {
	if a.controllerID == "" || e.Sender != a.controllerID {
		a.logger.Warn().Str("sender", e.Sender).Msg("dropping controller message from unknown sender")
		return
	}
	switch e.Kind {
	case protocol.KindGameData:
		a.onGameData(e)
	case protocol.KindTransactionConfirmation:
		a.onTransactionConfirmation(e)
	case protocol.KindStateUpdate:
		a.onStateUpdate(e)
	case protocol.KindError:
		a.onControllerError(e)
	case protocol.KindCancelled:
		a.logger.Info().Msg("competition cancelled by the controller")
		a.phase = PhasePostGame
	default:
		a.logger.Warn().Str("kind", string(e.Kind)).Msg("unexpected controller message")
	}
}

// onGameData adopts the game the controller distributed and starts
// competing.
func (a *Agent) onGameData(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.GameDataPayload](e.Payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("malformed game data")
		return
	}
	if err := payload.Configuration.Validate(); err != nil {
		a.logger.Error().Err(err).Msg("rejecting invalid game configuration")
		return
	}
	a.conf = payload.Configuration
	a.state = payload.State.Clone()
	a.negotiator = dialogue.NewNegotiator(a.identity.ID, a.conf, a.logger)
	a.phase = PhaseGame
	a.logger.Info().
		Str("game_id", a.conf.GameID.String()).
		Int64("balance", a.state.Balance).
		Msg("received game data, starting to compete")
}

// onTransactionConfirmation reconciles a settlement against the locked
// transaction. A confirmation for an unknown id means the local view
// diverged: ask the controller for a state update instead of guessing.
func (a *Agent) onTransactionConfirmation(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.TransactionConfirmationPayload](e.Payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("malformed transaction confirmation")
		return
	}
	tx, err := a.txman.Confirm(payload.TransactionID)
	if err != nil {
		a.logger.Warn().Str("transaction_id", payload.TransactionID).Msg("confirmation for unknown transaction, requesting state update")
		a.requestStateUpdate()
		return
	}
	if err := a.applyConfirmed(tx); err != nil {
		a.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to apply confirmed transaction, requesting state update")
		a.requestStateUpdate()
		return
	}
	a.logger.Info().
		Str("transaction_id", tx.ID).
		Int64("balance", a.state.Balance).
		Msg("transaction confirmed")
}

// onStateUpdate adopts the authoritative ledger row and discards all local
// locks, which the row already reflects or supersedes. Outside the game
// phase it is a rejoin: the carried configuration rebuilds the mirror and
// the agent starts competing.
func (a *Agent) onStateUpdate(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.StateUpdatePayload](e.Payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("malformed state update")
		return
	}
	if a.phase != PhaseGame {
		if err := payload.Configuration.Validate(); err != nil {
			a.logger.Error().Err(err).Msg("rejecting state update with invalid game configuration")
			return
		}
		a.conf = payload.Configuration
		a.negotiator = dialogue.NewNegotiator(a.identity.ID, a.conf, a.logger)
		a.phase = PhaseGame
		a.logger.Info().Str("game_id", a.conf.GameID.String()).Msg("rejoined the running competition")
	}
	a.state = payload.State.Clone()
	a.txman.Reset()
	a.logger.Info().Int64("balance", a.state.Balance).Msg("resynced with the controller")
}

// onControllerError applies the per-code policy: rejected transactions are
// unlocked, registration conflicts are fatal, the rest is logged.
func (a *Agent) onControllerError(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.ErrorPayload](e.Payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("malformed error payload")
		return
	}
	a.logger.Warn().Str("code", string(payload.Code)).Str("message", payload.Message).Msg("controller reported an error")

	switch payload.Code {
	case protocol.ErrTransactionNotValid:
		if id, ok := transactionIDFromRejection(payload.Message); ok {
			a.txman.Evict(id)
		}
	case protocol.ErrTransactionNotMatching:
		// no local remedy: the counterparty submitted different terms,
		// the lock expires through the pending-timeout cleanup
	case protocol.ErrAgentPbkAlreadyRegistered, protocol.ErrAgentNameAlreadyRegistered, protocol.ErrAgentNotRegistered:
		a.phase = PhasePostGame
	}
}

// handleDialogue reacts to negotiation messages: new dialogues, known
// dialogues, and messages referencing dialogues this agent never saw.
func (a *Agent) handleDialogue(_ context.Context, e protocol.Envelope) {
	if a.phase != PhaseGame {
		a.logger.Debug().Str("kind", string(e.Kind)).Msg("ignoring negotiation message outside the game phase")
		return
	}
	if e.Kind == protocol.KindDialogueError {
		payload, _ := protocol.DecodePayload[protocol.DialogueErrorPayload](e.Payload)
		a.logger.Warn().Str("sender", e.Sender).Str("message", payload.Message).Msg("counterparty reported a dialogue error")
		return
	}
	if e.Kind == protocol.KindCFP && e.TargetID == 0 {
		a.onNewDialogue(e)
		return
	}
	d, ok := a.dialogues.Resolve(e)
	if !ok {
		a.onUnidentifiedDialogue(e)
		return
	}
	a.onExistingDialogue(d, e)
}

// onNewDialogue opens the opponent-initiated dialogue and answers the CFP.
func (a *Agent) onNewDialogue(e protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.CFPPayload](e.Payload)
	if err != nil {
		a.logger.Warn().Err(err).Msg("malformed CFP")
		return
	}
	// the receiver takes the opposite side of the sender's stated intent
	selfIsSeller := payload.Services.Direction == protocol.DirectionDemand
	d := a.dialogues.CreateOpponentInitiated(e.Sender, e.DialogueID, selfIsSeller)
	if err := d.RecordIncoming(e); err != nil {
		a.logger.Warn().Err(err).Msg("rejecting CFP")
		return
	}
	a.logger.Debug().
		Int("dialogue_id", d.Label().DialogueID).
		Str("role", string(d.Role())).
		Msg("new dialogue")

	out := a.negotiator.OnCFP(d, a.state, payload.Services)
	a.respond(d, out)
}

// onExistingDialogue advances a known dialogue by one message.
func (a *Agent) onExistingDialogue(d *dialogue.Dialogue, e protocol.Envelope) {
	if d.Status().IsTerminal() {
		a.logger.Debug().Int("dialogue_id", d.Label().DialogueID).Msg("ignoring message for terminated dialogue")
		return
	}
	if err := d.RecordIncoming(e); err != nil {
		a.logger.Warn().Err(err).Int("dialogue_id", d.Label().DialogueID).Msg("protocol violation")
		a.sendDialogueError(e, "message target does not answer the last message")
		return
	}

	switch e.Kind {
	case protocol.KindPropose:
		payload, err := protocol.DecodePayload[protocol.ProposePayload](e.Payload)
		if err != nil {
			a.logger.Warn().Err(err).Msg("malformed proposal")
			return
		}
		if d.Status() == dialogue.StatusOpened {
			a.transition(d, dialogue.StatusProposing)
		}
		out := a.negotiator.OnPropose(d, a.state, payload.Goods, payload.Price)
		a.respond(d, out)
	case protocol.KindAccept:
		a.onAcceptReceived(d, e)
	case protocol.KindDecline:
		a.transition(d, dialogue.StatusDeclined)
		a.logger.Debug().Int("dialogue_id", d.Label().DialogueID).Msg("counterparty declined")
	default:
		a.logger.Warn().Str("kind", string(e.Kind)).Msg("unexpected negotiation message")
	}
}

// onAcceptReceived finalizes the deal this agent proposed: the counterpart
// accepted, so lock the transaction and forward it to the controller.
func (a *Agent) onAcceptReceived(d *dialogue.Dialogue, e protocol.Envelope) {
	proposal, ok := lastProposal(d)
	if !ok {
		a.logger.Warn().Int("dialogue_id", d.Label().DialogueID).Msg("accept without a proposal on record")
		a.sendDialogueError(e, "accept without a proposal")
		return
	}
	out := a.negotiator.OnAccept(d, proposal.Goods, proposal.Price)
	a.transition(d, dialogue.StatusAccepted)
	a.lockAndSubmit(out)
}

// respond sends the negotiator's decision and performs the matching state
// transition. An accepted proposal is locked and forwarded to the
// controller alongside the Accept reply.
func (a *Agent) respond(d *dialogue.Dialogue, out dialogue.Outcome) {
	switch out.Kind {
	case protocol.KindPropose:
		a.sendDialogue(d, protocol.KindPropose, protocol.ProposePayload{Goods: out.Goods, Price: out.Price})
		if d.Status() == dialogue.StatusOpened {
			a.transition(d, dialogue.StatusProposing)
		} else {
			a.transition(d, dialogue.StatusCounterProposing)
		}
	case protocol.KindAccept:
		a.sendDialogue(d, protocol.KindAccept, protocol.AcceptPayload{})
		a.transition(d, dialogue.StatusAccepted)
		a.lockAndSubmit(out)
	case protocol.KindDecline:
		a.sendDialogue(d, protocol.KindDecline, protocol.DeclinePayload{})
		a.transition(d, dialogue.StatusDeclined)
	}
}

// lockAndSubmit locks the struck deal locally and submits this side's half
// to the controller.
func (a *Agent) lockAndSubmit(out dialogue.Outcome) {
	if out.Transaction == nil {
		return
	}
	if err := a.txman.Lock(*out.Transaction); err != nil {
		a.logger.Warn().Err(err).Str("transaction_id", out.Transaction.ID).Msg("deal already locked")
		return
	}
	a.send(a.controllerID, protocol.FamilyController, protocol.KindTransaction, 0, 0,
		protocol.TransactionPayload{Transaction: *out.Transaction})
	a.logger.Info().
		Str("transaction_id", out.Transaction.ID).
		Int64("amount", out.Transaction.Amount).
		Msg("deal locked, submitted for settlement")
}

// onUnidentifiedDialogue answers a message for an untracked dialogue with a
// protocol-violation notice.
func (a *Agent) onUnidentifiedDialogue(e protocol.Envelope) {
	a.logger.Debug().Int("dialogue_id", e.DialogueID).Str("sender", e.Sender).Msg("unidentified dialogue")
	a.sendDialogueError(e, "this message belongs to an unidentified dialogue")
}

func (a *Agent) sendDialogueError(inbound protocol.Envelope, message string) {
	e := protocol.Envelope{
		Sender:      a.identity.ID,
		Destination: inbound.Sender,
		MessageID:   inbound.MessageID + 1,
		DialogueID:  inbound.DialogueID,
		TargetID:    inbound.MessageID,
		Family:      protocol.FamilyDialogue,
		Kind:        protocol.KindDialogueError,
		SentAt:      a.now().UTC(),
		Payload:     protocol.MustPayload(protocol.DialogueErrorPayload{Message: message}),
	}
	if err := a.identity.Sign(&e); err != nil {
		a.logger.Error().Err(err).Msg("failed to sign envelope")
		return
	}
	if err := a.sender.Send(e); err != nil {
		a.logger.Warn().Err(err).Msg("failed to deliver dialogue error")
	}
}

// sendDialogue sends one negotiation message inside a dialogue, recording
// it in the outgoing log.
func (a *Agent) sendDialogue(d *dialogue.Dialogue, kind protocol.Kind, payload any) {
	targetID := 0
	if in := d.Incoming(); len(in) > 0 {
		targetID = in[len(in)-1].MessageID
	}
	e := protocol.Envelope{
		Sender:      a.identity.ID,
		Destination: d.Label().OpponentID,
		MessageID:   d.NextMessageID(),
		DialogueID:  d.Label().DialogueID,
		TargetID:    targetID,
		Family:      protocol.FamilyDialogue,
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
	d.RecordOutgoing(e)
	if err := a.sender.Send(e); err != nil {
		a.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to deliver negotiation message")
	}
}

func (a *Agent) transition(d *dialogue.Dialogue, target dialogue.Status) {
	if err := d.Transition(target); err != nil {
		a.logger.Warn().Err(err).Int("dialogue_id", d.Label().DialogueID).Msg("dialogue transition failed")
	}
}

// lastProposal returns the goods and price of the most recent Propose in
// the dialogue, whichever side sent it.
func lastProposal(d *dialogue.Dialogue) (protocol.ProposePayload, bool) {
	msgs := append(d.Incoming(), d.Outgoing()...)
	best := -1
	var out protocol.ProposePayload
	for _, e := range msgs {
		if e.Kind != protocol.KindPropose || e.MessageID <= best {
			continue
		}
		payload, err := protocol.DecodePayload[protocol.ProposePayload](e.Payload)
		if err != nil {
			continue
		}
		best = e.MessageID
		out = payload
	}
	return out, best > 0
}
