package game

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotValid is returned by Settle when the precondition does not hold.
// Reaching it is a caller error: callers must check IsValid first.
var ErrNotValid = errors.New("transaction is not valid against the ledger")

// Game is the authoritative aggregate: configuration, the append-only
// committed transaction list, and the canonical ledger rows. It has a
// single writer (the controller settlement path); reads observe
// fully-committed snapshots only.
type Game struct {
	mu           sync.RWMutex
	conf         Configuration
	states       []AgentState
	transactions []Transaction
	feePot       int64
}

// New initializes a game from a validated configuration.
func New(conf Configuration) (*Game, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	g := &Game{conf: conf.Clone()}
	g.states = make([]AgentState, conf.NbAgents())
	for i := range g.states {
		g.states[i] = NewAgentState(conf.InitialMoney[i], conf.Endowments[i], conf.UtilityParams[i])
	}
	return g, nil
}

// Configuration returns the immutable game configuration.
func (g *Game) Configuration() Configuration {
	return g.conf.Clone()
}

// IsValid reports whether the transaction can settle against the current
// ledger: the buyer covers amount plus fee and the seller covers every
// quantity. Pure read, no mutation.
func (g *Game) IsValid(tx Transaction) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isValidLocked(tx)
}

func (g *Game) isValidLocked(tx Transaction) bool {
	if err := tx.Validate(); err != nil {
		return false
	}
	buyerIdx := g.conf.AgentIndex(tx.BuyerID)
	sellerIdx := g.conf.AgentIndex(tx.SellerID)
	if buyerIdx < 0 || sellerIdx < 0 {
		return false
	}
	if g.states[buyerIdx].Balance < tx.Amount+g.conf.Fee {
		return false
	}
	for goodID, q := range tx.Quantities {
		goodIdx := g.conf.GoodIndex(goodID)
		if goodIdx < 0 {
			return false
		}
		if g.states[sellerIdx].Holdings[goodIdx] < q {
			return false
		}
	}
	return true
}

// Settle commits a transaction: appends it to the history and moves money
// and goods between the parties. The fee is routed to the fee pot so the
// ledger stays conserving. No partial application is observable.
func (g *Game) Settle(tx Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isValidLocked(tx) {
		return fmt.Errorf("%w: %s", ErrNotValid, tx.ID)
	}
	buyer := &g.states[g.conf.AgentIndex(tx.BuyerID)]
	seller := &g.states[g.conf.AgentIndex(tx.SellerID)]

	g.transactions = append(g.transactions, tx.Clone())
	buyer.Balance -= tx.Amount + g.conf.Fee
	seller.Balance += tx.Amount
	g.feePot += g.conf.Fee
	for goodID, q := range tx.Quantities {
		goodIdx := g.conf.GoodIndex(goodID)
		buyer.Holdings[goodIdx] += q
		seller.Holdings[goodIdx] -= q
	}
	return nil
}

// StateOf returns a copy of one agent's ledger row.
func (g *Game) StateOf(agentID string) (AgentState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx := g.conf.AgentIndex(agentID)
	if idx < 0 {
		return AgentState{}, false
	}
	return g.states[idx].Clone(), true
}

// Score returns one agent's competition score.
func (g *Game) Score(agentID string) (float64, bool) {
	state, ok := g.StateOf(agentID)
	if !ok {
		return 0, false
	}
	return state.Score(), true
}

// AgentScore is one leaderboard entry.
type AgentScore struct {
	AgentID   string  `json:"agent_id"`
	AgentName string  `json:"agent_name"`
	Score     float64 `json:"score"`
}

// Leaderboard returns the scores of every agent, best first.
func (g *Game) Leaderboard() []AgentScore {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AgentScore, g.conf.NbAgents())
	for i, id := range g.conf.AgentIDs {
		out[i] = AgentScore{
			AgentID:   id,
			AgentName: g.conf.AgentNames[i],
			Score:     g.states[i].Score(),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// FeePot returns the fees collected so far.
func (g *Game) FeePot() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.feePot
}

// TransactionCount returns the number of committed transactions.
func (g *Game) TransactionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.transactions)
}

// Snapshot is a fully-committed, read-only view of the aggregate.
type Snapshot struct {
	Configuration Configuration `json:"configuration"`
	States        []AgentState  `json:"states"`
	Transactions  []Transaction `json:"transactions"`
	FeePot        int64         `json:"fee_pot"`
	Scores        []AgentScore  `json:"scores"`
}

// Snapshot returns a consistent copy of the whole aggregate.
func (g *Game) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{
		Configuration: g.conf.Clone(),
		States:        make([]AgentState, len(g.states)),
		Transactions:  make([]Transaction, len(g.transactions)),
		FeePot:        g.feePot,
	}
	for i := range g.states {
		snap.States[i] = g.states[i].Clone()
	}
	for i := range g.transactions {
		snap.Transactions[i] = g.transactions[i].Clone()
	}
	for i, id := range g.conf.AgentIDs {
		snap.Scores = append(snap.Scores, AgentScore{
			AgentID:   id,
			AgentName: g.conf.AgentNames[i],
			Score:     g.states[i].Score(),
		})
	}
	return snap
}

// Record is the persisted form of a game: replaying the transactions over
// the configuration's endowments reconstructs the final ledger exactly.
type Record struct {
	Configuration Configuration `json:"configuration"`
	Transactions  []Transaction `json:"transactions"`
}

// Record extracts the persistable audit trail.
func (g *Game) Record() Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec := Record{Configuration: g.conf.Clone()}
	rec.Transactions = make([]Transaction, len(g.transactions))
	for i := range g.transactions {
		rec.Transactions[i] = g.transactions[i].Clone()
	}
	return rec
}

// Replay reconstructs a game from a persisted record by settling every
// transaction in order.
func Replay(rec Record) (*Game, error) {
	g, err := New(rec.Configuration)
	if err != nil {
		return nil, err
	}
	for _, tx := range rec.Transactions {
		if err := g.Settle(tx); err != nil {
			return nil, fmt.Errorf("replay %s: %w", tx.ID, err)
		}
	}
	return g, nil
}

// HoldingsSummary renders one line per agent with its current holdings.
func (g *Game) HoldingsSummary() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var b strings.Builder
	for i := range g.states {
		fmt.Fprintf(&b, "%02d %v\n", i, g.states[i].Holdings)
	}
	return b.String()
}
