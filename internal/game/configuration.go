// Package game holds the ledger entities of the competition and the
// settlement engine that owns them: the immutable game configuration, the
// per-agent ledger rows, transactions, and the authoritative Game aggregate.
package game

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"github.com/market-arena/market-arena/internal/economy"
)

// Configuration is the immutable setup of one game, created once by the
// controller at game start.
type Configuration struct {
	GameID        uuid.UUID   `json:"game_id"`
	AgentIDs      []string    `json:"agent_ids"`
	AgentNames    []string    `json:"agent_names"`
	GoodIDs       []string    `json:"good_ids"`
	InitialMoney  []int64     `json:"initial_money"`
	Endowments    [][]int     `json:"endowments"`
	UtilityParams [][]float64 `json:"utility_params"`
	Fee           int64       `json:"fee"`
}

// GenerationParams drive configuration sampling.
type GenerationParams struct {
	NbGoods          int
	MoneyEndowment   int64
	Fee              int64
	BaseGoodAmount   int
	LowerBoundFactor int
	UpperBoundFactor int
}

// GoodIDs generates the canonical good identifiers, zero-padded so they
// sort in numeric order.
func GoodIDs(nbGoods int) []string {
	digits := len(fmt.Sprintf("%d", nbGoods-1))
	out := make([]string, nbGoods)
	for i := range out {
		out[i] = fmt.Sprintf("good_%0*d", digits, i)
	}
	return out
}

// Generate samples a configuration for the given participants.
func Generate(gameID uuid.UUID, agentIDs, agentNames []string, params GenerationParams, rng *rand.Rand) (Configuration, error) {
	nbAgents := len(agentIDs)
	scaling := economy.ScalingFactor(params.MoneyEndowment)
	conf := Configuration{
		GameID:        gameID,
		AgentIDs:      append([]string(nil), agentIDs...),
		AgentNames:    append([]string(nil), agentNames...),
		GoodIDs:       GoodIDs(params.NbGoods),
		InitialMoney:  economy.SampleMoneyEndowments(nbAgents, params.MoneyEndowment),
		Endowments:    economy.SampleEndowments(rng, nbAgents, params.NbGoods, params.BaseGoodAmount, params.LowerBoundFactor, params.UpperBoundFactor),
		UtilityParams: economy.SampleUtilityParams(rng, nbAgents, params.NbGoods, scaling),
		Fee:           params.Fee,
	}
	if err := conf.Validate(); err != nil {
		return Configuration{}, err
	}
	return conf, nil
}

// NbAgents returns the number of participants.
func (c Configuration) NbAgents() int { return len(c.AgentIDs) }

// NbGoods returns the number of goods.
func (c Configuration) NbGoods() int { return len(c.GoodIDs) }

// AgentIndex resolves an agent identifier to its row index, or -1.
func (c Configuration) AgentIndex(agentID string) int {
	for i, id := range c.AgentIDs {
		if id == agentID {
			return i
		}
	}
	return -1
}

// GoodIndex resolves a good identifier to its column index, or -1.
func (c Configuration) GoodIndex(goodID string) int {
	for i, id := range c.GoodIDs {
		if id == goodID {
			return i
		}
	}
	return -1
}

// AgentName returns the display name registered for an agent id.
func (c Configuration) AgentName(agentID string) string {
	idx := c.AgentIndex(agentID)
	if idx < 0 || idx >= len(c.AgentNames) {
		return agentID
	}
	return c.AgentNames[idx]
}

// Validate checks the configuration invariants.
func (c Configuration) Validate() error {
	if c.NbAgents() <= 1 {
		return errors.New("a game needs more than one agent")
	}
	if c.NbGoods() == 0 {
		return errors.New("a game needs at least one good")
	}
	if c.Fee < 0 {
		return errors.New("fee must be non-negative")
	}
	if len(c.InitialMoney) != c.NbAgents() || len(c.Endowments) != c.NbAgents() || len(c.UtilityParams) != c.NbAgents() {
		return errors.New("inconsistent matrix dimensions")
	}
	if len(c.AgentNames) != c.NbAgents() {
		return errors.New("agent names must match agent ids")
	}
	for _, money := range c.InitialMoney {
		if money < 0 {
			return errors.New("initial money must be non-negative")
		}
	}
	seen := make(map[string]struct{}, c.NbAgents())
	for _, id := range c.AgentIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate agent id: %s", id)
		}
		seen[id] = struct{}{}
	}
	for i := range c.Endowments {
		if len(c.Endowments[i]) != c.NbGoods() || len(c.UtilityParams[i]) != c.NbGoods() {
			return errors.New("inconsistent matrix dimensions")
		}
		for _, q := range c.Endowments[i] {
			if q < 0 {
				return errors.New("endowments must be non-negative")
			}
		}
		for _, u := range c.UtilityParams[i] {
			if u < 0 || math.IsNaN(u) {
				return errors.New("utility params must be non-negative")
			}
		}
	}
	// all preference profiles must have the same number of distinct values
	cardinality := -1
	for _, row := range c.UtilityParams {
		distinct := make(map[float64]struct{}, len(row))
		for _, u := range row {
			distinct[u] = struct{}{}
		}
		if cardinality == -1 {
			cardinality = len(distinct)
			continue
		}
		if len(distinct) != cardinality {
			return errors.New("utility rows must have the same cardinality of distinct values")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	out := c
	out.AgentIDs = append([]string(nil), c.AgentIDs...)
	out.AgentNames = append([]string(nil), c.AgentNames...)
	out.GoodIDs = append([]string(nil), c.GoodIDs...)
	out.InitialMoney = append([]int64(nil), c.InitialMoney...)
	out.Endowments = make([][]int, len(c.Endowments))
	for i, row := range c.Endowments {
		out.Endowments[i] = append([]int(nil), row...)
	}
	out.UtilityParams = make([][]float64, len(c.UtilityParams))
	for i, row := range c.UtilityParams {
		out.UtilityParams[i] = append([]float64(nil), row...)
	}
	return out
}
