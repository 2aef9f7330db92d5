package agent

import (
	"github.com/market-arena/market-arena/internal/game"
)

// RegisterAs selects which directory models the agent registers under.
type RegisterAs string

// SearchFor selects which counterparties the agent searches for.
type SearchFor string

const (
	RegisterAsSeller RegisterAs = "seller"
	RegisterAsBuyer  RegisterAs = "buyer"
	RegisterAsBoth   RegisterAs = "both"

	SearchForSellers SearchFor = "sellers"
	SearchForBuyers  SearchFor = "buyers"
	SearchForBoth    SearchFor = "both"
)

// Strategy decides what an agent offers and seeks at any point of the game.
type Strategy interface {
	// SupplyQuantities returns, per good, the instances the agent is
	// willing to sell.
	SupplyQuantities(state game.AgentState) []int
	// DemandQuantities returns, per good, the instances the agent wants
	// to buy.
	DemandQuantities(state game.AgentState) []int
	RegisterAs() RegisterAs
	SearchFor() SearchFor
}

// BaselineStrategy offers every instance beyond the first of each good and
// demands one instance of every good.
type BaselineStrategy struct {
	Register RegisterAs
	Search   SearchFor
}

// NewBaselineStrategy returns the default both-sides baseline.
func NewBaselineStrategy() *BaselineStrategy {
	return &BaselineStrategy{Register: RegisterAsBoth, Search: SearchForBoth}
}

func (s *BaselineStrategy) SupplyQuantities(state game.AgentState) []int {
	return state.ExcessQuantities()
}

func (s *BaselineStrategy) DemandQuantities(state game.AgentState) []int {
	out := make([]int, len(state.Holdings))
	for g := range out {
		out[g] = 1
	}
	return out
}

func (s *BaselineStrategy) RegisterAs() RegisterAs { return s.Register }

func (s *BaselineStrategy) SearchFor() SearchFor { return s.Search }
