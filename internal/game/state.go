package game

import (
	"errors"

	"github.com/market-arena/market-arena/internal/economy"
)

var (
	// ErrNotEnoughMoney signals a projected update that would overdraw.
	ErrNotEnoughMoney = errors.New("not enough money")
	// ErrNotEnoughGoods signals a projected update that would oversell.
	ErrNotEnoughGoods = errors.New("not enough good instances")
)

// AgentState is one ledger row: the balance and holdings of a single agent
// plus its static preference profile. The controller owns the canonical
// rows; every agent mirrors its own row from confirmations.
type AgentState struct {
	Balance       int64     `json:"balance"`
	Holdings      []int     `json:"holdings"`
	UtilityParams []float64 `json:"utility_params"`
}

// NewAgentState builds a ledger row from an initial endowment.
func NewAgentState(money int64, endowment []int, utilityParams []float64) AgentState {
	return AgentState{
		Balance:       money,
		Holdings:      append([]int(nil), endowment...),
		UtilityParams: append([]float64(nil), utilityParams...),
	}
}

// Clone returns a deep copy of the row.
func (s AgentState) Clone() AgentState {
	return AgentState{
		Balance:       s.Balance,
		Holdings:      append([]int(nil), s.Holdings...),
		UtilityParams: append([]float64(nil), s.UtilityParams...),
	}
}

// Score is the competition score of the row: the sum of the utility
// parameters of all goods held at least once, plus the money balance.
func (s AgentState) Score() float64 {
	score := float64(s.Balance)
	for g, q := range s.Holdings {
		if q >= 1 {
			score += s.UtilityParams[g]
		}
	}
	return score
}

// ExcessQuantities returns, per good, the instances held beyond the first.
// Excess instances carry no score and are what a seller offers.
func (s AgentState) ExcessQuantities() []int {
	out := make([]int, len(s.Holdings))
	for g, q := range s.Holdings {
		if q > 1 {
			out[g] = q - 1
		}
	}
	return out
}

// MarginalUtility prices a quantity delta against the row's preference
// profile.
func (s AgentState) MarginalUtility(delta []int) float64 {
	return economy.MarginalUtility(s.UtilityParams, s.Holdings, delta)
}

// ProjectedScore simulates applying a money delta and quantity deltas and
// returns the resulting score without mutating the row.
func (s AgentState) ProjectedScore(deltaMoney int64, deltaQuantities []int) (float64, error) {
	if err := s.checkDeltas(deltaMoney, deltaQuantities); err != nil {
		return 0, err
	}
	next := s.Clone()
	next.Balance += deltaMoney
	for g, dq := range deltaQuantities {
		next.Holdings[g] += dq
	}
	return next.Score(), nil
}

// ApplyDeltas mutates the row by a committed money delta and quantity
// deltas. The deltas are re-checked before any field is touched.
func (s *AgentState) ApplyDeltas(deltaMoney int64, deltaQuantities []int) error {
	if err := s.checkDeltas(deltaMoney, deltaQuantities); err != nil {
		return err
	}
	s.Balance += deltaMoney
	for g, dq := range deltaQuantities {
		s.Holdings[g] += dq
	}
	return nil
}

func (s AgentState) checkDeltas(deltaMoney int64, deltaQuantities []int) error {
	if deltaMoney < 0 && s.Balance < -deltaMoney {
		return ErrNotEnoughMoney
	}
	for g, dq := range deltaQuantities {
		if dq < 0 && s.Holdings[g] < -dq {
			return ErrNotEnoughGoods
		}
	}
	return nil
}
