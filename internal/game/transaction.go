package game

import (
	"errors"
	"fmt"
	"time"
)

// Transaction is one committed (or in-flight) exchange of goods for money.
// The identifier is derived deterministically by both negotiating parties;
// see the dialogue package for the derivation.
type Transaction struct {
	ID         string         `json:"id"`
	BuyerID    string         `json:"buyer_id"`
	SellerID   string         `json:"seller_id"`
	Amount     int64          `json:"amount"`
	Quantities map[string]int `json:"quantities"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Validate checks the transaction's intrinsic invariants. Ledger-dependent
// checks (balances, holdings, good ids) belong to Game.IsValid.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return errors.New("transaction id is required")
	}
	if t.BuyerID == "" || t.SellerID == "" {
		return errors.New("buyer and seller are required")
	}
	if t.BuyerID == t.SellerID {
		return errors.New("buyer and seller must differ")
	}
	if t.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if len(t.Quantities) == 0 {
		return errors.New("at least one good is required")
	}
	for goodID, q := range t.Quantities {
		if q < 0 {
			return fmt.Errorf("negative quantity for %s", goodID)
		}
	}
	return nil
}

// SameTerms reports whether two submissions describe the same deal.
// Timestamps are submission-local and excluded.
func (t Transaction) SameTerms(other Transaction) bool {
	if t.ID != other.ID || t.BuyerID != other.BuyerID || t.SellerID != other.SellerID || t.Amount != other.Amount {
		return false
	}
	if len(t.Quantities) != len(other.Quantities) {
		return false
	}
	for goodID, q := range t.Quantities {
		if other.Quantities[goodID] != q {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	out := t
	out.Quantities = make(map[string]int, len(t.Quantities))
	for goodID, q := range t.Quantities {
		out.Quantities[goodID] = q
	}
	return out
}
