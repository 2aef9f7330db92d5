package dialogue

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/protocol"
)

// Outcome is the negotiator's reply to one inbound negotiation message.
type Outcome struct {
	Kind  protocol.Kind
	Goods map[string]int
	Price int64
	// Transaction is set when Kind is ACCEPT or when an Accept was
	// received: the deal to lock and forward to the controller.
	Transaction *game.Transaction
}

// Negotiator implements the proposal policy: a seller asks at least its
// marginal utility loss for the goods it gives up, a buyer accepts when
// its marginal utility gain covers price plus fee.
type Negotiator struct {
	selfID string
	conf   game.Configuration
	now    func() time.Time
	logger zerolog.Logger
}

// NewNegotiator creates a negotiator for one agent in one game.
func NewNegotiator(selfID string, conf game.Configuration, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		selfID: selfID,
		conf:   conf,
		now:    time.Now,
		logger: logger.With().Str("service", "negotiator").Logger(),
	}
}

// OnCFP answers an opening call for proposals with a Propose when a
// beneficial bundle exists, Decline otherwise.
func (n *Negotiator) OnCFP(d *Dialogue, state game.AgentState, services protocol.Bundle) Outcome {
	if d.Role() == RoleSeller {
		return n.proposeAsSeller(state, services)
	}
	return n.proposeAsBuyer(state, services)
}

// proposeAsSeller offers one unit of every demanded good it holds in
// excess, asking the smallest integer price that covers its utility loss.
func (n *Negotiator) proposeAsSeller(state game.AgentState, demand protocol.Bundle) Outcome {
	excess := state.ExcessQuantities()
	goods := make(map[string]int)
	for goodID, qty := range demand.Quantities {
		idx := n.conf.GoodIndex(goodID)
		if qty < 1 || idx < 0 {
			continue
		}
		if excess[idx] >= 1 {
			goods[goodID] = 1
		}
	}
	if len(goods) == 0 {
		return Outcome{Kind: protocol.KindDecline}
	}
	loss := -state.MarginalUtility(n.deltas(goods, -1))
	price := int64(math.Ceil(loss))
	if price < 1 {
		price = 1
	}
	return Outcome{Kind: protocol.KindPropose, Goods: goods, Price: price}
}

// proposeAsBuyer bids for one unit of every offered good it does not hold,
// at the largest integer price its utility gain still covers after the fee.
func (n *Negotiator) proposeAsBuyer(state game.AgentState, supply protocol.Bundle) Outcome {
	goods := make(map[string]int)
	for goodID, qty := range supply.Quantities {
		idx := n.conf.GoodIndex(goodID)
		if qty < 1 || idx < 0 {
			continue
		}
		if state.Holdings[idx] == 0 {
			goods[goodID] = 1
		}
	}
	if len(goods) == 0 {
		return Outcome{Kind: protocol.KindDecline}
	}
	gain := state.MarginalUtility(n.deltas(goods, 1))
	price := int64(math.Floor(gain)) - n.conf.Fee
	if price < 1 || state.Balance < price+n.conf.Fee {
		return Outcome{Kind: protocol.KindDecline}
	}
	return Outcome{Kind: protocol.KindPropose, Goods: goods, Price: price}
}

// OnPropose evaluates a counterpart's concrete offer. Acceptance builds
// the transaction candidate from the dialogue label, ready to lock and
// forward to the controller.
func (n *Negotiator) OnPropose(d *Dialogue, state game.AgentState, goods map[string]int, price int64) Outcome {
	if n.isAcceptable(d.Role(), state, goods, price) {
		tx := n.Transaction(d, goods, price)
		return Outcome{Kind: protocol.KindAccept, Goods: goods, Price: price, Transaction: &tx}
	}
	return Outcome{Kind: protocol.KindDecline}
}

// OnAccept finalizes the deal the counterpart accepted: the transaction is
// rebuilt from this side's view of the dialogue so both parties forward an
// identical payload.
func (n *Negotiator) OnAccept(d *Dialogue, goods map[string]int, price int64) Outcome {
	tx := n.Transaction(d, goods, price)
	return Outcome{Kind: protocol.KindAccept, Goods: goods, Price: price, Transaction: &tx}
}

func (n *Negotiator) isAcceptable(role Role, state game.AgentState, goods map[string]int, price int64) bool {
	if len(goods) == 0 || price <= 0 {
		return false
	}
	if role == RoleBuyer {
		if state.Balance < price+n.conf.Fee {
			return false
		}
		gain := state.MarginalUtility(n.deltas(goods, 1))
		return gain-float64(price+n.conf.Fee) >= 0
	}
	for goodID, qty := range goods {
		idx := n.conf.GoodIndex(goodID)
		if idx < 0 || state.Holdings[idx] < qty {
			return false
		}
	}
	loss := -state.MarginalUtility(n.deltas(goods, -1))
	return float64(price)-loss >= 0
}

// Transaction derives the deal both parties submit to the controller.
func (n *Negotiator) Transaction(d *Dialogue, goods map[string]int, price int64) game.Transaction {
	selfIsSeller := d.Role() == RoleSeller
	buyerID, sellerID := n.selfID, d.Label().OpponentID
	if selfIsSeller {
		buyerID, sellerID = d.Label().OpponentID, n.selfID
	}
	return game.Transaction{
		ID:         TransactionID(n.selfID, d.Label(), selfIsSeller),
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Amount:     price,
		Quantities: cloneGoods(goods),
		Timestamp:  n.now().UTC(),
	}
}

func (n *Negotiator) deltas(goods map[string]int, sign int) []int {
	delta := make([]int, n.conf.NbGoods())
	for goodID, qty := range goods {
		if idx := n.conf.GoodIndex(goodID); idx >= 0 {
			delta[idx] = sign * qty
		}
	}
	return delta
}

func cloneGoods(goods map[string]int) map[string]int {
	out := make(map[string]int, len(goods))
	for k, v := range goods {
		out[k] = v
	}
	return out
}
