package dialogue

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/protocol"
)

func negotiationConfiguration(t *testing.T) game.Configuration {
	t.Helper()
	return game.Configuration{
		GameID:        uuid.New(),
		AgentIDs:      []string{"alice", "bob"},
		AgentNames:    []string{"tac_agent_0", "tac_agent_1"},
		GoodIDs:       []string{"good_0", "good_1"},
		InitialMoney:  []int64{200, 200},
		Endowments:    [][]int{{0, 0}, {3, 0}},
		UtilityParams: [][]float64{{100, 100}, {100, 100}},
		Fee:           1,
	}
}

func TestOnCFPAsSellerProposes(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("bob", conf, zerolog.Nop())
	store := NewStore("bob")
	d := store.CreateOpponentInitiated("alice", 1, true)

	demand := protocol.Bundle{Direction: protocol.DirectionDemand, Quantities: map[string]int{"good_0": 1, "good_1": 1}}
	seller := game.NewAgentState(20, []int{3, 0}, []float64{100, 100})

	out := n.OnCFP(d, seller, demand)
	require.Equal(t, protocol.KindPropose, out.Kind)
	assert.Equal(t, map[string]int{"good_0": 1}, out.Goods, "only goods held in excess are offered")

	// asking price covers the utility loss of giving one instance away
	loss := 100 * (math.Log(4) - math.Log(3))
	assert.Equal(t, int64(math.Ceil(loss)), out.Price)
}

func TestOnCFPAsSellerDeclinesWithoutExcess(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("bob", conf, zerolog.Nop())
	store := NewStore("bob")
	d := store.CreateOpponentInitiated("alice", 1, true)

	demand := protocol.Bundle{Direction: protocol.DirectionDemand, Quantities: map[string]int{"good_1": 1}}
	seller := game.NewAgentState(20, []int{3, 1}, []float64{100, 100})

	out := n.OnCFP(d, seller, demand)
	assert.Equal(t, protocol.KindDecline, out.Kind)
}

func TestOnCFPAsBuyerBids(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("alice", conf, zerolog.Nop())
	store := NewStore("alice")
	d := store.CreateOpponentInitiated("bob", 1, false)

	supply := protocol.Bundle{Direction: protocol.DirectionSupply, Quantities: map[string]int{"good_0": 2, "good_1": 1}}
	buyer := game.NewAgentState(200, []int{0, 0}, []float64{100, 100})

	out := n.OnCFP(d, buyer, supply)
	require.Equal(t, protocol.KindPropose, out.Kind)
	assert.Equal(t, map[string]int{"good_0": 1, "good_1": 1}, out.Goods)

	// bid is the utility gain net of the fee, rounded down
	gain := 2 * 100 * math.Log(2)
	assert.Equal(t, int64(math.Floor(gain))-conf.Fee, out.Price)
}

func TestOnCFPAsBuyerDeclinesWhenBroke(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("alice", conf, zerolog.Nop())
	store := NewStore("alice")
	d := store.CreateOpponentInitiated("bob", 1, false)

	supply := protocol.Bundle{Direction: protocol.DirectionSupply, Quantities: map[string]int{"good_0": 1}}
	buyer := game.NewAgentState(3, []int{0, 0}, []float64{100, 100})

	out := n.OnCFP(d, buyer, supply)
	assert.Equal(t, protocol.KindDecline, out.Kind)
}

func TestOnProposeBuyerAcceptsBeneficialOffer(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("alice", conf, zerolog.Nop())
	store := NewStore("alice")
	d := store.CreateSelfInitiated("bob", false)

	buyer := game.NewAgentState(200, []int{0, 0}, []float64{100, 100})

	out := n.OnPropose(d, buyer, map[string]int{"good_0": 1}, 29)
	require.Equal(t, protocol.KindAccept, out.Kind)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, "alice", out.Transaction.BuyerID)
	assert.Equal(t, "bob", out.Transaction.SellerID)
	assert.Equal(t, int64(29), out.Transaction.Amount)

	// gain 100*ln(2) ~ 69 does not cover an 80 ask plus fee
	out = n.OnPropose(d, buyer, map[string]int{"good_0": 1}, 80)
	assert.Equal(t, protocol.KindDecline, out.Kind)
	assert.Nil(t, out.Transaction)
}

func TestOnProposeSellerRejectsUncoveredBundle(t *testing.T) {
	conf := negotiationConfiguration(t)
	n := NewNegotiator("bob", conf, zerolog.Nop())
	store := NewStore("bob")
	d := store.CreateOpponentInitiated("alice", 1, true)

	seller := game.NewAgentState(20, []int{1, 0}, []float64{100, 100})

	out := n.OnPropose(d, seller, map[string]int{"good_1": 1}, 50)
	assert.Equal(t, protocol.KindDecline, out.Kind)
}

func TestBothPartiesDeriveIdenticalTransaction(t *testing.T) {
	conf := negotiationConfiguration(t)
	at := time.Date(2019, 7, 2, 12, 0, 0, 0, time.UTC)

	buyerSide := NewNegotiator("alice", conf, zerolog.Nop())
	buyerSide.now = func() time.Time { return at }
	sellerSide := NewNegotiator("bob", conf, zerolog.Nop())
	sellerSide.now = func() time.Time { return at }

	buyerStore := NewStore("alice")
	buyerDialogue := buyerStore.CreateSelfInitiated("bob", false)
	sellerStore := NewStore("bob")
	sellerDialogue := sellerStore.CreateOpponentInitiated("alice", buyerDialogue.Label().DialogueID, true)

	goods := map[string]int{"good_0": 1}
	fromBuyer := buyerSide.Transaction(buyerDialogue, goods, 29)
	fromSeller := sellerSide.Transaction(sellerDialogue, goods, 29)

	assert.Equal(t, fromBuyer, fromSeller)
	require.NoError(t, fromBuyer.Validate())
}
