//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/market-arena/market-arena/internal/agent"
	httpapi "github.com/market-arena/market-arena/internal/api/http"
	"github.com/market-arena/market-arena/internal/controller"
	"github.com/market-arena/market-arena/internal/discovery"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/infrastructure/sse"
	"github.com/market-arena/market-arena/internal/protocol"
	"github.com/market-arena/market-arena/internal/transport"
)

// TestFullCompetition runs a controller and five baseline agents in one
// process until the competition deadline, then checks the HTTP view and
// the conservation of money and goods.
func TestFullCompetition(t *testing.T) {
	logger := zerolog.Nop()
	bus := transport.NewBus(256, logger)
	directory := discovery.NewInMemoryDirectory()

	ctrlIdentity, err := protocol.NewIdentity()
	require.NoError(t, err)
	ctrl := controller.New(ctrlIdentity, controller.Config{
		Name:                "integration",
		MinAgents:           5,
		RegistrationTimeout: 300 * time.Millisecond,
		CompetitionTimeout:  2 * time.Second,
		Seed:                42,
		Generation: game.GenerationParams{
			NbGoods:          5,
			MoneyEndowment:   200,
			Fee:              1,
			BaseGoodAmount:   2,
			LowerBoundFactor: 0,
			UpperBoundFactor: 1,
		},
	}, bus, bus.Register(ctrlIdentity.ID), directory, nil, logger)

	hub := sse.NewHub()
	defer hub.Stop()
	viewer := sse.NewClient("viewer", 256)
	hub.Register(viewer)
	ctrl.WithEvents(httpapi.NewBroadcaster(hub))

	apiServer := httptest.NewServer(httpapi.NewServer(ctrl, hub).Router())
	defer apiServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })

	agents := make([]*agent.Agent, 0, 5)
	for i := 0; i < 5; i++ {
		identity, err := protocol.NewIdentity()
		require.NoError(t, err)
		a := agent.New(identity, agent.Config{
			Name:             fmt.Sprintf("baseline_%02d", i),
			ServicesInterval: 50 * time.Millisecond,
			PendingTimeout:   time.Minute,
			MaxReactions:     100,
		}, bus, bus.Register(identity.ID), directory, agent.NewBaselineStrategy(), logger)
		agents = append(agents, a)
		g.Go(func() error { return a.Run(gctx) })
	}

	require.NoError(t, g.Wait())
	require.Equal(t, controller.PhaseFinished, ctrl.Phase())
	for _, a := range agents {
		assert.Equal(t, agent.PhasePostGame, a.Phase())
	}

	var competition struct {
		Phase            string `json:"phase"`
		RegisteredAgents int    `json:"registered_agents"`
	}
	getJSON(t, apiServer.URL+"/v1/competition/", &competition)
	assert.Equal(t, string(controller.PhaseFinished), competition.Phase)
	assert.Equal(t, 5, competition.RegisteredAgents)

	var leaderboard struct {
		Scores []game.AgentScore `json:"scores"`
	}
	getJSON(t, apiServer.URL+"/v1/competition/leaderboard", &leaderboard)
	require.Len(t, leaderboard.Scores, 5)
	for i := 1; i < len(leaderboard.Scores); i++ {
		assert.GreaterOrEqual(t, leaderboard.Scores[i-1].Score, leaderboard.Scores[i].Score)
	}

	var snapshot game.Snapshot
	getJSON(t, apiServer.URL+"/v1/competition/snapshot", &snapshot)

	// money conservation: balances plus the fee pot equal the initial pool
	var initial, final int64
	for _, m := range snapshot.Configuration.InitialMoney {
		initial += m
	}
	for _, row := range snapshot.States {
		final += row.Balance
	}
	assert.Equal(t, initial, final+snapshot.FeePot)

	// goods conservation per good
	for good := range snapshot.Configuration.GoodIDs {
		var endowed, held int
		for _, row := range snapshot.Configuration.Endowments {
			endowed += row[good]
		}
		for _, row := range snapshot.States {
			held += row.Holdings[good]
		}
		assert.Equal(t, endowed, held)
	}

	// the record replays to the snapshot ledger
	var record game.Record
	getJSON(t, apiServer.URL+"/v1/competition/record", &record)
	assert.Equal(t, snapshot.Configuration.GameID, record.Configuration.GameID)
	require.Len(t, record.Transactions, len(snapshot.Transactions))

	replayed, err := game.Replay(record)
	require.NoError(t, err)
	replay := replayed.Snapshot()
	for i, row := range snapshot.States {
		assert.Equal(t, row.Balance, replay.States[i].Balance)
		assert.Equal(t, row.Holdings, replay.States[i].Holdings)
	}

	// every settled transaction reached the event stream
	settled := 0
	for len(viewer.Events) > 0 {
		if (<-viewer.Events).Name == "transaction_settled" {
			settled++
		}
	}
	assert.Equal(t, len(snapshot.Transactions), settled)
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
