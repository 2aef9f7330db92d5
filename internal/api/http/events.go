package httpapi

import (
	"encoding/json"

	"github.com/market-arena/market-arena/internal/controller"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/infrastructure/sse"
)

// Broadcaster republishes controller milestones on the stream hub. It
// implements controller.EventSink.
type Broadcaster struct {
	hub *sse.Hub
}

func NewBroadcaster(hub *sse.Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

func (b *Broadcaster) GameStarted(conf game.Configuration) {
	b.publish("game_started", map[string]interface{}{
		"game_id": conf.GameID,
		"agents":  conf.AgentNames,
		"goods":   conf.GoodIDs,
	})
}

func (b *Broadcaster) TransactionSettled(tx game.Transaction) {
	b.publish("transaction_settled", tx)
}

func (b *Broadcaster) CompetitionEnded(phase controller.Phase) {
	b.publish("competition_ended", map[string]interface{}{"phase": phase})
}

func (b *Broadcaster) publish(name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.hub.Broadcast(sse.Event{Name: name, Data: data})
}
