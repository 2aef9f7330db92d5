package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/market-arena/market-arena/internal/api/http"
	"github.com/market-arena/market-arena/internal/agent"
	"github.com/market-arena/market-arena/internal/config"
	"github.com/market-arena/market-arena/internal/controller"
	"github.com/market-arena/market-arena/internal/discovery"
	"github.com/market-arena/market-arena/internal/game"
	"github.com/market-arena/market-arena/internal/infrastructure/keystore"
	"github.com/market-arena/market-arena/internal/infrastructure/postgres"
	"github.com/market-arena/market-arena/internal/infrastructure/sse"
	"github.com/market-arena/market-arena/internal/protocol"
	"github.com/market-arena/market-arena/internal/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo controller.Repository
	if cfg.DatabaseOn {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		repo = postgres.NewGameRepository(pool)
	}

	bus := transport.NewBus(256, logger)
	directory := discovery.NewInMemoryDirectory()

	seeds, err := keystore.NewFromEnv()
	if err != nil {
		log.Fatalf("seed store error: %v", err)
	}

	ctrlIdentity, err := protocol.IdentityFromSeed(participantSeed(seeds, "controller", cfg.Seed, 0))
	if err != nil {
		log.Fatalf("identity error: %v", err)
	}
	ctrl := controller.New(ctrlIdentity, controller.Config{
		Name:                cfg.CompetitionName,
		MinAgents:           cfg.MinAgents,
		RegistrationTimeout: cfg.RegistrationTimeout,
		CompetitionTimeout:  cfg.CompetitionTimeout,
		Seed:                cfg.Seed,
		Generation: game.GenerationParams{
			NbGoods:          cfg.NbGoods,
			MoneyEndowment:   cfg.MoneyEndowment,
			Fee:              cfg.Fee,
			BaseGoodAmount:   cfg.BaseGoodAmount,
			LowerBoundFactor: cfg.LowerBoundFactor,
			UpperBoundFactor: cfg.UpperBoundFactor,
		},
	}, bus, bus.Register(ctrlIdentity.ID), directory, repo, logger)

	hub := sse.NewHub()
	defer hub.Stop()
	ctrl.WithEvents(httpapi.NewBroadcaster(hub))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })

	for i := 0; i < cfg.NbAgents; i++ {
		name := fmt.Sprintf("baseline_%02d", i)
		identity, err := protocol.IdentityFromSeed(participantSeed(seeds, name, cfg.Seed, i+1))
		if err != nil {
			log.Fatalf("identity error: %v", err)
		}
		a := agent.New(identity, agent.Config{
			Name:             name,
			ServicesInterval: cfg.ServicesInterval,
			PendingTimeout:   cfg.PendingTimeout,
			MaxReactions:     cfg.MaxReactions,
		}, bus, bus.Register(identity.ID), directory, agent.NewBaselineStrategy(), logger)
		g.Go(func() error { return a.Run(gctx) })
	}

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      httpapi.NewServer(ctrl, hub).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error().Err(err).Msg("simulation failed")
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)

	for _, row := range ctrl.Leaderboard() {
		logger.Info().Str("agent", row.AgentName).Float64("score", row.Score).Msg("final score")
	}
}

// participantSeed prefers a pinned seed from the environment and falls back
// to deriving one from the game seed.
func participantSeed(seeds *keystore.SeedStore, name string, seed int64, index int) []byte {
	if pinned, ok := seeds.Seed(name); ok {
		return pinned
	}
	return seedBytes(seed, index)
}

// seedBytes derives a distinct 32-byte ed25519 seed per participant.
func seedBytes(seed int64, index int) []byte {
	out := make([]byte, 32)
	v := uint64(seed)*1_000_003 + uint64(index)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}
