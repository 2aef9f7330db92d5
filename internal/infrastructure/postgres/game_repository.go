package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/market-arena/market-arena/internal/game"
)

// NewPool opens the connection pool the game repository runs on. The dsn
// comes from the POSTGRES_* settings and is only assembled when
// persistence is switched on.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// GameRepository persists game configurations and settled transactions so a
// finished competition can be replayed.
type GameRepository struct {
	pool *pgxpool.Pool
}

func NewGameRepository(pool *pgxpool.Pool) *GameRepository {
	return &GameRepository{pool: pool}
}

func (r *GameRepository) SaveConfiguration(ctx context.Context, conf game.Configuration) error {
	data, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO games (game_id, configuration)
		VALUES ($1, $2)
		ON CONFLICT (game_id) DO UPDATE SET configuration = EXCLUDED.configuration
	`, conf.GameID, data)
	return err
}

func (r *GameRepository) AppendTransaction(ctx context.Context, gameID uuid.UUID, tx game.Transaction) error {
	quantities, err := json.Marshal(tx.Quantities)
	if err != nil {
		return fmt.Errorf("marshal quantities: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO game_transactions
		(game_id, transaction_id, buyer_id, seller_id, amount, quantities, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, gameID, tx.ID, tx.BuyerID, tx.SellerID, tx.Amount, quantities, tx.Timestamp)
	return err
}

// LoadRecord reads back the configuration and the settled transactions of
// one game in settlement order. It returns nil when the game is unknown.
func (r *GameRepository) LoadRecord(ctx context.Context, gameID uuid.UUID) (*game.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT configuration FROM games WHERE game_id=$1`, gameID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var record game.Record
	if err := json.Unmarshal(data, &record.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT transaction_id, buyer_id, seller_id, amount, quantities, settled_at
		FROM game_transactions WHERE game_id=$1 ORDER BY id
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tx game.Transaction
		var quantities []byte
		if err := rows.Scan(&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.Amount, &quantities, &tx.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(quantities, &tx.Quantities); err != nil {
			return nil, fmt.Errorf("unmarshal quantities: %w", err)
		}
		record.Transactions = append(record.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListGames returns the ids of every persisted game, newest first.
func (r *GameRepository) ListGames(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT game_id FROM games ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
