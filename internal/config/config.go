package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL   string
	DatabaseOn    bool
	ServerAddr    string
	MigrationsDir string

	CompetitionName     string
	MinAgents           int
	RegistrationTimeout time.Duration
	CompetitionTimeout  time.Duration
	Seed                int64

	NbGoods          int
	MoneyEndowment   int64
	Fee              int64
	BaseGoodAmount   int
	LowerBoundFactor int
	UpperBoundFactor int

	NbAgents         int
	ServicesInterval time.Duration
	PendingTimeout   time.Duration
	MaxReactions     int
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" && parseBool(getenv("DATABASE_ON", "false"), false) {
		user := getenv("POSTGRES_USER", "arena")
		pass := getenv("POSTGRES_PASSWORD", "arena_pass")
		db := getenv("POSTGRES_DB", "arena")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		DatabaseURL:   dsn,
		DatabaseOn:    dsn != "",
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "migrations"),

		CompetitionName:     getenv("COMPETITION_NAME", "market-arena"),
		MinAgents:           parseInt(getenv("MIN_AGENTS", "2"), 2),
		RegistrationTimeout: parseDuration(getenv("REGISTRATION_TIMEOUT", "30s"), 30*time.Second),
		CompetitionTimeout:  parseDuration(getenv("COMPETITION_TIMEOUT", "2m"), 2*time.Minute),
		Seed:                parseInt64(getenv("GAME_SEED", "42"), 42),

		NbGoods:          parseInt(getenv("NB_GOODS", "10"), 10),
		MoneyEndowment:   parseInt64(getenv("MONEY_ENDOWMENT", "200"), 200),
		Fee:              parseInt64(getenv("TRANSACTION_FEE", "1"), 1),
		BaseGoodAmount:   parseInt(getenv("BASE_GOOD_AMOUNT", "2"), 2),
		LowerBoundFactor: parseInt(getenv("LOWER_BOUND_FACTOR", "0"), 0),
		UpperBoundFactor: parseInt(getenv("UPPER_BOUND_FACTOR", "0"), 0),

		NbAgents:         parseInt(getenv("NB_AGENTS", "5"), 5),
		ServicesInterval: parseDuration(getenv("SERVICES_INTERVAL", "5s"), 5*time.Second),
		PendingTimeout:   parseDuration(getenv("PENDING_TIMEOUT", "2m"), 2*time.Minute),
		MaxReactions:     parseInt(getenv("MAX_REACTIONS", "100"), 100),
	}

	if cfg.MinAgents < 2 {
		return nil, fmt.Errorf("MIN_AGENTS must be at least 2, got %d", cfg.MinAgents)
	}
	if cfg.NbGoods < 1 {
		return nil, fmt.Errorf("NB_GOODS must be positive, got %d", cfg.NbGoods)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseInt64(val string, def int64) int64 {
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
