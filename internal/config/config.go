package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBSource is the postgres connection string. Empty selects the
	// in-memory store (local development only).
	DBSource string
	Port     string
	Env      string

	// AdminAccount is the ledger identity of the operator; AdminToken gates
	// the admin HTTP surface.
	AdminAccount string
	AdminToken   string

	// MinStake is the smallest accepted stake deposit, in smallest units.
	MinStake uint64
	// TokenDecimals controls decimal formatting at the API boundary.
	TokenDecimals int32

	// KafkaBrokers enables event fan-out when non-empty.
	KafkaBrokers []string
	// AccrualSchedule is a cron expression for the housekeeping sweep.
	// Empty disables it; the ledger does not depend on it.
	AccrualSchedule string
}

func Load() (*Config, error) {
	// Best-effort .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:        os.Getenv("DB_SOURCE"),
		Port:            getenvDefault("SERVER_PORT", "8080"),
		Env:             getenvDefault("ENVIRONMENT", "development"),
		AdminAccount:    os.Getenv("ADMIN_ACCOUNT"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		AccrualSchedule: os.Getenv("ACCRUAL_SCHEDULE"),
	}

	if v := os.Getenv("MIN_STAKE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MIN_STAKE %q: %w", v, err)
		}
		cfg.MinStake = n
	}

	cfg.TokenDecimals = 6
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_DECIMALS %q: %w", v, err)
		}
		cfg.TokenDecimals = int32(n)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	if cfg.AdminToken == "" && cfg.AdminAccount != "" {
		return nil, fmt.Errorf("ADMIN_TOKEN is required when ADMIN_ACCOUNT is set")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
