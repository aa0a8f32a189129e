package main

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/tipledger/internal/api"
	"github.com/punchamoorthee/tipledger/internal/config"
	"github.com/punchamoorthee/tipledger/internal/events"
	eventskafka "github.com/punchamoorthee/tipledger/internal/events/kafka"
	"github.com/punchamoorthee/tipledger/internal/housekeeping"
	"github.com/punchamoorthee/tipledger/internal/ledger"
	"github.com/punchamoorthee/tipledger/internal/store"
	"github.com/punchamoorthee/tipledger/internal/store/memory"
	"github.com/punchamoorthee/tipledger/internal/store/postgres"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "tipledger").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Env == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	var ledgerStore store.LedgerStore
	if cfg.DBSource != "" {
		pg, err := postgres.New(cfg.DBSource)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer pg.Close()
		ledgerStore = pg
	} else {
		log.Warn().Msg("DB_SOURCE not set, using in-memory store (state is not durable)")
		ledgerStore = memory.New()
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := eventskafka.NewPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
		log.Info().Strs("brokers", cfg.KafkaBrokers).Msg("kafka event fan-out enabled")
	}

	svc := ledger.New(ledgerStore, ledger.Options{
		MinStake:     cfg.MinStake,
		AdminAccount: cfg.AdminAccount,
		Publisher:    publisher,
	})

	if cfg.AccrualSchedule != "" {
		accruer := housekeeping.NewAccruer(svc, log)
		if err := accruer.Start(cfg.AccrualSchedule); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.AccrualSchedule).Msg("invalid accrual schedule")
		}
		defer accruer.Stop()
	}

	handler := api.NewHandler(svc, cfg.AdminToken, cfg.AdminAccount, cfg.TokenDecimals)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r.PathPrefix("/api/v1").Subrouter())

	log.Info().Str("port", cfg.Port).Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
