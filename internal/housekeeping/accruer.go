// Package housekeeping runs the periodic accrual sweep. The sweep exists for
// analytics freshness only: every mutating ledger operation accrues lazily,
// so nothing breaks if this never fires.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/tipledger/internal/ledger"
)

type Accruer struct {
	ledger *ledger.Service
	cron   *cron.Cron
	log    zerolog.Logger
}

func NewAccruer(svc *ledger.Service, log zerolog.Logger) *Accruer {
	return &Accruer{
		ledger: svc,
		cron:   cron.New(),
		log:    log,
	}
}

// Start schedules the sweep with the given cron expression.
func (a *Accruer) Start(schedule string) error {
	_, err := a.cron.AddFunc(schedule, a.sweep)
	if err != nil {
		return err
	}
	a.cron.Start()
	a.log.Info().Str("schedule", schedule).Msg("accrual sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (a *Accruer) Stop() {
	<-a.cron.Stop().Done()
}

func (a *Accruer) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := a.ledger.AccrueAll(ctx, time.Now().UTC())
	if err != nil {
		a.log.Warn().Err(err).Int("swept", swept).Msg("accrual sweep failed")
		return
	}
	a.log.Info().Int("swept", swept).Msg("accrual sweep complete")
}
