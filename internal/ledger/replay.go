package ledger

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

// Projection is the result of folding the event log: every account plus the
// global state, reconstructed without reading the live tables. Off-ledger
// mirrors (REST caches, bot databases) are expected to be exactly this: a
// rebuildable read-only projection, never an independent writer.
type Projection struct {
	Accounts map[string]domain.Account
	Global   domain.GlobalState
}

// Rebuild folds the store's event log into a Projection. Used for audit and
// recovery: a healthy ledger satisfies Rebuild(state) == live state for every
// field the log covers.
func (s *Service) Rebuild(ctx context.Context) (Projection, error) {
	evts, err := s.store.ListEvents(ctx)
	if err != nil {
		return Projection{}, err
	}
	return Replay(evts)
}

// Replay folds events in sequence order into a Projection.
func Replay(evts []domain.Event) (Projection, error) {
	p := Projection{Accounts: make(map[string]domain.Account)}

	acct := func(id string) domain.Account {
		a, ok := p.Accounts[id]
		if !ok {
			a = domain.Account{ID: id}
		}
		return a
	}

	for _, evt := range evts {
		switch evt.Type {
		case domain.EventStake:
			a := acct(evt.Account)
			a.AllowanceGranted = evt.GrantedTotal
			a.StakedBalance += evt.Amount
			if a.StakeStartTime == nil {
				t := evt.At
				a.StakeStartTime = &t
			}
			a.LastAccrualTime = evt.At
			p.Accounts[evt.Account] = a
			p.Global.TotalStaked += evt.Amount
			p.Global.CustodyReserve += evt.Amount

		case domain.EventUnstake:
			a := acct(evt.Account)
			a.AllowanceGranted = evt.GrantedTotal
			a.StakedBalance -= evt.Amount
			if a.StakedBalance == 0 {
				a.StakeStartTime = nil
			}
			a.LastAccrualTime = evt.At
			p.Accounts[evt.Account] = a
			p.Global.TotalStaked -= evt.Amount
			p.Global.CustodyReserve -= evt.Amount

		case domain.EventTip:
			sender := acct(evt.Account)
			sender.AllowanceGranted = evt.GrantedTotal
			sender.AllowanceSpent = evt.SpentTotal
			sender.LastAccrualTime = evt.At
			p.Accounts[evt.Account] = sender

			recv := acct(evt.Counterparty)
			recv.TipsAllocated += evt.Amount
			p.Accounts[evt.Counterparty] = recv

		case domain.EventClaim:
			a := acct(evt.Account)
			a.TipsClaimed += evt.Amount
			switch evt.Mode {
			case domain.ClaimToBalance:
				a.WalletBalance += evt.Amount
				p.Global.CustodyReserve -= evt.Amount
			case domain.ClaimToStake:
				a.AllowanceGranted = evt.GrantedTotal
				a.StakedBalance += evt.Amount
				if a.StakeStartTime == nil {
					t := evt.At
					a.StakeStartTime = &t
				}
				a.LastAccrualTime = evt.At
				p.Global.TotalStaked += evt.Amount
			default:
				return Projection{}, fmt.Errorf("event %d: unknown claim mode %q", evt.Seq, evt.Mode)
			}
			p.Accounts[evt.Account] = a

		case domain.EventAccrue:
			a := acct(evt.Account)
			a.AllowanceGranted = evt.GrantedTotal
			a.LastAccrualTime = evt.At
			p.Accounts[evt.Account] = a

		case domain.EventRateChange:
			p.Global.DailyRateBasisPoints = evt.Rate
			p.Global.RateVersion++

		case domain.EventReserveFund:
			p.Global.CustodyReserve += evt.Amount

		case domain.EventReset:
			a := acct(evt.Account)
			a.AllowanceGranted = evt.GrantedTotal
			a.AllowanceSpent = evt.SpentTotal
			p.Accounts[evt.Account] = a

		default:
			return Projection{}, fmt.Errorf("event %d: unknown type %q", evt.Seq, evt.Type)
		}
	}
	return p, nil
}
