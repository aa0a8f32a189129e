// Package store defines the persistence contract for the tip ledger. The
// engine owns all business rules; implementations only promise atomicity of
// Apply and duplicate-key rejection on tip inserts.
package store

import (
	"context"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

// ChangeSet is the unit of persistence. Apply commits everything or nothing:
// a duplicate tip key, a missing claim target, or an I/O failure must leave
// the store exactly as it was.
type ChangeSet struct {
	// Accounts are upserted by ID.
	Accounts []domain.Account
	// Global, when set, replaces the singleton global state.
	Global *domain.GlobalState
	// InsertTips are new tip records; any key already present fails the
	// whole change set with domain.ErrDuplicateTip.
	InsertTips []domain.TipRecord
	// ClaimTipKeys flip existing records to TipClaimed.
	ClaimTipKeys []string
	// Events are appended to the transaction log in order. Seq is assigned
	// by the store.
	Events []domain.Event
}

// LedgerStore persists accounts, tip records, the global singleton, and the
// append-only event log.
type LedgerStore interface {
	// GetAccount returns the account, or an all-zero account carrying the
	// requested ID when absent. Absence is not an error.
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	GetGlobalState(ctx context.Context) (domain.GlobalState, error)

	// GetTip returns domain.ErrTipNotFound for unknown keys.
	GetTip(ctx context.Context, key string) (domain.TipRecord, error)
	// ListPendingTips returns the recipient's allocated, unclaimed records.
	ListPendingTips(ctx context.Context, recipient string) ([]domain.TipRecord, error)

	// ListEvents returns the full log in sequence order.
	ListEvents(ctx context.Context) ([]domain.Event, error)

	// Apply commits the change set atomically. Contention that persists past
	// the implementation's own means is surfaced as domain.ErrContention and
	// may be retried by the caller.
	Apply(ctx context.Context, cs ChangeSet) error
}
