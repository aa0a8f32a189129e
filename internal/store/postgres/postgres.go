// Package postgres is the durable LedgerStore. Every Apply runs as a single
// repeatable-read transaction with rows locked in sorted-key order, so the
// change set commits entirely or not at all.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/store"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

type Store struct {
	db *pgxpool.Pool
}

var _ store.LedgerStore = (*Store)(nil)

// New connects a pool and verifies it with a ping.
func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

// NewWithPool wraps an existing pool (used by cmd wiring and tests).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Close() {
	s.db.Close()
}

const accountColumns = `id, staked_balance, stake_start_time, last_accrual_time,
	allowance_granted, allowance_spent, tips_allocated, tips_claimed,
	wallet_balance, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acct domain.Account
	var staked, granted, spent, allocated, claimed, wallet int64
	err := row.Scan(&acct.ID, &staked, &acct.StakeStartTime, &acct.LastAccrualTime,
		&granted, &spent, &allocated, &claimed, &wallet,
		&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	acct.StakedBalance = uint64(staked)
	acct.AllowanceGranted = uint64(granted)
	acct.AllowanceSpent = uint64(spent)
	acct.TipsAllocated = uint64(allocated)
	acct.TipsClaimed = uint64(claimed)
	acct.WalletBalance = uint64(wallet)
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, err := scanAccount(s.db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Absent accounts read as all-zero; they materialize on first write.
			return domain.Account{ID: id}, nil
		}
		return domain.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) GetGlobalState(ctx context.Context) (domain.GlobalState, error) {
	var g domain.GlobalState
	var staked, reserve int64
	var rate int32
	var version int64
	err := s.db.QueryRow(ctx, `
		SELECT total_staked, custody_reserve, daily_rate_bps, rate_version, updated_at
		FROM global_state WHERE id = 1`).
		Scan(&staked, &reserve, &rate, &version, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GlobalState{}, nil
		}
		return domain.GlobalState{}, err
	}
	g.TotalStaked = uint64(staked)
	g.CustodyReserve = uint64(reserve)
	g.DailyRateBasisPoints = uint32(rate)
	g.RateVersion = uint64(version)
	return g, nil
}

func (s *Store) GetTip(ctx context.Context, key string) (domain.TipRecord, error) {
	var tip domain.TipRecord
	var amount int64
	err := s.db.QueryRow(ctx, `
		SELECT key, sender, recipient, amount, status, created_at
		FROM tips WHERE key = $1`, key).
		Scan(&tip.Key, &tip.Sender, &tip.Recipient, &amount, &tip.Status, &tip.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TipRecord{}, domain.ErrTipNotFound
		}
		return domain.TipRecord{}, err
	}
	tip.Amount = uint64(amount)
	return tip, nil
}

func (s *Store) ListPendingTips(ctx context.Context, recipient string) ([]domain.TipRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, sender, recipient, amount, status, created_at
		FROM tips WHERE recipient = $1 AND status = $2
		ORDER BY created_at, key`, recipient, domain.TipAllocated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TipRecord
	for rows.Next() {
		var tip domain.TipRecord
		var amount int64
		if err := rows.Scan(&tip.Key, &tip.Sender, &tip.Recipient, &amount, &tip.Status, &tip.CreatedAt); err != nil {
			return nil, err
		}
		tip.Amount = uint64(amount)
		out = append(out, tip)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, type, account, counterparty, amount, spent_total, granted_total,
		       tip_key, rate, mode, at
		FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var amount, spent, granted int64
		var rate int32
		var mode string
		if err := rows.Scan(&evt.Seq, &evt.Type, &evt.Account, &evt.Counterparty,
			&amount, &spent, &granted, &evt.TipKey, &rate, &mode, &evt.At); err != nil {
			return nil, err
		}
		evt.Amount = uint64(amount)
		evt.SpentTotal = uint64(spent)
		evt.GrantedTotal = uint64(granted)
		evt.Rate = uint32(rate)
		evt.Mode = domain.ClaimMode(mode)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Apply commits the change set in one transaction.
func (s *Store) Apply(ctx context.Context, cs store.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock touched account rows in sorted order to prevent deadlocks between
	// concurrent change sets (same discipline for inserts: the upsert below
	// runs in the same order).
	ids := make([]string, 0, len(cs.Accounts))
	byID := make(map[string]domain.Account, len(cs.Accounts))
	for _, acct := range cs.Accounts {
		ids = append(ids, acct.ID)
		byID[acct.ID] = acct
	}
	sort.Strings(ids)

	for _, id := range ids {
		var dummy string
		err := tx.QueryRow(ctx, "SELECT id FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&dummy)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return mapPgError(err, "lock acquisition failed")
		}
	}

	now := time.Now().UTC()
	for _, id := range ids {
		acct := byID[id]
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, staked_balance, stake_start_time, last_accrual_time,
				allowance_granted, allowance_spent, tips_allocated, tips_claimed,
				wallet_balance, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT (id) DO UPDATE SET
				staked_balance = EXCLUDED.staked_balance,
				stake_start_time = EXCLUDED.stake_start_time,
				last_accrual_time = EXCLUDED.last_accrual_time,
				allowance_granted = EXCLUDED.allowance_granted,
				allowance_spent = EXCLUDED.allowance_spent,
				tips_allocated = EXCLUDED.tips_allocated,
				tips_claimed = EXCLUDED.tips_claimed,
				wallet_balance = EXCLUDED.wallet_balance,
				updated_at = EXCLUDED.updated_at`,
			acct.ID, int64(acct.StakedBalance), acct.StakeStartTime, acct.LastAccrualTime,
			int64(acct.AllowanceGranted), int64(acct.AllowanceSpent),
			int64(acct.TipsAllocated), int64(acct.TipsClaimed),
			int64(acct.WalletBalance), now)
		if err != nil {
			return mapPgError(err, "account upsert failed")
		}
	}

	if cs.Global != nil {
		g := cs.Global
		_, err := tx.Exec(ctx, `
			INSERT INTO global_state (id, total_staked, custody_reserve, daily_rate_bps, rate_version, updated_at)
			VALUES (1, $1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				total_staked = EXCLUDED.total_staked,
				custody_reserve = EXCLUDED.custody_reserve,
				daily_rate_bps = EXCLUDED.daily_rate_bps,
				rate_version = EXCLUDED.rate_version,
				updated_at = EXCLUDED.updated_at`,
			int64(g.TotalStaked), int64(g.CustodyReserve),
			int32(g.DailyRateBasisPoints), int64(g.RateVersion), now)
		if err != nil {
			return mapPgError(err, "global state update failed")
		}
	}

	for _, tip := range cs.InsertTips {
		_, err := tx.Exec(ctx, `
			INSERT INTO tips (key, sender, recipient, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			tip.Key, tip.Sender, tip.Recipient, int64(tip.Amount), tip.Status, tip.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return domain.ErrDuplicateTip
			}
			return mapPgError(err, "tip insert failed")
		}
	}

	for _, key := range cs.ClaimTipKeys {
		tag, err := tx.Exec(ctx,
			"UPDATE tips SET status = $1 WHERE key = $2 AND status = $3",
			domain.TipClaimed, key, domain.TipAllocated)
		if err != nil {
			return mapPgError(err, "tip claim failed")
		}
		if tag.RowsAffected() != 1 {
			// Already claimed or never existed; either way the change set is invalid.
			return domain.ErrDuplicateTip
		}
	}

	for _, evt := range cs.Events {
		_, err := tx.Exec(ctx, `
			INSERT INTO events (type, account, counterparty, amount, spent_total,
				granted_total, tip_key, rate, mode, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			evt.Type, evt.Account, evt.Counterparty, int64(evt.Amount),
			int64(evt.SpentTotal), int64(evt.GrantedTotal),
			evt.TipKey, int32(evt.Rate), string(evt.Mode), evt.At)
		if err != nil {
			return mapPgError(err, "event append failed")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err, "tx commit failed")
	}
	return nil
}

func mapPgError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
		return domain.ErrContention
	}
	return fmt.Errorf("%s: %w", msg, err)
}
