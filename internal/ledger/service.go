// Package ledger is the core accounting engine: staking, allowance accrual,
// tip transfer, and claims. Every mutating operation executes as one atomic
// change set against the store while the touched accounts are held under
// address-ordered locks, so per-account effects are serializable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tipledger/internal/accrual"
	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/events"
	"github.com/punchamoorthee/tipledger/internal/store"
	"github.com/punchamoorthee/tipledger/internal/tipkey"
)

const (
	applyAttempts = 3
	applyBackoff  = 25 * time.Millisecond
)

// Options tune policy knobs; zero values are usable defaults.
type Options struct {
	// MinStake rejects dust stakes below this many smallest units.
	MinStake uint64
	// AdminAccount is the only actor allowed to call administrative
	// operations. Empty disables the admin surface entirely.
	AdminAccount string
	// Publisher, when set, receives committed events best-effort. The store
	// log is the source of truth; publish failures are not surfaced.
	Publisher events.Publisher
}

type Service struct {
	store store.LedgerStore
	opts  Options

	mapMu sync.Mutex
	locks map[string]*sync.Mutex

	// globalMu serializes read-modify-write of the global singleton. It is
	// always acquired after any account locks.
	globalMu sync.Mutex
}

func New(st store.LedgerStore, opts Options) *Service {
	return &Service{
		store: st,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}
}

// BatchItem is one element of a batch tip.
type BatchItem struct {
	Recipient string
	Amount    uint64
}

func (s *Service) accountLock(id string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// lockAccounts acquires the accounts' locks in lexicographic order and
// returns the matching unlock. Fixed global order prevents deadlock between
// operations touching overlapping account sets.
func (s *Service) lockAccounts(ids ...string) func() {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	held := make([]*sync.Mutex, 0, len(unique))
	for _, id := range unique {
		mu := s.accountLock(id)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// applyWithRetry retries contended applies with linear backoff, surfacing
// domain.ErrContention once the budget is spent. Business rejections pass
// through untouched.
func (s *Service) applyWithRetry(ctx context.Context, cs store.ChangeSet) error {
	var err error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		err = s.store.Apply(ctx, cs)
		if !errors.Is(err, domain.ErrContention) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyBackoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		return err
	}
	if s.opts.Publisher != nil && len(cs.Events) > 0 {
		// Fan-out is a projection feed; the committed store log already holds
		// the events, so a publish failure is not an operation failure.
		_ = s.opts.Publisher.Publish(ctx, cs.Events)
	}
	return nil
}

// Stake deposits amount into the account's staked balance. The deposit enters
// custody, so TotalStaked and CustodyReserve move together.
func (s *Service) Stake(ctx context.Context, account string, amount uint64, now time.Time) (domain.AccountView, error) {
	if amount == 0 {
		return domain.AccountView{}, domain.ErrInvalidAmount
	}
	if amount < s.opts.MinStake {
		return domain.AccountView{}, fmt.Errorf("%w: minimum %d", domain.ErrBelowMinimumStake, s.opts.MinStake)
	}

	unlock := s.lockAccounts(account)
	defer unlock()
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	acct, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return domain.AccountView{}, err
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return domain.AccountView{}, err
	}
	if acct.StakedBalance > math.MaxUint64-amount {
		return domain.AccountView{}, domain.ErrInvalidAmount
	}

	// Settle allowance at the pre-deposit balance before the stake changes.
	accrual.Accrue(&acct, global.DailyRateBasisPoints, now)

	acct.StakedBalance += amount
	if acct.StakeStartTime == nil {
		t := now
		acct.StakeStartTime = &t
	}
	global.TotalStaked += amount
	global.CustodyReserve += amount

	cs := store.ChangeSet{
		Accounts: []domain.Account{acct},
		Global:   &global,
		Events: []domain.Event{{
			Type:         domain.EventStake,
			Account:      account,
			Amount:       amount,
			GrantedTotal: acct.AllowanceGranted,
			At:           now,
		}},
	}
	if err := s.applyWithRetry(ctx, cs); err != nil {
		return domain.AccountView{}, err
	}
	return acct.View(), nil
}

// Unstake withdraws amount of staked tokens from custody. Already-granted
// allowance is kept: allowance, once granted, is independent of current stake.
func (s *Service) Unstake(ctx context.Context, account string, amount uint64, now time.Time) (domain.AccountView, error) {
	if amount == 0 {
		return domain.AccountView{}, domain.ErrInvalidAmount
	}

	unlock := s.lockAccounts(account)
	defer unlock()
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	acct, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return domain.AccountView{}, err
	}
	if amount > acct.StakedBalance {
		return domain.AccountView{}, fmt.Errorf("%w: staked %d, requested %d",
			domain.ErrInsufficientStake, acct.StakedBalance, amount)
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return domain.AccountView{}, err
	}

	// Settle allowance earned by the full balance up to now before reducing it.
	accrual.Accrue(&acct, global.DailyRateBasisPoints, now)

	acct.StakedBalance -= amount
	if acct.StakedBalance == 0 {
		acct.StakeStartTime = nil
	}
	global.TotalStaked -= amount
	global.CustodyReserve -= amount

	cs := store.ChangeSet{
		Accounts: []domain.Account{acct},
		Global:   &global,
		Events: []domain.Event{{
			Type:         domain.EventUnstake,
			Account:      account,
			Amount:       amount,
			GrantedTotal: acct.AllowanceGranted,
			At:           now,
		}},
	}
	if err := s.applyWithRetry(ctx, cs); err != nil {
		return domain.AccountView{}, err
	}
	return acct.View(), nil
}

// SendTip moves amount from the sender's available allowance into the
// recipient's allocated bucket. No custody moves: allocation is a ledger-
// internal reservation, which is what prevents spent allowance from ever
// coming back to the sender as liquid balance.
func (s *Service) SendTip(ctx context.Context, sender, recipient string, amount uint64, key string, now time.Time) (domain.TipRecord, error) {
	if sender == recipient {
		return domain.TipRecord{}, domain.ErrSelfTip
	}
	if amount == 0 {
		return domain.TipRecord{}, domain.ErrInvalidAmount
	}
	if err := tipkey.Validate(key); err != nil {
		return domain.TipRecord{}, err
	}

	unlock := s.lockAccounts(sender, recipient)
	defer unlock()

	// Cheap pre-check; the store's unique insert is the authoritative guard.
	if _, err := s.store.GetTip(ctx, key); err == nil {
		return domain.TipRecord{}, domain.ErrDuplicateTip
	} else if !errors.Is(err, domain.ErrTipNotFound) {
		return domain.TipRecord{}, err
	}

	send, err := s.store.GetAccount(ctx, sender)
	if err != nil {
		return domain.TipRecord{}, err
	}
	recv, err := s.store.GetAccount(ctx, recipient)
	if err != nil {
		return domain.TipRecord{}, err
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return domain.TipRecord{}, err
	}

	accrual.Accrue(&send, global.DailyRateBasisPoints, now)
	if available := send.AvailableAllowance(); available < amount {
		return domain.TipRecord{}, fmt.Errorf("%w: available %d, requested %d",
			domain.ErrInsufficientAllowance, available, amount)
	}
	if recv.TipsAllocated > math.MaxUint64-amount {
		return domain.TipRecord{}, domain.ErrInvalidAmount
	}

	send.AllowanceSpent += amount
	recv.TipsAllocated += amount

	tip := domain.TipRecord{
		Key:       key,
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Status:    domain.TipAllocated,
		CreatedAt: now,
	}
	cs := store.ChangeSet{
		Accounts:   []domain.Account{send, recv},
		InsertTips: []domain.TipRecord{tip},
		Events: []domain.Event{{
			Type:         domain.EventTip,
			Account:      sender,
			Counterparty: recipient,
			Amount:       amount,
			SpentTotal:   send.AllowanceSpent,
			GrantedTotal: send.AllowanceGranted,
			TipKey:       key,
			At:           now,
		}},
	}
	if err := s.applyWithRetry(ctx, cs); err != nil {
		return domain.TipRecord{}, err
	}
	return tip, nil
}

// SendTipsBatch applies the per-element checks of SendTip and commits the
// whole batch as one change set: either every tip lands or none does.
func (s *Service) SendTipsBatch(ctx context.Context, sender string, items []BatchItem, keys []string, now time.Time) ([]domain.TipRecord, error) {
	if len(items) == 0 {
		return nil, domain.ErrInvalidBatch
	}
	if len(items) != len(keys) {
		return nil, domain.ErrMalformedBatch
	}

	var total uint64
	seenKeys := make(map[string]struct{}, len(keys))
	accounts := []string{sender}
	for i, item := range items {
		if item.Recipient == sender {
			return nil, domain.ErrSelfTip
		}
		if item.Amount == 0 {
			return nil, domain.ErrInvalidAmount
		}
		if err := tipkey.Validate(keys[i]); err != nil {
			return nil, err
		}
		if _, dup := seenKeys[keys[i]]; dup {
			return nil, domain.ErrDuplicateTip
		}
		seenKeys[keys[i]] = struct{}{}
		if item.Amount > math.MaxUint64-total {
			return nil, domain.ErrInvalidAmount
		}
		total += item.Amount
		accounts = append(accounts, item.Recipient)
	}

	unlock := s.lockAccounts(accounts...)
	defer unlock()

	for _, key := range keys {
		if _, err := s.store.GetTip(ctx, key); err == nil {
			return nil, domain.ErrDuplicateTip
		} else if !errors.Is(err, domain.ErrTipNotFound) {
			return nil, err
		}
	}

	send, err := s.store.GetAccount(ctx, sender)
	if err != nil {
		return nil, err
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return nil, err
	}

	accrual.Accrue(&send, global.DailyRateBasisPoints, now)
	if available := send.AvailableAllowance(); available < total {
		return nil, fmt.Errorf("%w: available %d, requested %d",
			domain.ErrInsufficientAllowance, available, total)
	}
	send.AllowanceSpent += total

	recipients := make(map[string]domain.Account)
	tips := make([]domain.TipRecord, 0, len(items))
	evts := make([]domain.Event, 0, len(items))
	for i, item := range items {
		recv, ok := recipients[item.Recipient]
		if !ok {
			recv, err = s.store.GetAccount(ctx, item.Recipient)
			if err != nil {
				return nil, err
			}
		}
		if recv.TipsAllocated > math.MaxUint64-item.Amount {
			return nil, domain.ErrInvalidAmount
		}
		recv.TipsAllocated += item.Amount
		recipients[item.Recipient] = recv

		tips = append(tips, domain.TipRecord{
			Key:       keys[i],
			Sender:    sender,
			Recipient: item.Recipient,
			Amount:    item.Amount,
			Status:    domain.TipAllocated,
			CreatedAt: now,
		})
		evts = append(evts, domain.Event{
			Type:         domain.EventTip,
			Account:      sender,
			Counterparty: item.Recipient,
			Amount:       item.Amount,
			SpentTotal:   send.AllowanceSpent,
			GrantedTotal: send.AllowanceGranted,
			TipKey:       keys[i],
			At:           now,
		})
	}

	changed := []domain.Account{send}
	for _, recv := range recipients {
		changed = append(changed, recv)
	}
	cs := store.ChangeSet{
		Accounts:   changed,
		InsertTips: tips,
		Events:     evts,
	}
	if err := s.applyWithRetry(ctx, cs); err != nil {
		return nil, err
	}
	return tips, nil
}

// Claim drains the recipient's entire claimable balance into the wallet
// balance or back into stake, flipping every pending tip record to claimed in
// the same change set. Claim-to-stake is never observable as claimed-but-not-
// staked.
func (s *Service) Claim(ctx context.Context, recipient string, now time.Time, mode domain.ClaimMode) (uint64, error) {
	if mode != domain.ClaimToBalance && mode != domain.ClaimToStake {
		return 0, fmt.Errorf("%w: unknown claim mode %q", domain.ErrInvalidAmount, mode)
	}

	unlock := s.lockAccounts(recipient)
	defer unlock()
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	acct, err := s.store.GetAccount(ctx, recipient)
	if err != nil {
		return 0, err
	}
	amount := acct.Claimable()
	if amount == 0 {
		return 0, domain.ErrNothingToClaim
	}

	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return 0, err
	}
	// Claims are funded from custody not backing outstanding stake. Both
	// modes consume surplus: ToBalance pays it out, ToStake converts it into
	// staked custody.
	if surplus := global.Surplus(); amount > surplus {
		return 0, fmt.Errorf("%w: surplus %d, required %d",
			domain.ErrInsufficientReserve, surplus, amount)
	}

	pending, err := s.store.ListPendingTips(ctx, recipient)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(pending))
	for _, tip := range pending {
		keys = append(keys, tip.Key)
	}

	acct.TipsClaimed += amount
	switch mode {
	case domain.ClaimToBalance:
		acct.WalletBalance += amount
		global.CustodyReserve -= amount
	case domain.ClaimToStake:
		accrual.Accrue(&acct, global.DailyRateBasisPoints, now)
		acct.StakedBalance += amount
		if acct.StakeStartTime == nil {
			t := now
			acct.StakeStartTime = &t
		}
		global.TotalStaked += amount
	}

	cs := store.ChangeSet{
		Accounts:     []domain.Account{acct},
		Global:       &global,
		ClaimTipKeys: keys,
		Events: []domain.Event{{
			Type:         domain.EventClaim,
			Account:      recipient,
			Amount:       amount,
			GrantedTotal: acct.AllowanceGranted,
			Mode:         mode,
			At:           now,
		}},
	}
	if err := s.applyWithRetry(ctx, cs); err != nil {
		return 0, err
	}
	return amount, nil
}

// GetAccountView reads the stored projection without accruing; reads stay
// free of hidden writes. Use PreviewAllowance for a live figure.
func (s *Service) GetAccountView(ctx context.Context, account string) (domain.AccountView, error) {
	acct, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return domain.AccountView{}, err
	}
	return acct.View(), nil
}

// PreviewAllowance computes the allowance the account would have if accrual
// ran at now. Nothing is persisted.
func (s *Service) PreviewAllowance(ctx context.Context, account string, now time.Time) (uint64, error) {
	acct, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return 0, err
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return 0, err
	}
	accrual.Accrue(&acct, global.DailyRateBasisPoints, now)
	return acct.AvailableAllowance(), nil
}

// GetTip looks up a tip record by idempotency key.
func (s *Service) GetTip(ctx context.Context, key string) (domain.TipRecord, error) {
	return s.store.GetTip(ctx, key)
}

// GetGlobalState returns the singleton row.
func (s *Service) GetGlobalState(ctx context.Context) (domain.GlobalState, error) {
	return s.store.GetGlobalState(ctx)
}

func (s *Service) authorize(actor string) error {
	if s.opts.AdminAccount == "" || actor != s.opts.AdminAccount {
		return domain.ErrNotAuthorized
	}
	return nil
}

// SetDailyRate changes the allowance policy rate. Every change is an event
// with a bumped version so historical accruals stay reproducible.
func (s *Service) SetDailyRate(ctx context.Context, actor string, rateBps uint32, now time.Time) error {
	if err := s.authorize(actor); err != nil {
		return err
	}
	if rateBps > domain.MaxDailyRateBasisPoints {
		return fmt.Errorf("%w: %d > %d", domain.ErrRateTooHigh, rateBps, domain.MaxDailyRateBasisPoints)
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return err
	}
	global.DailyRateBasisPoints = rateBps
	global.RateVersion++

	return s.applyWithRetry(ctx, store.ChangeSet{
		Global: &global,
		Events: []domain.Event{{
			Type:    domain.EventRateChange,
			Account: actor,
			Rate:    rateBps,
			At:      now,
		}},
	})
}

// FundReserve tops up the custody surplus that claims pay out of.
func (s *Service) FundReserve(ctx context.Context, actor string, amount uint64, now time.Time) error {
	if err := s.authorize(actor); err != nil {
		return err
	}
	if amount == 0 {
		return domain.ErrInvalidAmount
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return err
	}
	if global.CustodyReserve > math.MaxUint64-amount {
		return domain.ErrInvalidAmount
	}
	global.CustodyReserve += amount

	return s.applyWithRetry(ctx, store.ChangeSet{
		Global: &global,
		Events: []domain.Event{{
			Type:    domain.EventReserveFund,
			Account: actor,
			Amount:  amount,
			At:      now,
		}},
	})
}

// ResetAccountTipState is the operator-level correction for drifted allowance
// counters.
func (s *Service) ResetAccountTipState(ctx context.Context, actor, account string, granted, spent uint64, now time.Time) error {
	if err := s.authorize(actor); err != nil {
		return err
	}
	if spent > granted {
		return domain.ErrInvalidReset
	}

	unlock := s.lockAccounts(account)
	defer unlock()

	acct, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return err
	}
	acct.AllowanceGranted = granted
	acct.AllowanceSpent = spent

	return s.applyWithRetry(ctx, store.ChangeSet{
		Accounts: []domain.Account{acct},
		Events: []domain.Event{{
			Type:         domain.EventReset,
			Account:      account,
			Counterparty: actor,
			SpentTotal:   spent,
			GrantedTotal: granted,
			At:           now,
		}},
	})
}

// AccrueAll sweeps accrual across every staked account. Housekeeping only:
// correctness never depends on this running, since every mutating operation
// accrues lazily first.
func (s *Service) AccrueAll(ctx context.Context, now time.Time) (int, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	global, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, stale := range accounts {
		if stale.StakedBalance == 0 {
			continue
		}
		if err := func() error {
			unlock := s.lockAccounts(stale.ID)
			defer unlock()

			acct, err := s.store.GetAccount(ctx, stale.ID)
			if err != nil {
				return err
			}
			if accrual.Accrue(&acct, global.DailyRateBasisPoints, now) == 0 {
				return nil
			}
			err = s.applyWithRetry(ctx, store.ChangeSet{
				Accounts: []domain.Account{acct},
				Events: []domain.Event{{
					Type:         domain.EventAccrue,
					Account:      acct.ID,
					GrantedTotal: acct.AllowanceGranted,
					At:           now,
				}},
			})
			if err == nil {
				swept++
			}
			return err
		}(); err != nil {
			return swept, err
		}
	}
	return swept, nil
}
