package domain

import "time"

// TipStatus tracks the lifecycle of an allocated tip.
type TipStatus string

const (
	TipAllocated TipStatus = "allocated"
	TipClaimed   TipStatus = "claimed"
)

// ClaimMode selects where a claimed amount lands.
type ClaimMode string

const (
	ClaimToBalance ClaimMode = "balance"
	ClaimToStake   ClaimMode = "stake"
)

// MaxDailyRateBasisPoints is the hard ceiling on the daily allowance rate
// (1000 = 10% of stake per day). Admin rate changes above this are rejected.
const MaxDailyRateBasisPoints = 1000

// Account is a ledger account keyed by a stable address-like identifier.
// Accounts are created implicitly on first stake or first tip received and
// never deleted; all monetary fields are cumulative counters in the smallest
// token unit, so balances are always derivable differences.
type Account struct {
	ID               string     `json:"id"`
	StakedBalance    uint64     `json:"staked_balance"`
	StakeStartTime   *time.Time `json:"stake_start_time,omitempty"`
	LastAccrualTime  time.Time  `json:"last_accrual_time"`
	AllowanceGranted uint64     `json:"allowance_granted"`
	AllowanceSpent   uint64     `json:"allowance_spent"`
	TipsAllocated    uint64     `json:"tips_allocated"`
	TipsClaimed      uint64     `json:"tips_claimed"`
	WalletBalance    uint64     `json:"wallet_balance"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AvailableAllowance is the allowance the account can still send.
func (a Account) AvailableAllowance() uint64 {
	return a.AllowanceGranted - a.AllowanceSpent
}

// Claimable is the allocated-but-unclaimed tip balance.
func (a Account) Claimable() uint64 {
	return a.TipsAllocated - a.TipsClaimed
}

// TipRecord is the immutable record of one allowance transfer. Key is the
// caller-supplied idempotency key; exactly one record exists per key and a
// claimed record is terminal.
type TipRecord struct {
	Key       string    `json:"key"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
	Status    TipStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// GlobalState is the singleton system row.
//
// CustodyReserve counts every token the system holds: staked deposits plus
// the operator-funded reward surplus that claims pay out of. The invariant
// CustodyReserve >= TotalStaked must hold at every observation point.
type GlobalState struct {
	TotalStaked          uint64    `json:"total_staked"`
	CustodyReserve       uint64    `json:"custody_reserve"`
	DailyRateBasisPoints uint32    `json:"daily_rate_basis_points"`
	RateVersion          uint64    `json:"rate_version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Surplus is the custody not backing outstanding stake, available for claims.
func (g GlobalState) Surplus() uint64 {
	return g.CustodyReserve - g.TotalStaked
}

// AccountView is the read-only projection served over the API boundary.
type AccountView struct {
	ID                 string `json:"id"`
	StakedBalance      uint64 `json:"staked_balance"`
	AvailableAllowance uint64 `json:"available_allowance"`
	Claimable          uint64 `json:"claimable"`
	TotalReceived      uint64 `json:"total_received"`
	WalletBalance      uint64 `json:"wallet_balance"`
}

// View projects an account into its boundary shape.
func (a Account) View() AccountView {
	return AccountView{
		ID:                 a.ID,
		StakedBalance:      a.StakedBalance,
		AvailableAllowance: a.AvailableAllowance(),
		Claimable:          a.Claimable(),
		TotalReceived:      a.TipsAllocated,
		WalletBalance:      a.WalletBalance,
	}
}

// Event types recorded in the append-only log.
const (
	EventStake       = "stake"
	EventAccrue      = "accrue"
	EventUnstake     = "unstake"
	EventTip         = "tip"
	EventClaim       = "claim"
	EventRateChange  = "rate_change"
	EventReserveFund = "reserve_fund"
	EventReset       = "reset"
)

// Event is one entry of the append-only transaction log. The log is the
// audit trail: folding all events in sequence reconstructs every account and
// the global state (see ledger.Rebuild).
type Event struct {
	Seq          int64     `json:"seq"`
	Type         string    `json:"type"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       uint64    `json:"amount,omitempty"`
	SpentTotal   uint64    `json:"spent_total,omitempty"`
	GrantedTotal uint64    `json:"granted_total,omitempty"`
	TipKey       string    `json:"tip_key,omitempty"`
	Rate         uint32    `json:"rate,omitempty"`
	Mode         ClaimMode `json:"mode,omitempty"`
	At           time.Time `json:"at"`
}
