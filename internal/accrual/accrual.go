// Package accrual computes time-based allowance grants. It is pure integer
// arithmetic over smallest-unit amounts; nothing here touches storage.
package accrual

import (
	"math"
	"math/bits"
	"time"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

// basis points per whole, seconds per accrual day
const (
	bpsDenominator = 10000
	secondsPerDay  = 86400
)

// Delta returns the allowance earned by a stake of staked units at rateBps
// basis points per day over elapsedSeconds, rounded down.
//
//	delta = staked * rateBps * elapsedSeconds / (10000 * 86400)
//
// The intermediate product is computed in 128 bits so no uint64 stake can
// overflow. A result that would itself exceed uint64 (centuries of elapsed
// time at maximal stake) saturates at MaxUint64; the ledger caps grants
// against the granted counter anyway.
func Delta(staked uint64, rateBps uint32, elapsedSeconds uint64) uint64 {
	if staked == 0 || rateBps == 0 || elapsedSeconds == 0 {
		return 0
	}
	overflow, factor := bits.Mul64(uint64(rateBps), elapsedSeconds)
	if overflow != 0 {
		return math.MaxUint64
	}
	hi, lo := bits.Mul64(staked, factor)
	const denom = uint64(bpsDenominator * secondsPerDay)
	if hi >= denom {
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, denom)
	return quo
}

// Accrue advances acct's allowance to now at the given rate and returns the
// newly granted delta.
//
// Policy: LastAccrualTime always advances to now and the sub-unit remainder
// of the division is forfeited. This loses at most one smallest unit per
// accrual call but keeps every granted amount a pure function of the logged
// (stake, rate, interval) triples, which is what makes replay auditing exact.
// A now at or before LastAccrualTime grants nothing and does not move the
// clock backwards, so accrual is idempotent within the same instant and
// immune to skewed callers.
func Accrue(acct *domain.Account, rateBps uint32, now time.Time) uint64 {
	if acct.LastAccrualTime.IsZero() || !now.After(acct.LastAccrualTime) {
		if acct.LastAccrualTime.IsZero() {
			acct.LastAccrualTime = now
		}
		return 0
	}
	elapsed := uint64(now.Unix() - acct.LastAccrualTime.Unix())
	delta := Delta(acct.StakedBalance, rateBps, elapsed)
	if delta > math.MaxUint64-acct.AllowanceGranted {
		delta = math.MaxUint64 - acct.AllowanceGranted
	}
	acct.AllowanceGranted += delta
	acct.LastAccrualTime = now
	return delta
}
