package accrual

import (
	"math"
	"testing"
	"time"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

func TestDelta_FullDayAtOnePercent(t *testing.T) {
	// 100 units staked at 100 bps for 86400s earns exactly 1 unit.
	if got := Delta(100, 100, 86400); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestDelta_RoundsDown(t *testing.T) {
	// Half a day at 1%/day on 100 units is 0.5, rounded down to 0.
	if got := Delta(100, 100, 43200); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	// Just under a full day also rounds down.
	if got := Delta(100, 100, 86399); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestDelta_ZeroInputs(t *testing.T) {
	if Delta(0, 100, 86400) != 0 {
		t.Fatal("zero stake must accrue nothing")
	}
	if Delta(100, 0, 86400) != 0 {
		t.Fatal("zero rate must accrue nothing")
	}
	if Delta(100, 100, 0) != 0 {
		t.Fatal("zero elapsed must accrue nothing")
	}
}

func TestDelta_LargeStakeNoOverflow(t *testing.T) {
	// A maximal stake for one day at the rate ceiling must not wrap.
	got := Delta(math.MaxUint64, 1000, 86400)
	want := uint64(math.MaxUint64) / 10
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestAccrue_IdempotentAtSameInstant(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	acct := domain.Account{ID: "a", StakedBalance: 1000, LastAccrualTime: now.Add(-24 * time.Hour)}

	first := Accrue(&acct, 100, now)
	if first != 10 {
		t.Fatalf("expected 10 accrued, got %d", first)
	}
	second := Accrue(&acct, 100, now)
	if second != 0 {
		t.Fatalf("second accrue at same instant must grant 0, got %d", second)
	}
	if acct.AllowanceGranted != 10 {
		t.Fatalf("granted drifted: %d", acct.AllowanceGranted)
	}
}

func TestAccrue_ClockNeverMovesBackwards(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	acct := domain.Account{ID: "a", StakedBalance: 1000, LastAccrualTime: now}

	if got := Accrue(&acct, 100, now.Add(-time.Hour)); got != 0 {
		t.Fatalf("backdated accrue must grant 0, got %d", got)
	}
	if !acct.LastAccrualTime.Equal(now) {
		t.Fatalf("last accrual time moved backwards: %v", acct.LastAccrualTime)
	}
}

func TestAccrue_FirstTouchInitializesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	acct := domain.Account{ID: "a", StakedBalance: 1000}

	if got := Accrue(&acct, 100, now); got != 0 {
		t.Fatalf("first touch must not backdate accrual, got %d", got)
	}
	if !acct.LastAccrualTime.Equal(now) {
		t.Fatalf("clock not initialized: %v", acct.LastAccrualTime)
	}
}
