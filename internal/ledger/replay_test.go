package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

// Drives the ledger through a representative history, then verifies that
// folding the event log reproduces the live state field by field.
func TestRebuildMatchesLiveState(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	mustStake := func(acct string, amount uint64, now time.Time) {
		t.Helper()
		if _, err := svc.Stake(ctx, acct, amount, now); err != nil {
			t.Fatalf("stake %s: %v", acct, err)
		}
	}

	mustStake("alice", 10000, t0)
	mustStake("bob", 500, t0)
	if err := svc.FundReserve(ctx, admin, 1000, t0); err != nil {
		t.Fatalf("fund: %v", err)
	}

	day := t0.Add(24 * time.Hour)
	if _, err := svc.SendTip(ctx, "alice", "bob", 30, key(t, "alice", "bob", 30, "r1"), day); err != nil {
		t.Fatalf("tip: %v", err)
	}
	if _, err := svc.SendTipsBatch(ctx, "alice",
		[]BatchItem{{Recipient: "bob", Amount: 10}, {Recipient: "carol", Amount: 20}},
		[]string{key(t, "alice", "bob", 10, "r2"), key(t, "alice", "carol", 20, "r3")}, day); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if _, err := svc.Claim(ctx, "bob", day, domain.ClaimToStake); err != nil {
		t.Fatalf("claim to stake: %v", err)
	}
	if _, err := svc.Claim(ctx, "carol", day, domain.ClaimToBalance); err != nil {
		t.Fatalf("claim to balance: %v", err)
	}
	if _, err := svc.Unstake(ctx, "bob", 100, day.Add(time.Hour)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if _, err := svc.AccrueAll(ctx, day.Add(2*time.Hour)); err != nil {
		t.Fatalf("accrue all: %v", err)
	}

	proj, err := svc.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	liveGlobal, _ := svc.GetGlobalState(ctx)
	if proj.Global.TotalStaked != liveGlobal.TotalStaked {
		t.Fatalf("total staked: replay %d, live %d", proj.Global.TotalStaked, liveGlobal.TotalStaked)
	}
	if proj.Global.CustodyReserve != liveGlobal.CustodyReserve {
		t.Fatalf("custody: replay %d, live %d", proj.Global.CustodyReserve, liveGlobal.CustodyReserve)
	}
	if proj.Global.DailyRateBasisPoints != liveGlobal.DailyRateBasisPoints {
		t.Fatalf("rate: replay %d, live %d", proj.Global.DailyRateBasisPoints, liveGlobal.DailyRateBasisPoints)
	}

	live, err := svc.store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, want := range live {
		got, ok := proj.Accounts[want.ID]
		if !ok {
			t.Fatalf("account %s missing from projection", want.ID)
		}
		if got.StakedBalance != want.StakedBalance {
			t.Errorf("%s staked: replay %d, live %d", want.ID, got.StakedBalance, want.StakedBalance)
		}
		if got.AllowanceGranted != want.AllowanceGranted {
			t.Errorf("%s granted: replay %d, live %d", want.ID, got.AllowanceGranted, want.AllowanceGranted)
		}
		if got.AllowanceSpent != want.AllowanceSpent {
			t.Errorf("%s spent: replay %d, live %d", want.ID, got.AllowanceSpent, want.AllowanceSpent)
		}
		if got.TipsAllocated != want.TipsAllocated {
			t.Errorf("%s allocated: replay %d, live %d", want.ID, got.TipsAllocated, want.TipsAllocated)
		}
		if got.TipsClaimed != want.TipsClaimed {
			t.Errorf("%s claimed: replay %d, live %d", want.ID, got.TipsClaimed, want.TipsClaimed)
		}
		if got.WalletBalance != want.WalletBalance {
			t.Errorf("%s wallet: replay %d, live %d", want.ID, got.WalletBalance, want.WalletBalance)
		}
	}
}

func TestReplayRejectsUnknownEvent(t *testing.T) {
	_, err := Replay([]domain.Event{{Seq: 1, Type: "mystery", At: t0}})
	if err == nil {
		t.Fatal("expected unknown event type to fail replay")
	}
}
