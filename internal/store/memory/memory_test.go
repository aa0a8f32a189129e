package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/store"
)

func TestAbsentAccountReadsAsZero(t *testing.T) {
	s := New()
	acct, err := s.GetAccount(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.ID != "ghost" || acct.StakedBalance != 0 || acct.AllowanceGranted != 0 {
		t.Fatalf("absent account not zero: %+v", acct)
	}
}

func TestApplyRejectsDuplicateTipAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	tip := domain.TipRecord{Key: "k1", Sender: "a", Recipient: "b", Amount: 5, Status: domain.TipAllocated, CreatedAt: now}
	if err := s.Apply(ctx, store.ChangeSet{InsertTips: []domain.TipRecord{tip}}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// The second change set carries an account write that must NOT land when
	// the duplicate key rejects the set.
	err := s.Apply(ctx, store.ChangeSet{
		Accounts:   []domain.Account{{ID: "a", AllowanceSpent: 99}},
		InsertTips: []domain.TipRecord{tip},
	})
	if !errors.Is(err, domain.ErrDuplicateTip) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	acct, _ := s.GetAccount(ctx, "a")
	if acct.AllowanceSpent != 0 {
		t.Fatalf("rejected change set partially applied: %+v", acct)
	}
}

func TestApplyRejectsDoubleClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	tip := domain.TipRecord{Key: "k1", Sender: "a", Recipient: "b", Amount: 5, Status: domain.TipAllocated, CreatedAt: now}
	if err := s.Apply(ctx, store.ChangeSet{InsertTips: []domain.TipRecord{tip}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Apply(ctx, store.ChangeSet{ClaimTipKeys: []string{"k1"}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Apply(ctx, store.ChangeSet{ClaimTipKeys: []string{"k1"}}); !errors.Is(err, domain.ErrDuplicateTip) {
		t.Fatalf("expected double-claim rejection, got %v", err)
	}
	if err := s.Apply(ctx, store.ChangeSet{ClaimTipKeys: []string{"missing"}}); !errors.Is(err, domain.ErrTipNotFound) {
		t.Fatalf("expected not-found rejection, got %v", err)
	}
}

func TestPendingTipsOrderedByCreation(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	cs := store.ChangeSet{InsertTips: []domain.TipRecord{
		{Key: "late", Recipient: "b", Status: domain.TipAllocated, CreatedAt: base.Add(time.Minute)},
		{Key: "early", Recipient: "b", Status: domain.TipAllocated, CreatedAt: base},
		{Key: "claimed", Recipient: "b", Status: domain.TipClaimed, CreatedAt: base},
		{Key: "other", Recipient: "c", Status: domain.TipAllocated, CreatedAt: base},
	}}
	if err := s.Apply(ctx, cs); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pending, err := s.ListPendingTips(ctx, "b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].Key != "early" || pending[1].Key != "late" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestEventsAssignSequence(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		cs := store.ChangeSet{Events: []domain.Event{{Type: domain.EventStake, Account: "a", Amount: 1, At: now}}}
		if err := s.Apply(ctx, cs); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	evts, err := s.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	for i, evt := range evts {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
	}
}

func TestCreatedAtPreservedAcrossUpserts(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Apply(ctx, store.ChangeSet{Accounts: []domain.Account{{ID: "a", StakedBalance: 1}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, _ := s.GetAccount(ctx, "a")

	if err := s.Apply(ctx, store.ChangeSet{Accounts: []domain.Account{{ID: "a", StakedBalance: 2}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	second, _ := s.GetAccount(ctx, "a")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at rewritten: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.StakedBalance != 2 {
		t.Fatalf("upsert lost data: %+v", second)
	}
}
