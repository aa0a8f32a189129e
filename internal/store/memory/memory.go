// Package memory is an in-memory LedgerStore. It is safe for concurrent use
// and is primarily intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
	tips     map[string]domain.TipRecord
	global   domain.GlobalState
	events   []domain.Event
	nextSeq  int64
}

var _ store.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]domain.Account),
		tips:     make(map[string]domain.TipRecord),
		nextSeq:  1,
	}
}

func (s *Store) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return domain.Account{ID: id}, nil
	}
	return cloneAccount(acct), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, cloneAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetGlobalState(_ context.Context) (domain.GlobalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global, nil
}

func (s *Store) GetTip(_ context.Context, key string) (domain.TipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tip, ok := s.tips[key]
	if !ok {
		return domain.TipRecord{}, domain.ErrTipNotFound
	}
	return tip, nil
}

func (s *Store) ListPendingTips(_ context.Context, recipient string) ([]domain.TipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TipRecord
	for _, tip := range s.tips {
		if tip.Recipient == recipient && tip.Status == domain.TipAllocated {
			out = append(out, tip)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListEvents(_ context.Context) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *Store) Apply(_ context.Context, cs store.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state so a rejection leaves the
	// store untouched.
	for _, tip := range cs.InsertTips {
		if _, exists := s.tips[tip.Key]; exists {
			return domain.ErrDuplicateTip
		}
	}
	for _, key := range cs.ClaimTipKeys {
		tip, ok := s.tips[key]
		if !ok {
			return domain.ErrTipNotFound
		}
		if tip.Status == domain.TipClaimed {
			return domain.ErrDuplicateTip
		}
	}

	now := time.Now().UTC()
	for _, acct := range cs.Accounts {
		if existing, ok := s.accounts[acct.ID]; ok {
			acct.CreatedAt = existing.CreatedAt
		} else if acct.CreatedAt.IsZero() {
			acct.CreatedAt = now
		}
		acct.UpdatedAt = now
		s.accounts[acct.ID] = cloneAccount(acct)
	}
	if cs.Global != nil {
		g := *cs.Global
		g.UpdatedAt = now
		s.global = g
	}
	for _, tip := range cs.InsertTips {
		s.tips[tip.Key] = tip
	}
	for _, key := range cs.ClaimTipKeys {
		tip := s.tips[key]
		tip.Status = domain.TipClaimed
		s.tips[key] = tip
	}
	for _, evt := range cs.Events {
		evt.Seq = s.nextSeq
		s.nextSeq++
		s.events = append(s.events, evt)
	}
	return nil
}

func cloneAccount(acct domain.Account) domain.Account {
	if acct.StakeStartTime != nil {
		t := *acct.StakeStartTime
		acct.StakeStartTime = &t
	}
	return acct
}
