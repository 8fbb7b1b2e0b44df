package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/allowance"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
	"github.com/atellix/token-agent/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	subscriptions map[string]subscription.Subscription
	allowances    map[chain.Address]allowance.Allowance
	events        []event.Record
}

var _ storage.SubscriptionStore = (*Store)(nil)
var _ storage.AllowanceStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:        1,
		subscriptions: make(map[string]subscription.Subscription),
		allowances:    make(map[chain.Address]allowance.Allowance),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// SubscriptionStore implementation -------------------------------------------

func (s *Store) CreateSubscription(_ context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = s.nextIDLocked()
	} else if _, exists := s.subscriptions[sub.ID]; exists {
		return subscription.Subscription{}, fmt.Errorf("subscription %s already exists", sub.ID)
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.subscriptions[sub.ID]
	if !ok {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", sub.ID)
	}

	sub.CreatedAt = original.CreatedAt
	sub.UpdatedAt = time.Now().UTC()

	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(_ context.Context, user chain.Address) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if user.IsZero() || sub.UserKey == user {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (s *Store) ListDueSubscriptions(_ context.Context, now int64) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.Active && sub.NextRebill <= now {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "subscription %s not found", id)
	}
	delete(s.subscriptions, id)
	return nil
}

// AllowanceStore implementation ----------------------------------------------

func (s *Store) CreateAllowance(_ context.Context, alw allowance.Allowance) (allowance.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alw.Address.IsZero() {
		return allowance.Allowance{}, fmt.Errorf("allowance address is required")
	}
	if _, exists := s.allowances[alw.Address]; exists {
		return allowance.Allowance{}, fmt.Errorf("allowance %s already exists", alw.Address)
	}

	now := time.Now().UTC()
	alw.CreatedAt = now
	alw.UpdatedAt = now

	s.allowances[alw.Address] = alw
	return alw, nil
}

func (s *Store) UpdateAllowance(_ context.Context, alw allowance.Allowance) (allowance.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.allowances[alw.Address]
	if !ok {
		return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "allowance %s not found", alw.Address)
	}

	alw.CreatedAt = original.CreatedAt
	alw.UpdatedAt = time.Now().UTC()

	s.allowances[alw.Address] = alw
	return alw, nil
}

func (s *Store) GetAllowance(_ context.Context, addr chain.Address) (allowance.Allowance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alw, ok := s.allowances[addr]
	if !ok {
		return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "allowance %s not found", addr)
	}
	return alw, nil
}

func (s *Store) ListAllowances(_ context.Context, user chain.Address) ([]allowance.Allowance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]allowance.Allowance, 0)
	for _, alw := range s.allowances {
		if user.IsZero() || alw.UserKey == user {
			result = append(result, alw)
		}
	}
	return result, nil
}

// EventStore implementation --------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, rec event.Record) (event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, rec)
	return rec, nil
}

func (s *Store) ListEvents(_ context.Context, subject string) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Record, 0)
	for _, rec := range s.events {
		if subject == "" || rec.Subject == subject {
			result = append(result, rec)
		}
	}
	return result, nil
}
