package storage

import (
	"context"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/allowance"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
)

// SubscriptionStore persists subscription records.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error)
	GetSubscription(ctx context.Context, id string) (subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, user chain.Address) ([]subscription.Subscription, error)
	ListDueSubscriptions(ctx context.Context, now int64) ([]subscription.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// AllowanceStore persists allowance records, keyed by derived address.
type AllowanceStore interface {
	CreateAllowance(ctx context.Context, alw allowance.Allowance) (allowance.Allowance, error)
	UpdateAllowance(ctx context.Context, alw allowance.Allowance) (allowance.Allowance, error)
	GetAllowance(ctx context.Context, addr chain.Address) (allowance.Allowance, error)
	ListAllowances(ctx context.Context, user chain.Address) ([]allowance.Allowance, error)
}

// EventStore is the append-only audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, rec event.Record) (event.Record, error)
	ListEvents(ctx context.Context, subject string) ([]event.Record, error)
}
