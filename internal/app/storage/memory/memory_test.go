package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/allowance"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
)

func TestSubscriptionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	user := chain.AddressFromSeed("user")

	sub, err := s.CreateSubscription(ctx, subscription.Subscription{UserKey: user, Active: true, NextRebill: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == "" || sub.CreatedAt.IsZero() {
		t.Fatalf("create did not populate: %+v", sub)
	}

	sub.NextRebill = 200
	updated, err := s.UpdateSubscription(ctx, sub)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.NextRebill != 200 || !updated.CreatedAt.Equal(sub.CreatedAt) {
		t.Fatalf("update mangled record: %+v", updated)
	}

	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil || got.NextRebill != 200 {
		t.Fatalf("get = %+v, %v", got, err)
	}

	if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSubscription(ctx, sub.ID); !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("get after delete err = %v", err)
	}
	if err := s.DeleteSubscription(ctx, sub.ID); !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestListSubscriptionsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := chain.AddressFromSeed("alice")
	bob := chain.AddressFromSeed("bob")

	for _, u := range []chain.Address{alice, alice, bob} {
		if _, err := s.CreateSubscription(ctx, subscription.Subscription{UserKey: u}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := s.ListSubscriptions(ctx, chain.Zero)
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	mine, err := s.ListSubscriptions(ctx, alice)
	if err != nil || len(mine) != 2 {
		t.Fatalf("alice = %d, %v", len(mine), err)
	}
}

func TestListDueSubscriptions(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, tc := range []struct {
		next   int64
		active bool
	}{
		{100, true},
		{200, true},
		{100, false},
	} {
		if _, err := s.CreateSubscription(ctx, subscription.Subscription{NextRebill: tc.next, Active: tc.active}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	due, err := s.ListDueSubscriptions(ctx, 150)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].NextRebill != 100 {
		t.Fatalf("due = %+v", due)
	}
}

func TestAllowanceLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	addr := chain.AddressFromSeed("allowance")

	if _, err := s.CreateAllowance(ctx, allowance.Allowance{}); err == nil {
		t.Fatalf("created allowance without address")
	}

	alw, err := s.CreateAllowance(ctx, allowance.Allowance{Address: addr, Amount: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateAllowance(ctx, allowance.Allowance{Address: addr}); err == nil {
		t.Fatalf("duplicate address accepted")
	}

	alw.Amount = 60
	if _, err := s.UpdateAllowance(ctx, alw); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetAllowance(ctx, addr)
	if err != nil || got.Amount != 60 {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestEventsAppendAndFilter(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, subject := range []string{"a", "a", "b"} {
		if _, err := s.AppendEvent(ctx, event.Record{EventUUID: subject, Subject: subject}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.ListEvents(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	filtered, err := s.ListEvents(ctx, "a")
	if err != nil || len(filtered) != 2 {
		t.Fatalf("filtered = %d, %v", len(filtered), err)
	}
}
