package authority

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/approval"
)

type countingClient struct {
	*StaticClient
	merchantReads int
	managerReads  int
}

func (c *countingClient) MerchantApproval(ctx context.Context, id chain.Address) (approval.MerchantApproval, error) {
	c.merchantReads++
	return c.StaticClient.MerchantApproval(ctx, id)
}

func (c *countingClient) ManagerApproval(ctx context.Context, id chain.Address) (approval.ManagerApproval, error) {
	c.managerReads++
	return c.StaticClient.ManagerApproval(ctx, id)
}

func newCacheFixture(t *testing.T) (*CachedClient, *countingClient, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	inner := &countingClient{StaticClient: NewStaticClient()}
	cached := NewCachedClient(inner, rdb, time.Minute, nil)
	return cached, inner, srv
}

func TestCachedClientReadThrough(t *testing.T) {
	cached, inner, _ := newCacheFixture(t)
	ctx := context.Background()
	id := chain.AddressFromSeed("merchant-approval")
	inner.SetMerchant(id, approval.MerchantApproval{Active: true, FeeBps: 100})

	for i := 0; i < 3; i++ {
		ap, err := cached.MerchantApproval(ctx, id)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if ap.FeeBps != 100 {
			t.Fatalf("fee bps = %d", ap.FeeBps)
		}
	}
	if inner.merchantReads != 1 {
		t.Fatalf("inner reads = %d, want 1", inner.merchantReads)
	}
}

func TestCachedClientTTLExpiry(t *testing.T) {
	cached, inner, srv := newCacheFixture(t)
	ctx := context.Background()
	id := chain.AddressFromSeed("manager-approval")
	inner.SetManager(id, approval.ManagerApproval{Active: true})

	if _, err := cached.ManagerApproval(ctx, id); err != nil {
		t.Fatalf("read: %v", err)
	}
	srv.FastForward(2 * time.Minute)
	if _, err := cached.ManagerApproval(ctx, id); err != nil {
		t.Fatalf("read after expiry: %v", err)
	}
	if inner.managerReads != 2 {
		t.Fatalf("inner reads = %d, want 2", inner.managerReads)
	}
}

func TestCachedClientInvalidatesOnRecord(t *testing.T) {
	cached, inner, _ := newCacheFixture(t)
	ctx := context.Background()
	id := chain.AddressFromSeed("merchant-approval")
	inner.SetMerchant(id, approval.MerchantApproval{Active: true})

	if _, err := cached.MerchantApproval(ctx, id); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := cached.RecordTransaction(ctx, id); err != nil {
		t.Fatalf("record: %v", err)
	}

	// The counter bump must be visible immediately, not after TTL.
	ap, err := cached.MerchantApproval(ctx, id)
	if err != nil {
		t.Fatalf("read after record: %v", err)
	}
	if ap.TxCount != 1 {
		t.Fatalf("tx count = %d, want 1", ap.TxCount)
	}
	if inner.merchantReads != 2 {
		t.Fatalf("inner reads = %d, want 2", inner.merchantReads)
	}
}

func TestCachedClientPassesThroughErrors(t *testing.T) {
	cached, _, _ := newCacheFixture(t)
	if _, err := cached.MerchantApproval(context.Background(), chain.AddressFromSeed("missing")); err == nil {
		t.Fatalf("missing approval not reported")
	}
}
