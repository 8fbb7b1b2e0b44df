package authority

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/approval"
	"github.com/atellix/token-agent/pkg/logger"
)

// CachedClient is a read-through cache in front of an authority client.
// Approvals change rarely but are read on every charge; a short TTL keeps
// revocations visible without hammering the authority. RecordTransaction
// invalidates the merchant entry because it bumps the tx counter.
type CachedClient struct {
	inner Client
	rdb   *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

var _ Client = (*CachedClient)(nil)

// NewCachedClient wraps inner with a redis cache.
func NewCachedClient(inner Client, rdb *redis.Client, ttl time.Duration, log *logger.Logger) *CachedClient {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("authority-cache")
	}
	return &CachedClient{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func merchantKey(id chain.Address) string { return "approval:merchant:" + string(id) }
func managerKey(id chain.Address) string  { return "approval:manager:" + string(id) }

func (c *CachedClient) MerchantApproval(ctx context.Context, id chain.Address) (approval.MerchantApproval, error) {
	if raw, err := c.rdb.Get(ctx, merchantKey(id)).Result(); err == nil {
		var ap approval.MerchantApproval
		if json.Unmarshal([]byte(raw), &ap) == nil {
			return ap, nil
		}
	}

	ap, err := c.inner.MerchantApproval(ctx, id)
	if err != nil {
		return approval.MerchantApproval{}, err
	}
	if raw, err := json.Marshal(ap); err == nil {
		if err := c.rdb.Set(ctx, merchantKey(id), raw, c.ttl).Err(); err != nil {
			c.log.WithError(err).Warn("cache merchant approval failed")
		}
	}
	return ap, nil
}

func (c *CachedClient) ManagerApproval(ctx context.Context, id chain.Address) (approval.ManagerApproval, error) {
	if raw, err := c.rdb.Get(ctx, managerKey(id)).Result(); err == nil {
		var ap approval.ManagerApproval
		if json.Unmarshal([]byte(raw), &ap) == nil {
			return ap, nil
		}
	}

	ap, err := c.inner.ManagerApproval(ctx, id)
	if err != nil {
		return approval.ManagerApproval{}, err
	}
	if raw, err := json.Marshal(ap); err == nil {
		if err := c.rdb.Set(ctx, managerKey(id), raw, c.ttl).Err(); err != nil {
			c.log.WithError(err).Warn("cache manager approval failed")
		}
	}
	return ap, nil
}

func (c *CachedClient) RecordTransaction(ctx context.Context, approvalID chain.Address) error {
	if err := c.inner.RecordTransaction(ctx, approvalID); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, merchantKey(approvalID)).Err(); err != nil {
		c.log.WithError(err).Warn("invalidate merchant approval failed")
	}
	return nil
}
