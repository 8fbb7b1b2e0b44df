// Package authority talks to the network-authority service that issues
// merchant and manager approvals, and verifies those records before any
// money-moving operation trusts them.
package authority

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/approval"
	"github.com/atellix/token-agent/pkg/logger"
)

// Client reads approval records and reports completed transactions back to
// the authority so it can aggregate merchant revenue counters.
type Client interface {
	MerchantApproval(ctx context.Context, id chain.Address) (approval.MerchantApproval, error)
	ManagerApproval(ctx context.Context, id chain.Address) (approval.ManagerApproval, error)
	RecordTransaction(ctx context.Context, approvalID chain.Address) error
}

// StaticClient serves approvals from memory. It backs tests and local
// single-process deployments.
type StaticClient struct {
	mu        sync.RWMutex
	merchants map[chain.Address]approval.MerchantApproval
	managers  map[chain.Address]approval.ManagerApproval
}

var _ Client = (*StaticClient)(nil)

// NewStaticClient creates an empty approval set.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		merchants: make(map[chain.Address]approval.MerchantApproval),
		managers:  make(map[chain.Address]approval.ManagerApproval),
	}
}

// SetMerchant stores or replaces a merchant approval.
func (c *StaticClient) SetMerchant(id chain.Address, ap approval.MerchantApproval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merchants[id] = ap
}

// SetManager stores or replaces a manager approval.
func (c *StaticClient) SetManager(id chain.Address, ap approval.ManagerApproval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managers[id] = ap
}

func (c *StaticClient) MerchantApproval(_ context.Context, id chain.Address) (approval.MerchantApproval, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ap, ok := c.merchants[id]
	if !ok {
		return approval.MerchantApproval{}, agent.Errorf(agent.ErrInvalidAccount, "merchant approval %s not found", id)
	}
	return ap, nil
}

func (c *StaticClient) ManagerApproval(_ context.Context, id chain.Address) (approval.ManagerApproval, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ap, ok := c.managers[id]
	if !ok {
		return approval.ManagerApproval{}, agent.Errorf(agent.ErrInvalidAccount, "manager approval %s not found", id)
	}
	return ap, nil
}

func (c *StaticClient) RecordTransaction(_ context.Context, approvalID chain.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ap, ok := c.merchants[approvalID]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "merchant approval %s not found", approvalID)
	}
	ap.TxCount++
	c.merchants[approvalID] = ap
	return nil
}

// HTTPClient reads approvals over the authority's REST surface.
type HTTPClient struct {
	base   string
	apiKey string
	client *http.Client
	log    *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client against the authority endpoint.
func NewHTTPClient(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPClient, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("authority endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("authority")
	}
	return &HTTPClient{base: endpoint, apiKey: apiKey, client: client, log: log}, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return gjson.Result{}, agent.Errorf(agent.ErrInvalidAccount, "approval not found at %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("authority returned status %d for %s", resp.StatusCode, path)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("authority returned invalid JSON for %s", path)
	}
	return gjson.ParseBytes(body), nil
}

func (c *HTTPClient) MerchantApproval(ctx context.Context, id chain.Address) (approval.MerchantApproval, error) {
	doc, err := c.get(ctx, "/approvals/merchant/"+string(id))
	if err != nil {
		return approval.MerchantApproval{}, err
	}
	return approval.MerchantApproval{
		Authority:   chain.Address(doc.Get("authority").String()),
		Active:      doc.Get("active").Bool(),
		MerchantKey: chain.Address(doc.Get("merchant_key").String()),
		TokenMint:   chain.Address(doc.Get("token_mint").String()),
		FeeBps:      uint32(doc.Get("fee_bps").Uint()),
		FeesAccount: chain.Address(doc.Get("fees_account").String()),
		DestAccount: chain.Address(doc.Get("dest_account").String()),
		TxCount:     doc.Get("tx_count").Uint(),
	}, nil
}

func (c *HTTPClient) ManagerApproval(ctx context.Context, id chain.Address) (approval.ManagerApproval, error) {
	doc, err := c.get(ctx, "/approvals/manager/"+string(id))
	if err != nil {
		return approval.ManagerApproval{}, err
	}
	return approval.ManagerApproval{
		Authority:  chain.Address(doc.Get("authority").String()),
		Active:     doc.Get("active").Bool(),
		ManagerKey: chain.Address(doc.Get("manager_key").String()),
	}, nil
}

func (c *HTTPClient) RecordTransaction(ctx context.Context, approvalID chain.Address) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/approvals/merchant/"+string(approvalID)+"/transactions", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("authority returned status %d recording transaction", resp.StatusCode)
	}
	return nil
}
