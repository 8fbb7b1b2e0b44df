package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atellix/token-agent/internal/app/authority"
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/approval"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
	"github.com/atellix/token-agent/internal/app/events"
	"github.com/atellix/token-agent/internal/app/metrics"
	"github.com/atellix/token-agent/internal/app/schedule"
	"github.com/atellix/token-agent/internal/app/services/allowances"
	"github.com/atellix/token-agent/internal/app/services/payments"
	"github.com/atellix/token-agent/internal/app/services/subscriptions"
	"github.com/atellix/token-agent/internal/app/storage/memory"
	"github.com/atellix/token-agent/internal/middleware"
)

type apiFixture struct {
	server *httptest.Server
	auth   *middleware.Auth

	netAuth    chain.Address
	user       chain.Address
	manager    chain.Address
	mint       chain.Address
	funding    chain.Address
	feesAcct   chain.Address
	merchant   chain.Address
	merchToken chain.Address

	merchantApprovalID chain.Address
	managerApprovalID  chain.Address
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		netAuth:  chain.AddressFromSeed("net-authority"),
		user:     chain.AddressFromSeed("user-wallet"),
		manager:  chain.AddressFromSeed("manager-wallet"),
		mint:     chain.AddressFromSeed("payment-mint"),
		merchant: chain.AddressFromSeed("merchant-wallet"),
		funding:  chain.AddressFromSeed("user-funding"),
		feesAcct: chain.AddressFromSeed("network-fees"),
	}

	store := memory.New()
	ledger := chain.NewMemoryLedger()
	client := authority.NewStaticClient()
	deriver := chain.NewDeriver(chain.AddressFromSeed("token-agent"))
	root := chain.RootAuthority(deriver, 0)
	gate := authority.NewGate(deriver)
	clock := fixedClock{now: time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)}

	f.merchToken = deriver.AssociatedTokenAccount(f.merchant, f.mint, 0)
	f.merchantApprovalID = chain.AddressFromSeed("merchant-approval")
	f.managerApprovalID = chain.AddressFromSeed("manager-approval")

	require.NoError(t, ledger.CreateAccount(f.funding, f.user, f.mint))
	require.NoError(t, ledger.CreateAccount(f.feesAcct, f.netAuth, f.mint))
	require.NoError(t, ledger.CreateAccount(f.merchToken, f.merchant, f.mint))
	require.NoError(t, ledger.Mint(f.funding, 100000))

	client.SetMerchant(f.merchantApprovalID, approval.MerchantApproval{
		Authority: f.netAuth, Active: true, MerchantKey: f.merchant,
		TokenMint: f.mint, FeeBps: 250, FeesAccount: f.feesAcct, DestAccount: f.merchant,
	})
	client.SetManager(f.managerApprovalID, approval.ManagerApproval{
		Authority: f.netAuth, Active: true, ManagerKey: f.manager,
	})

	hub := events.NewHub(store, nil)
	deps := subscriptions.Deps{
		Authority: client, Gate: gate, Ledger: ledger,
		Swapper: chain.NewMemorySwapper(ledger, 1, 1), Clock: clock,
		Root: root, ExpectedAuthority: f.netAuth, Events: hub,
	}
	subsSvc := subscriptions.New(store, deps, nil)
	paySvc := payments.New(payments.Deps{
		Authority: client, Gate: gate, Ledger: ledger,
		Swapper: chain.NewMemorySwapper(ledger, 1, 1), Clock: clock,
		Root: root, ExpectedAuthority: f.netAuth, Events: hub,
	}, nil)
	alwSvc := allowances.New(store, allowances.Deps{
		Ledger: ledger, Deriver: deriver, Clock: clock, Root: root,
	}, nil)

	f.auth = middleware.NewAuth([]byte("test-secret"), nil)
	limiter := middleware.NewRateLimiter(100, 100)
	handler := New(subsSvc, paySvc, alwSvc, hub, metrics.New(), nil)

	f.server = httptest.NewServer(handler.Router(f.auth, limiter))
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) request(t *testing.T, method, path string, caller chain.Address, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if !caller.IsZero() {
		token, err := f.auth.IssueToken(caller)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) subscribeBody() subscriptions.SubscribeParams {
	return subscriptions.SubscribeParams{
		NetAuth:          f.netAuth,
		MerchantKey:      f.merchant,
		MerchantApproval: f.merchantApprovalID,
		MerchantToken:    f.merchToken,
		FeesAccount:      f.feesAcct,
		ManagerKey:       f.manager,
		ManagerApproval:  f.managerApprovalID,
		TokenMint:        f.mint,
		TokenAccount:     f.funding,
		SubscrID:         1,
		PeriodBudget:     10000,
		LinkToken:        true,
		Schedule: subscriptions.ScheduleParams{
			Period:     schedule.PeriodMonthly,
			NextRebill: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC).Unix(),
		},
	}
}

func TestHealthEndpointIsOpen(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodGet, "/v1/subscriptions", chain.Zero, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/v1/subscriptions", f.user, f.subscribeBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sub subscription.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	require.True(t, sub.Active)
	// The caller identity comes from the token, not the body.
	require.Equal(t, f.user, sub.UserKey)

	list := f.request(t, http.MethodGet, "/v1/subscriptions?user="+string(f.user), f.user, nil)
	defer list.Body.Close()
	require.Equal(t, http.StatusOK, list.StatusCode)
	var subs []subscription.Subscription
	require.NoError(t, json.NewDecoder(list.Body).Decode(&subs))
	require.Len(t, subs, 1)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newAPIFixture(t)

	// Unknown subscription: 404.
	resp := f.request(t, http.MethodGet, "/v1/subscriptions/999", f.user, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Misaligned schedule: 400.
	body := f.subscribeBody()
	body.Schedule.NextRebill += 60
	resp = f.request(t, http.MethodPost, "/v1/subscriptions", f.user, body)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Foreign cancel: 403.
	resp = f.request(t, http.MethodPost, "/v1/subscriptions", f.user, f.subscribeBody())
	var sub subscription.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	resp.Body.Close()

	resp = f.request(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, f.manager, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProcessEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/v1/subscriptions", f.user, f.subscribeBody())
	var sub subscription.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	resp.Body.Close()

	// The fixture clock predates the rebill boundary, so processing
	// reports a conflict.
	resp = f.request(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/process", f.manager, subscriptions.ProcessParams{
		RebillTimestamp: sub.NextRebill,
		RebillLabel:     "202402",
		NextRebill:      time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC).Unix(),
		Amount:          10000,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "code")
}

func TestEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/v1/subscriptions", f.user, f.subscribeBody())
	var sub subscription.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/v1/events?subject="+sub.ID, f.user, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
