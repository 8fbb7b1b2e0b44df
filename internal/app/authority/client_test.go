package authority

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
)

func TestHTTPClientMerchantApproval(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/approvals/merchant/apr1":
			w.Write([]byte(`{
				"authority": "auth1", "active": true, "merchant_key": "m1",
				"token_mint": "mint1", "fee_bps": 250,
				"fees_account": "fees1", "dest_account": "dest1", "tx_count": 12
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "secret-key", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	ap, err := client.MerchantApproval(context.Background(), chain.Address("apr1"))
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if ap.Authority != "auth1" || !ap.Active || ap.FeeBps != 250 || ap.TxCount != 12 {
		t.Fatalf("approval = %+v", ap)
	}

	_, err = client.MerchantApproval(context.Background(), chain.Address("missing"))
	if !errors.Is(err, agent.ErrInvalidAccount) {
		t.Fatalf("missing approval err = %v", err)
	}
}

func TestHTTPClientRecordTransaction(t *testing.T) {
	var recorded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			recorded = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := client.RecordTransaction(context.Background(), chain.Address("apr1")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if recorded != "/approvals/merchant/apr1/transactions" {
		t.Fatalf("path = %q", recorded)
	}
}

func TestHTTPClientRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.ManagerApproval(context.Background(), chain.Address("x")); err == nil {
		t.Fatalf("invalid JSON accepted")
	}
}

func TestHTTPClientRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPClient(nil, "  ", "", nil); err == nil {
		t.Fatalf("empty endpoint accepted")
	}
}
