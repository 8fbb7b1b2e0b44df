package runtime

import (
	"strings"
	"testing"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/config"
)

func TestNewWithDefaults(t *testing.T) {
	app, err := New(config.Default(), Collaborators{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if app.Subscriptions == nil || app.Payments == nil || app.Allowances == nil {
		t.Fatalf("services not wired: %+v", app)
	}
	if app.Stores().Subscriptions == nil {
		t.Fatalf("stores not wired")
	}
}

func TestNewRequiresSwapperWithExternalLedger(t *testing.T) {
	_, err := New(config.Default(), Collaborators{Ledger: chain.NewMemoryLedger()}, nil)
	if err == nil {
		t.Fatalf("external ledger without swapper accepted")
	}
	if !strings.Contains(err.Error(), "swapper") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewAcceptsExternalLedgerAndSwapper(t *testing.T) {
	ledger := chain.NewMemoryLedger()
	app, err := New(config.Default(), Collaborators{
		Ledger:  ledger,
		Swapper: chain.NewMemorySwapper(ledger, 1, 1),
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if app.Subscriptions == nil {
		t.Fatalf("services not wired")
	}
}
