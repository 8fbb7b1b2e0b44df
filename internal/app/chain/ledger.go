package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/atellix/token-agent/internal/app/domain/agent"
)

// tokenAccount is one ledger entry. A delegate may move up to delegated
// units on the owner's behalf; owner transfers are unrestricted.
type tokenAccount struct {
	owner     Address
	mint      Address
	balance   uint64
	delegate  Address
	delegated uint64
}

// MemoryLedger is an in-process token ledger implementing the transfer
// primitive. It backs local deployments and tests; a production deployment
// substitutes the real chain adapter behind the same interface.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[Address]*tokenAccount
}

var _ TokenLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[Address]*tokenAccount)}
}

// CreateAccount registers a token account for a mint.
func (l *MemoryLedger) CreateAccount(addr, owner, mint Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[addr]; exists {
		return fmt.Errorf("token account %s already exists", addr)
	}
	l.accounts[addr] = &tokenAccount{owner: owner, mint: mint}
	return nil
}

// Mint credits an account out of thin air, for funding test fixtures.
func (l *MemoryLedger) Mint(addr Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "token account %s not found", addr)
	}
	acct.balance += amount
	return nil
}

// Owner returns the owning wallet of a token account.
func (l *MemoryLedger) Owner(addr Address) (Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return Zero, agent.Errorf(agent.ErrInvalidAccount, "token account %s not found", addr)
	}
	return acct.owner, nil
}

func (l *MemoryLedger) Balance(_ context.Context, addr Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return 0, agent.Errorf(agent.ErrInvalidAccount, "token account %s not found", addr)
	}
	return acct.balance, nil
}

func (l *MemoryLedger) Approve(_ context.Context, account, delegate Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[account]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "token account %s not found", account)
	}
	acct.delegate = delegate
	acct.delegated = amount
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to, authority Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "source account %s not found", from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "destination account %s not found", to)
	}
	if src.mint != dst.mint {
		return agent.Errorf(agent.ErrInvalidAccount, "mint mismatch between %s and %s", from, to)
	}

	switch authority {
	case src.owner:
	case src.delegate:
		if amount > src.delegated {
			return agent.Errorf(agent.ErrAccessDenied, "delegated amount exhausted on %s", from)
		}
	default:
		return agent.Errorf(agent.ErrAccessDenied, "authority %s cannot move funds of %s", authority, from)
	}

	if amount > src.balance {
		return agent.Errorf(agent.ErrOverflow, "insufficient balance on %s", from)
	}

	src.balance -= amount
	if authority == src.delegate && authority != src.owner {
		src.delegated -= amount
	}
	dst.balance += amount
	return nil
}

// MemorySwapper converts tokens between two fixed accounts at a configured
// rate, standing in for the external exchange contract. The swapped output is
// credited to the request's out account; the consumed input is burned from
// the in account.
type MemorySwapper struct {
	mu      sync.Mutex
	RateNum uint64
	RateDen uint64
	ledger  *MemoryLedger
}

var _ Swapper = (*MemorySwapper)(nil)

// NewMemorySwapper builds a swapper against the given ledger. A rate of
// num/den converts input units to output units.
func NewMemorySwapper(ledger *MemoryLedger, rateNum, rateDen uint64) *MemorySwapper {
	if rateDen == 0 {
		rateDen = 1
	}
	return &MemorySwapper{ledger: ledger, RateNum: rateNum, RateDen: rateDen}
}

func (s *MemorySwapper) Swap(_ context.Context, req SwapRequest) error {
	if req.Mode != SwapModeAtxSwapV1 {
		return agent.Errorf(agent.ErrInvalidSwapMode, "swap mode %d", uint8(req.Mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	in, ok := s.ledger.accounts[req.InAccount]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "swap input account %s not found", req.InAccount)
	}
	out, ok := s.ledger.accounts[req.OutAccount]
	if !ok {
		return agent.Errorf(agent.ErrInvalidAccount, "swap output account %s not found", req.OutAccount)
	}

	consumed := in.balance
	produced := consumed * s.RateNum / s.RateDen
	in.balance = 0
	out.balance += produced
	return nil
}
