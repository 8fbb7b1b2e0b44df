// Package allowances implements bounded delegated spending: a user grants a
// delegate the right to move up to a fixed amount out of a funding account,
// optionally only to one recipient, inside a validity window. The record's
// storage address is derived from the identity tuple, so recomputing the
// derivation on every spend is itself the authorization check.
package allowances

import (
	"context"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/allowance"
	"github.com/atellix/token-agent/internal/app/fees"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/pkg/logger"
)

// Deps bundles the allowance collaborators.
type Deps struct {
	Ledger  chain.TokenLedger
	Deriver *chain.Deriver
	Clock   chain.Clock
	Root    chain.SigningAuthority
}

// Service manages allowance grants and delegated spends.
type Service struct {
	store storage.AllowanceStore
	deps  Deps
	log   *logger.Logger
}

// New creates the allowance service.
func New(store storage.AllowanceStore, deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("allowances")
	}
	if deps.Clock == nil {
		deps.Clock = chain.SystemClock{}
	}
	return &Service{store: store, deps: deps, log: log}
}

// deriveAddress computes the storage address for an allowance identity
// tuple. The recipient participates only when the grant is restricted, so an
// unrestricted grant and a restricted one can coexist for the same delegate.
func (s *Service) deriveAddress(nonce uint8, user, mint, account, delegate, recipient chain.Address) chain.Address {
	seeds := [][]byte{[]byte(user), []byte(mint), []byte(account), []byte(delegate)}
	if !recipient.IsZero() {
		seeds = append(seeds, []byte(recipient))
	}
	return s.deps.Deriver.DeriveWithNonce(nonce, seeds...)
}

// GrantParams creates a new allowance.
type GrantParams struct {
	UserKey      chain.Address `json:"user_key"`
	DelegateKey  chain.Address `json:"delegate_key"`
	RecipientKey chain.Address `json:"recipient_key"`

	TokenMint    chain.Address `json:"token_mint"`
	TokenAccount chain.Address `json:"token_account"`

	Nonce          uint8  `json:"nonce"`
	Amount         uint64 `json:"amount"`
	NotValidBefore int64  `json:"not_valid_before"`
	NotValidAfter  int64  `json:"not_valid_after"`

	// LinkToken mirrors the grant onto the ledger as a delegate approval for
	// the agent's signing authority.
	LinkToken bool `json:"link_token"`
}

// Grant validates and persists a new allowance under the user's signature.
func (s *Service) Grant(ctx context.Context, p GrantParams) (allowance.Allowance, error) {
	if p.UserKey.IsZero() {
		return allowance.Allowance{}, agent.Errorf(agent.ErrAccessDenied, "missing user identity")
	}
	if p.DelegateKey.IsZero() {
		return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "missing delegate")
	}
	if err := validateWindow(p.NotValidBefore, p.NotValidAfter); err != nil {
		return allowance.Allowance{}, err
	}

	addr := s.deriveAddress(p.Nonce, p.UserKey, p.TokenMint, p.TokenAccount, p.DelegateKey, p.RecipientKey)

	if p.LinkToken {
		if err := s.deps.Ledger.Approve(ctx, p.TokenAccount, s.deps.Root.Address, p.Amount); err != nil {
			return allowance.Allowance{}, err
		}
	}

	alw, err := s.store.CreateAllowance(ctx, allowance.Allowance{
		Address:        addr,
		Nonce:          p.Nonce,
		UserKey:        p.UserKey,
		DelegateKey:    p.DelegateKey,
		RecipientKey:   p.RecipientKey,
		TokenMint:      p.TokenMint,
		TokenAccount:   p.TokenAccount,
		NotValidBefore: p.NotValidBefore,
		NotValidAfter:  p.NotValidAfter,
		Amount:         p.Amount,
	})
	if err != nil {
		return allowance.Allowance{}, err
	}

	s.log.WithField("allowance", string(alw.Address)).
		WithField("delegate", string(alw.DelegateKey)).
		WithField("amount", alw.Amount).
		Info("allowance granted")
	return alw, nil
}

// UpdateParams rewrites an allowance's spendable amount and window.
type UpdateParams struct {
	Caller chain.Address `json:"-"`

	Amount         uint64 `json:"amount"`
	NotValidBefore int64  `json:"not_valid_before"`
	NotValidAfter  int64  `json:"not_valid_after"`
	LinkToken      bool   `json:"link_token"`
}

// Update adjusts an existing allowance under the owner's signature. Setting
// the amount to zero revokes the grant without deleting its history.
func (s *Service) Update(ctx context.Context, addr chain.Address, p UpdateParams) (allowance.Allowance, error) {
	alw, err := s.store.GetAllowance(ctx, addr)
	if err != nil {
		return allowance.Allowance{}, err
	}
	if p.Caller != alw.UserKey {
		return allowance.Allowance{}, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the allowance owner", p.Caller)
	}
	if err := validateWindow(p.NotValidBefore, p.NotValidAfter); err != nil {
		return allowance.Allowance{}, err
	}

	if p.LinkToken {
		if err := s.deps.Ledger.Approve(ctx, alw.TokenAccount, s.deps.Root.Address, p.Amount); err != nil {
			return allowance.Allowance{}, err
		}
	}

	alw.Amount = p.Amount
	alw.NotValidBefore = p.NotValidBefore
	alw.NotValidAfter = p.NotValidAfter

	alw, err = s.store.UpdateAllowance(ctx, alw)
	if err != nil {
		return allowance.Allowance{}, err
	}
	s.log.WithField("allowance", string(alw.Address)).Info("allowance updated")
	return alw, nil
}

// SpendParams is one delegated transfer against an allowance.
type SpendParams struct {
	Caller chain.Address `json:"-"`

	// RecipientKey and RecipientToken name the payout destination. On a
	// restricted grant the key must match the recipient and the token
	// account must be the recipient's derived account for the mint.
	RecipientKey   chain.Address `json:"recipient_key"`
	RecipientToken chain.Address `json:"recipient_token"`
	RecipientNonce uint8         `json:"recipient_nonce"`

	Amount uint64 `json:"amount"`
}

// Spend moves tokens out of the granting user's funding account under the
// agent's delegated authority, decrementing the remaining allowance. The
// stored record must re-derive to its own address before it is trusted.
func (s *Service) Spend(ctx context.Context, addr chain.Address, p SpendParams) (allowance.Allowance, error) {
	alw, err := s.store.GetAllowance(ctx, addr)
	if err != nil {
		return allowance.Allowance{}, err
	}
	if p.Caller != alw.DelegateKey {
		return allowance.Allowance{}, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the allowance delegate", p.Caller)
	}

	expected := s.deriveAddress(alw.Nonce, alw.UserKey, alw.TokenMint, alw.TokenAccount, alw.DelegateKey, alw.RecipientKey)
	if expected != alw.Address {
		return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidDerivedAccount, "allowance %s re-derives to %s", alw.Address, expected)
	}

	now := s.deps.Clock.Now().Unix()
	if alw.NotValidBefore > 0 && now < alw.NotValidBefore {
		return allowance.Allowance{}, agent.Errorf(agent.ErrNotValidYet, "allowance opens at %d", alw.NotValidBefore)
	}
	if alw.NotValidAfter > 0 && now > alw.NotValidAfter {
		return allowance.Allowance{}, agent.Errorf(agent.ErrExpired, "allowance closed at %d", alw.NotValidAfter)
	}

	if !alw.RecipientKey.IsZero() {
		if p.RecipientKey != alw.RecipientKey {
			return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidAccount, "allowance restricted to recipient %s", alw.RecipientKey)
		}
		// The destination must be the restricted recipient's own derived
		// token account; a supplied address is never trusted.
		expectedToken := s.deps.Deriver.AssociatedTokenAccount(alw.RecipientKey, alw.TokenMint, p.RecipientNonce)
		if p.RecipientToken != expectedToken {
			return allowance.Allowance{}, agent.Errorf(agent.ErrInvalidDerivedAccount, "recipient token %s does not derive from recipient %s", p.RecipientToken, alw.RecipientKey)
		}
	}

	remaining, err := fees.CheckedSub(alw.Amount, p.Amount)
	if err != nil {
		return allowance.Allowance{}, agent.Errorf(agent.ErrAllowanceExceeded, "spend %d exceeds remaining %d", p.Amount, alw.Amount)
	}

	if err := s.deps.Ledger.Transfer(ctx, alw.TokenAccount, p.RecipientToken, s.deps.Root.Address, p.Amount); err != nil {
		return allowance.Allowance{}, err
	}

	alw.Amount = remaining
	alw, err = s.store.UpdateAllowance(ctx, alw)
	if err != nil {
		return allowance.Allowance{}, err
	}

	s.log.WithField("allowance", string(alw.Address)).
		WithField("amount", p.Amount).
		WithField("remaining", alw.Amount).
		Info("allowance spend executed")
	return alw, nil
}

// Get returns one allowance.
func (s *Service) Get(ctx context.Context, addr chain.Address) (allowance.Allowance, error) {
	return s.store.GetAllowance(ctx, addr)
}

// List returns allowances, optionally filtered by granting user.
func (s *Service) List(ctx context.Context, user chain.Address) ([]allowance.Allowance, error) {
	return s.store.ListAllowances(ctx, user)
}

func validateWindow(nvb, nva int64) error {
	if nvb < 0 || nva < 0 {
		return agent.Errorf(agent.ErrInvalidTimeframe, "negative timestamp")
	}
	if nvb > 0 && nva > 0 && nvb > nva {
		return agent.Errorf(agent.ErrInvalidTimeframe, "validity window inverted")
	}
	return nil
}
