// Package payments implements one-shot merchant charges outside any
// subscription: user-signed payments and delegated merchant-receive pulls.
// Both run the same charge sequence as a rebill, so fees round identically
// everywhere.
package payments

import (
	"context"

	"github.com/google/uuid"

	"github.com/atellix/token-agent/internal/app/authority"
	"github.com/atellix/token-agent/internal/app/billing"
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/pkg/logger"
)

// Deps bundles the collaborators for payment execution.
type Deps struct {
	Authority         authority.Client
	Gate              *authority.Gate
	Ledger            chain.TokenLedger
	Swapper           chain.Swapper
	Clock             chain.Clock
	Root              chain.SigningAuthority
	ExpectedAuthority chain.Address
	Events            chain.EventSink
}

// Service executes one-shot charges.
type Service struct {
	deps Deps
	log  *logger.Logger
}

// New creates the payment service.
func New(deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	if deps.Clock == nil {
		deps.Clock = chain.SystemClock{}
	}
	if deps.Events == nil {
		deps.Events = chain.NopSink{}
	}
	return &Service{deps: deps, log: log}
}

// Params describes one charge request.
type Params struct {
	UserKey chain.Address `json:"user_key"`
	NetAuth chain.Address `json:"net_auth"`

	MerchantKey      chain.Address `json:"merchant_key"`
	MerchantApproval chain.Address `json:"merchant_approval"`
	MerchantToken    chain.Address `json:"merchant_token"`
	MerchantNonce    uint8         `json:"merchant_nonce"`
	FeesAccount      chain.Address `json:"fees_account"`

	TokenAccount chain.Address `json:"token_account"`
	Amount       uint64        `json:"amount"`
	PaymentID    uint64        `json:"payment_id"`

	Swap           bool           `json:"swap"`
	SwapDirection  bool           `json:"swap_direction"`
	SwapMode       chain.SwapMode `json:"swap_mode"`
	SwapAccount    chain.Address  `json:"swap_account"`
	SwapInAccount  chain.Address  `json:"swap_in_account"`
	SwapOutAccount chain.Address  `json:"swap_out_account"`
	SwapEstimate   uint64         `json:"swap_estimate"`
}

// Result is the recorded outcome of a charge.
type Result struct {
	PaymentUUID string          `json:"payment_uuid"`
	Receipt     billing.Receipt `json:"receipt"`
}

// MerchantPayment charges the user's funding account with the user's own
// signature.
func (s *Service) MerchantPayment(ctx context.Context, p Params) (Result, error) {
	if p.UserKey.IsZero() {
		return Result{}, agent.Errorf(agent.ErrAccessDenied, "missing user identity")
	}
	return s.charge(ctx, p, p.UserKey)
}

// MerchantReceive pulls a payment under the agent's delegated signing
// authority; the user pre-approved the funding account, so the merchant side
// can collect without the user online.
func (s *Service) MerchantReceive(ctx context.Context, p Params) (Result, error) {
	return s.charge(ctx, p, s.deps.Root.Address)
}

func (s *Service) charge(ctx context.Context, p Params, transferAuthority chain.Address) (Result, error) {
	ap, err := s.deps.Authority.MerchantApproval(ctx, p.MerchantApproval)
	if err != nil {
		return Result{}, err
	}

	receipt, err := billing.Execute(ctx, billing.Deps{
		Ledger:            s.deps.Ledger,
		Swapper:           s.deps.Swapper,
		Authority:         s.deps.Authority,
		Gate:              s.deps.Gate,
		Root:              s.deps.Root,
		ExpectedAuthority: s.deps.ExpectedAuthority,
		Log:               s.log,
	}, billing.Spec{
		NetAuth:           p.NetAuth,
		ApprovalID:        p.MerchantApproval,
		Approval:          ap,
		MerchantToken:     p.MerchantToken,
		FeesAccount:       p.FeesAccount,
		MerchantNonce:     p.MerchantNonce,
		TokenAccount:      p.TokenAccount,
		Amount:            p.Amount,
		TransferAuthority: transferAuthority,
		Swap:              p.Swap,
		SwapDirection:     p.SwapDirection,
		SwapMode:          p.SwapMode,
		SwapAccount:       p.SwapAccount,
		SwapInAccount:     p.SwapInAccount,
		SwapOutAccount:    p.SwapOutAccount,
		SwapEstimate:      p.SwapEstimate,
	})
	if err != nil {
		return Result{}, err
	}

	paymentUUID := uuid.NewString()
	rec := event.Record{
		EventUUID:   uuid.NewString(),
		Type:        event.TypePayment,
		Subject:     paymentUUID,
		UserKey:     p.UserKey,
		MerchantKey: p.MerchantKey,
		PaymentID:   p.PaymentID,
		Amount:      p.Amount,
		Fee:         receipt.Fee,
		Swap:        p.Swap,
		CreatedAt:   s.deps.Clock.Now(),
	}
	if err := s.deps.Events.Emit(ctx, rec); err != nil {
		s.log.WithError(err).WithField("payment", paymentUUID).Warn("event emission failed")
	}

	s.log.WithField("payment", paymentUUID).
		WithField("merchant", string(p.MerchantKey)).
		WithField("amount", p.Amount).
		Info("merchant payment executed")
	return Result{PaymentUUID: paymentUUID, Receipt: receipt}, nil
}
