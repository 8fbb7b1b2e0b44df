// Package subscriptions implements the recurring-billing state machine: the
// user-facing subscribe/update/close surface and the manager-facing rebill
// protocol. All validation runs before any token movement, so a failed
// operation leaves both the subscription record and the ledger untouched.
package subscriptions

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/atellix/token-agent/internal/app/authority"
	"github.com/atellix/token-agent/internal/app/billing"
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/event"
	"github.com/atellix/token-agent/internal/app/domain/subscription"
	"github.com/atellix/token-agent/internal/app/fees"
	"github.com/atellix/token-agent/internal/app/schedule"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/pkg/logger"
)

// Deps bundles the collaborators shared by every subscription operation.
type Deps struct {
	Authority authority.Client
	Gate      *authority.Gate
	Ledger    chain.TokenLedger
	Swapper   chain.Swapper
	Clock     chain.Clock
	Root      chain.SigningAuthority

	// ExpectedAuthority is the network authority program whose approvals
	// count toward revenue recording.
	ExpectedAuthority chain.Address

	Events chain.EventSink
}

// Service drives subscription lifecycle transitions.
type Service struct {
	store storage.SubscriptionStore
	deps  Deps
	log   *logger.Logger
}

// New creates the subscription service.
func New(store storage.SubscriptionStore, deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("subscriptions")
	}
	if deps.Clock == nil {
		deps.Clock = chain.SystemClock{}
	}
	if deps.Events == nil {
		deps.Events = chain.NopSink{}
	}
	return &Service{store: store, deps: deps, log: log}
}

// ScheduleParams is the caller-supplied rebill calendar.
type ScheduleParams struct {
	Period         schedule.Period `json:"period"`
	NextRebill     int64           `json:"next_rebill"`
	NotValidBefore int64           `json:"not_valid_before"`
	NotValidAfter  int64           `json:"not_valid_after"`
	MaxDelay       int64           `json:"max_delay"`
}

// SwapParams configures the optional pre-charge token conversion.
type SwapParams struct {
	Swap        bool           `json:"swap"`
	Direction   bool           `json:"swap_direction"`
	Mode        chain.SwapMode `json:"swap_mode"`
	SwapAccount chain.Address  `json:"swap_account"`
	InAccount   chain.Address  `json:"swap_in_account"`
	OutAccount  chain.Address  `json:"swap_out_account"`
	Estimate    uint64         `json:"swap_estimate"`
}

// SubscribeParams opens a new subscription. Caller identity (the user) is
// established by the transport layer and passed in UserKey.
type SubscribeParams struct {
	UserKey chain.Address `json:"user_key"`
	NetAuth chain.Address `json:"net_auth"`

	MerchantKey      chain.Address `json:"merchant_key"`
	MerchantApproval chain.Address `json:"merchant_approval"`
	MerchantToken    chain.Address `json:"merchant_token"`
	MerchantNonce    uint8         `json:"merchant_nonce"`
	FeesAccount      chain.Address `json:"fees_account"`

	ManagerKey      chain.Address `json:"manager_key"`
	ManagerApproval chain.Address `json:"manager_approval"`

	TokenMint    chain.Address `json:"token_mint"`
	TokenAccount chain.Address `json:"token_account"`

	SubscrID  uint64 `json:"subscr_id"`
	PaymentID uint64 `json:"payment_id"`

	// InitialAmount, when nonzero, is charged immediately with the user's
	// own signature.
	InitialAmount uint64 `json:"initial_amount"`

	RebillMax    uint32 `json:"rebill_max"`
	PeriodBudget uint64 `json:"period_budget"`
	UseTotal     bool   `json:"use_total"`
	TotalBudget  uint64 `json:"total_budget"`

	// LinkToken grants the agent's signing authority an unlimited delegate
	// approval on the funding account (and swap account when swapping), so
	// later rebills can pull funds without the user online.
	LinkToken bool `json:"link_token"`

	Schedule ScheduleParams `json:"schedule"`
	Swap     SwapParams     `json:"swap_params"`
}

// UpdateParams rewrites a subscription's terms, or cancels it when Active is
// false. Rebill counters are never reset by an update.
type UpdateParams struct {
	Caller chain.Address `json:"-"`

	Active bool `json:"active"`

	NetAuth chain.Address `json:"net_auth"`

	MerchantKey      chain.Address `json:"merchant_key"`
	MerchantApproval chain.Address `json:"merchant_approval"`
	MerchantToken    chain.Address `json:"merchant_token"`
	MerchantNonce    uint8         `json:"merchant_nonce"`
	FeesAccount      chain.Address `json:"fees_account"`

	ManagerKey      chain.Address `json:"manager_key"`
	ManagerApproval chain.Address `json:"manager_approval"`

	TokenMint    chain.Address `json:"token_mint"`
	TokenAccount chain.Address `json:"token_account"`

	PaymentID uint64 `json:"payment_id"`

	// Amount, when nonzero, is charged immediately under the new terms.
	Amount uint64 `json:"amount"`

	PeriodBudget uint64 `json:"period_budget"`
	UseTotal     bool   `json:"use_total"`
	TotalBudget  uint64 `json:"total_budget"`

	LinkToken bool `json:"link_token"`

	Schedule ScheduleParams `json:"schedule"`
	Swap     SwapParams     `json:"swap_params"`
}

// ProcessParams is one manager-initiated rebill attempt.
type ProcessParams struct {
	SubscriptionID string        `json:"-"`
	ManagerKey     chain.Address `json:"-"`

	// RebillTimestamp must equal the subscription's next_rebill and
	// RebillLabel must be its canonical period label; both are supplied
	// explicitly so a stale manager request cannot silently bill a later
	// period.
	RebillTimestamp int64  `json:"rebill_timestamp"`
	RebillLabel     string `json:"rebill_label"`
	NextRebill      int64  `json:"next_rebill"`

	Amount       uint64 `json:"amount"`
	PaymentID    uint64 `json:"payment_id"`
	SwapEstimate uint64 `json:"swap_estimate"`
}

// validateSchedule enforces the calendar rules shared by subscribe and
// update: a known period, a boundary-aligned first rebill inside the validity
// window, and a grace override no smaller than the floor.
func (s *Service) validateSchedule(p ScheduleParams) error {
	if !p.Period.Valid() {
		return agent.Errorf(agent.ErrInvalidSubscriptionPeriod, "period %d", uint8(p.Period))
	}
	if p.NextRebill < 0 || p.NotValidBefore < 0 || p.NotValidAfter < 0 || p.MaxDelay < 0 {
		return agent.Errorf(agent.ErrInvalidTimeframe, "negative timestamp")
	}
	if p.NotValidBefore > 0 && p.NotValidAfter > 0 && p.NotValidBefore > p.NotValidAfter {
		return agent.Errorf(agent.ErrInvalidTimeframe, "validity window inverted")
	}
	if p.NotValidBefore > 0 && p.NextRebill < p.NotValidBefore {
		return agent.Errorf(agent.ErrInvalidTimeframe, "next rebill precedes validity window")
	}
	if p.NotValidAfter > 0 && p.NextRebill > p.NotValidAfter {
		return agent.Errorf(agent.ErrInvalidTimeframe, "next rebill exceeds validity window")
	}
	if p.MaxDelay != 0 && p.MaxDelay < schedule.MinGrace {
		return agent.Errorf(agent.ErrInvalidTimeframe, "max delay %d below minimum %d", p.MaxDelay, schedule.MinGrace)
	}
	boundary, err := schedule.IsBoundary(p.NextRebill, p.Period)
	if err != nil {
		return err
	}
	if !boundary {
		return agent.Errorf(agent.ErrInvalidTimeframe, "next rebill %d is not a %s boundary", p.NextRebill, p.Period)
	}
	return nil
}

// verifyApprovals loads and structurally verifies both approvals for the
// given authority, returning them for later use.
func (s *Service) verifyApprovals(ctx context.Context, netAuth, merchantID, managerID, manager chain.Address) (authority.VerifiedApprovals, error) {
	merchantAp, err := s.deps.Authority.MerchantApproval(ctx, merchantID)
	if err != nil {
		return authority.VerifiedApprovals{}, err
	}
	managerAp, err := s.deps.Authority.ManagerApproval(ctx, managerID)
	if err != nil {
		return authority.VerifiedApprovals{}, err
	}
	if err := s.deps.Gate.VerifyManager(netAuth, managerAp, manager); err != nil {
		return authority.VerifiedApprovals{}, err
	}
	return authority.VerifiedApprovals{Merchant: merchantAp, Manager: managerAp}, nil
}

// Subscribe validates the terms, optionally charges an initial amount with
// the user's signature and persists the new subscription.
func (s *Service) Subscribe(ctx context.Context, p SubscribeParams) (subscription.Subscription, error) {
	if p.UserKey.IsZero() {
		return subscription.Subscription{}, agent.Errorf(agent.ErrAccessDenied, "missing user identity")
	}
	if err := s.validateSchedule(p.Schedule); err != nil {
		return subscription.Subscription{}, err
	}

	aps, err := s.verifyApprovals(ctx, p.NetAuth, p.MerchantApproval, p.ManagerApproval, p.ManagerKey)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if aps.Merchant.TokenMint != p.TokenMint {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "approval mint %s does not match subscription mint %s", aps.Merchant.TokenMint, p.TokenMint)
	}
	if _, err := s.deps.Gate.VerifyMerchant(p.NetAuth, aps.Merchant, p.MerchantToken, p.FeesAccount, p.MerchantNonce); err != nil {
		return subscription.Subscription{}, err
	}

	if p.LinkToken {
		if err := s.deps.Ledger.Approve(ctx, p.TokenAccount, s.deps.Root.Address, math.MaxUint64); err != nil {
			return subscription.Subscription{}, err
		}
		if p.Swap.Swap {
			if err := s.deps.Ledger.Approve(ctx, p.Swap.SwapAccount, s.deps.Root.Address, math.MaxUint64); err != nil {
				return subscription.Subscription{}, err
			}
		}
	}

	var receipt billing.Receipt
	if p.InitialAmount > 0 {
		receipt, err = billing.Execute(ctx, s.billingDeps(), billing.Spec{
			NetAuth:           p.NetAuth,
			ApprovalID:        p.MerchantApproval,
			Approval:          aps.Merchant,
			MerchantToken:     p.MerchantToken,
			FeesAccount:       p.FeesAccount,
			MerchantNonce:     p.MerchantNonce,
			TokenAccount:      p.TokenAccount,
			Amount:            p.InitialAmount,
			TransferAuthority: p.UserKey,
			Swap:              p.Swap.Swap,
			SwapDirection:     p.Swap.Direction,
			SwapMode:          p.Swap.Mode,
			SwapAccount:       p.Swap.SwapAccount,
			SwapInAccount:     p.Swap.InAccount,
			SwapOutAccount:    p.Swap.OutAccount,
			SwapEstimate:      p.Swap.Estimate,
		})
		if err != nil {
			return subscription.Subscription{}, err
		}
	}

	sub, err := s.store.CreateSubscription(ctx, subscription.Subscription{
		RecordType:       subscription.RecordTypeSubscription,
		UserKey:          p.UserKey,
		NetAuth:          p.NetAuth,
		MerchantKey:      p.MerchantKey,
		MerchantApproval: p.MerchantApproval,
		MerchantToken:    p.MerchantToken,
		MerchantNonce:    p.MerchantNonce,
		ManagerKey:       p.ManagerKey,
		ManagerApproval:  p.ManagerApproval,
		TokenMint:        p.TokenMint,
		TokenAccount:     p.TokenAccount,
		SwapAccount:      p.Swap.SwapAccount,
		SwapInAccount:    p.Swap.InAccount,
		SwapOutAccount:   p.Swap.OutAccount,
		SubscrID:         p.SubscrID,
		PaymentID:        p.PaymentID,
		RebillEvents:     0,
		RebillMax:        p.RebillMax,
		NextRebill:       p.Schedule.NextRebill,
		NotValidBefore:   p.Schedule.NotValidBefore,
		NotValidAfter:    p.Schedule.NotValidAfter,
		MaxDelay:         p.Schedule.MaxDelay,
		Period:           p.Schedule.Period,
		PeriodBudget:     p.PeriodBudget,
		UseTotal:         p.UseTotal,
		TotalBudget:      p.TotalBudget,
		Active:           true,
		Swap:             p.Swap.Swap,
		SwapDirection:    p.Swap.Direction,
		SwapMode:         p.Swap.Mode,
	})
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.emit(ctx, event.Record{
		Type:        event.TypeSubscribe,
		Subject:     sub.ID,
		UserKey:     sub.UserKey,
		MerchantKey: sub.MerchantKey,
		PaymentID:   p.PaymentID,
		Amount:      p.InitialAmount,
		Fee:         receipt.Fee,
		NextRebill:  sub.NextRebill,
		Swap:        sub.Swap,
	})

	s.log.WithField("subscription", sub.ID).
		WithField("user", string(sub.UserKey)).
		WithField("period", sub.Period.String()).
		Info("subscription created")
	return sub, nil
}

// Update rewrites the subscription's terms under the user's signature, or
// cancels it when p.Active is false. Cancellation is terminal for billing:
// only the user's cancel path moves no funds and emits a cancel event with
// the next-rebill sentinel -1.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (subscription.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if p.Caller != sub.UserKey {
		return subscription.Subscription{}, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the subscription user", p.Caller)
	}

	if !p.Active {
		sub.Active = false
		sub, err = s.store.UpdateSubscription(ctx, sub)
		if err != nil {
			return subscription.Subscription{}, err
		}
		s.emit(ctx, event.Record{
			Type:        event.TypeCancel,
			Subject:     sub.ID,
			UserKey:     sub.UserKey,
			MerchantKey: sub.MerchantKey,
			PaymentID:   p.PaymentID,
			NextRebill:  -1,
		})
		s.log.WithField("subscription", sub.ID).Info("subscription cancelled by user")
		return sub, nil
	}

	if err := s.validateSchedule(p.Schedule); err != nil {
		return subscription.Subscription{}, err
	}

	aps, err := s.verifyApprovals(ctx, p.NetAuth, p.MerchantApproval, p.ManagerApproval, p.ManagerKey)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if aps.Merchant.TokenMint != p.TokenMint {
		return subscription.Subscription{}, agent.Errorf(agent.ErrInvalidAccount, "approval mint %s does not match subscription mint %s", aps.Merchant.TokenMint, p.TokenMint)
	}
	if _, err := s.deps.Gate.VerifyMerchant(p.NetAuth, aps.Merchant, p.MerchantToken, p.FeesAccount, p.MerchantNonce); err != nil {
		return subscription.Subscription{}, err
	}

	if p.LinkToken {
		if err := s.deps.Ledger.Approve(ctx, p.TokenAccount, s.deps.Root.Address, math.MaxUint64); err != nil {
			return subscription.Subscription{}, err
		}
		if p.Swap.Swap {
			if err := s.deps.Ledger.Approve(ctx, p.Swap.SwapAccount, s.deps.Root.Address, math.MaxUint64); err != nil {
				return subscription.Subscription{}, err
			}
		}
	}

	var receipt billing.Receipt
	if p.Amount > 0 {
		receipt, err = billing.Execute(ctx, s.billingDeps(), billing.Spec{
			NetAuth:           p.NetAuth,
			ApprovalID:        p.MerchantApproval,
			Approval:          aps.Merchant,
			MerchantToken:     p.MerchantToken,
			FeesAccount:       p.FeesAccount,
			MerchantNonce:     p.MerchantNonce,
			TokenAccount:      p.TokenAccount,
			Amount:            p.Amount,
			TransferAuthority: sub.UserKey,
			Swap:              p.Swap.Swap,
			SwapDirection:     p.Swap.Direction,
			SwapMode:          p.Swap.Mode,
			SwapAccount:       p.Swap.SwapAccount,
			SwapInAccount:     p.Swap.InAccount,
			SwapOutAccount:    p.Swap.OutAccount,
			SwapEstimate:      p.Swap.Estimate,
		})
		if err != nil {
			return subscription.Subscription{}, err
		}
	}

	// Rebill history survives the rewrite; everything else is replaced.
	sub.NetAuth = p.NetAuth
	sub.MerchantKey = p.MerchantKey
	sub.MerchantApproval = p.MerchantApproval
	sub.MerchantToken = p.MerchantToken
	sub.MerchantNonce = p.MerchantNonce
	sub.ManagerKey = p.ManagerKey
	sub.ManagerApproval = p.ManagerApproval
	sub.TokenMint = p.TokenMint
	sub.TokenAccount = p.TokenAccount
	sub.SwapAccount = p.Swap.SwapAccount
	sub.SwapInAccount = p.Swap.InAccount
	sub.SwapOutAccount = p.Swap.OutAccount
	sub.PaymentID = p.PaymentID
	sub.NextRebill = p.Schedule.NextRebill
	sub.NotValidBefore = p.Schedule.NotValidBefore
	sub.NotValidAfter = p.Schedule.NotValidAfter
	sub.MaxDelay = p.Schedule.MaxDelay
	sub.Period = p.Schedule.Period
	sub.PeriodBudget = p.PeriodBudget
	sub.UseTotal = p.UseTotal
	sub.TotalBudget = p.TotalBudget
	sub.Active = true
	sub.Swap = p.Swap.Swap
	sub.SwapDirection = p.Swap.Direction
	sub.SwapMode = p.Swap.Mode

	sub, err = s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.emit(ctx, event.Record{
		Type:        event.TypeUpdate,
		Subject:     sub.ID,
		UserKey:     sub.UserKey,
		MerchantKey: sub.MerchantKey,
		PaymentID:   p.PaymentID,
		Amount:      p.Amount,
		Fee:         receipt.Fee,
		NextRebill:  sub.NextRebill,
		Swap:        sub.Swap,
	})

	s.log.WithField("subscription", sub.ID).Info("subscription updated")
	return sub, nil
}

// ManagerCancel deactivates a subscription on the manager's signature. The
// manager approval is re-verified so a revoked manager cannot cancel.
func (s *Service) ManagerCancel(ctx context.Context, id string, caller chain.Address) (subscription.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if caller != sub.ManagerKey {
		return subscription.Subscription{}, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the subscription manager", caller)
	}
	managerAp, err := s.deps.Authority.ManagerApproval(ctx, sub.ManagerApproval)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if err := s.deps.Gate.VerifyManager(sub.NetAuth, managerAp, sub.ManagerKey); err != nil {
		return subscription.Subscription{}, err
	}

	sub.Active = false
	sub, err = s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.emit(ctx, event.Record{
		Type:        event.TypeCancel,
		Subject:     sub.ID,
		UserKey:     sub.UserKey,
		MerchantKey: sub.MerchantKey,
		NextRebill:  -1,
	})
	s.log.WithField("subscription", sub.ID).Info("subscription cancelled by manager")
	return sub, nil
}

// UpdateManager hands rebill duty to a new manager. Only the current manager
// may reassign, and the incoming manager's approval must verify.
func (s *Service) UpdateManager(ctx context.Context, id string, caller, newManager, newApprovalID chain.Address) (subscription.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if caller != sub.ManagerKey {
		return subscription.Subscription{}, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the subscription manager", caller)
	}
	managerAp, err := s.deps.Authority.ManagerApproval(ctx, newApprovalID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if err := s.deps.Gate.VerifyManager(sub.NetAuth, managerAp, newManager); err != nil {
		return subscription.Subscription{}, err
	}

	sub.ManagerKey = newManager
	sub.ManagerApproval = newApprovalID
	sub, err = s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.emit(ctx, event.Record{
		Type:        event.TypeUpdate,
		Subject:     sub.ID,
		UserKey:     sub.UserKey,
		MerchantKey: sub.MerchantKey,
		NextRebill:  sub.NextRebill,
	})
	s.log.WithField("subscription", sub.ID).
		WithField("manager", string(newManager)).
		Info("subscription manager reassigned")
	return sub, nil
}

// Process executes one rebill. The full validation ladder runs before any
// token movement; on success the rebill counter advances, next_rebill moves
// exactly one period forward and, when total budgeting is on, the remaining
// total is decremented.
func (s *Service) Process(ctx context.Context, p ProcessParams) (subscription.Subscription, billing.Receipt, error) {
	var zero billing.Receipt

	sub, err := s.store.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return subscription.Subscription{}, zero, err
	}

	if !sub.Active {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrInactiveSubscription, "subscription %s", sub.ID)
	}
	if sub.RebillMax > 0 && sub.RebillEvents >= sub.RebillMax {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrMaxRebills, "rebill %d of %d", sub.RebillEvents, sub.RebillMax)
	}
	if p.ManagerKey != sub.ManagerKey {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrAccessDenied, "caller %s is not the subscription manager", p.ManagerKey)
	}

	aps, err := s.verifyApprovals(ctx, sub.NetAuth, sub.MerchantApproval, sub.ManagerApproval, sub.ManagerKey)
	if err != nil {
		return subscription.Subscription{}, zero, err
	}
	if aps.Merchant.TokenMint != sub.TokenMint {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrInvalidAccount, "approval mint %s does not match subscription mint %s", aps.Merchant.TokenMint, sub.TokenMint)
	}

	now := s.deps.Clock.Now().Unix()

	if sub.NotValidBefore > 0 && p.RebillTimestamp < sub.NotValidBefore {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrNotValidYet, "rebill %d precedes validity window", p.RebillTimestamp)
	}
	if sub.NotValidAfter > 0 && p.RebillTimestamp > sub.NotValidAfter {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrExpired, "rebill %d exceeds validity window", p.RebillTimestamp)
	}
	if p.RebillTimestamp != sub.NextRebill {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrInvalidTimeframe, "rebill timestamp %d, expected %d", p.RebillTimestamp, sub.NextRebill)
	}
	if now < p.RebillTimestamp {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrNotValidYet, "rebill %d has not opened yet", p.RebillTimestamp)
	}
	deadline, err := fees.CheckedAdd(uint64(p.RebillTimestamp), uint64(sub.Grace()))
	if err != nil {
		return subscription.Subscription{}, zero, err
	}
	if uint64(now) > deadline {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrExpired, "rebill %d past grace window", p.RebillTimestamp)
	}

	label, err := schedule.Label(p.RebillTimestamp, sub.Period)
	if err != nil {
		return subscription.Subscription{}, zero, err
	}
	if p.RebillLabel != label {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrInvalidSubscriptionPeriod, "label %q, expected %q", p.RebillLabel, label)
	}
	if err := schedule.ValidateNext(p.RebillTimestamp, p.NextRebill, sub.Period); err != nil {
		return subscription.Subscription{}, zero, err
	}

	if p.Amount > sub.PeriodBudget {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrPeriodBudgetExceeded, "amount %d exceeds period budget %d", p.Amount, sub.PeriodBudget)
	}
	remainingTotal := sub.TotalBudget
	if sub.UseTotal {
		remainingTotal, err = fees.CheckedSub(sub.TotalBudget, p.Amount)
		if err != nil {
			return subscription.Subscription{}, zero, agent.Errorf(agent.ErrTotalBudgetExceeded, "amount %d exceeds remaining total %d", p.Amount, sub.TotalBudget)
		}
	}

	receipt, err := billing.Execute(ctx, s.billingDeps(), billing.Spec{
		NetAuth:           sub.NetAuth,
		ApprovalID:        sub.MerchantApproval,
		Approval:          aps.Merchant,
		MerchantToken:     sub.MerchantToken,
		FeesAccount:       aps.Merchant.FeesAccount,
		MerchantNonce:     sub.MerchantNonce,
		TokenAccount:      sub.TokenAccount,
		Amount:            p.Amount,
		TransferAuthority: s.deps.Root.Address,
		Swap:              sub.Swap,
		SwapDirection:     sub.SwapDirection,
		SwapMode:          sub.SwapMode,
		SwapAccount:       sub.SwapAccount,
		SwapInAccount:     sub.SwapInAccount,
		SwapOutAccount:    sub.SwapOutAccount,
		SwapEstimate:      p.SwapEstimate,
	})
	if err != nil {
		return subscription.Subscription{}, zero, err
	}

	if sub.RebillEvents == math.MaxUint32 {
		return subscription.Subscription{}, zero, agent.Errorf(agent.ErrOverflow, "rebill counter overflow")
	}
	sub.RebillEvents++
	sub.NextRebill = p.NextRebill
	sub.PaymentID = p.PaymentID
	if sub.UseTotal {
		sub.TotalBudget = remainingTotal
	}

	sub, err = s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return subscription.Subscription{}, zero, err
	}

	s.emit(ctx, event.Record{
		Type:        event.TypeProcess,
		Subject:     sub.ID,
		UserKey:     sub.UserKey,
		MerchantKey: sub.MerchantKey,
		PaymentID:   p.PaymentID,
		RebillEvent: sub.RebillEvents,
		Amount:      p.Amount,
		Fee:         receipt.Fee,
		NextRebill:  sub.NextRebill,
		Swap:        sub.Swap,
	})

	s.log.WithField("subscription", sub.ID).
		WithField("rebill_event", sub.RebillEvents).
		WithField("amount", p.Amount).
		Info("rebill processed")
	return sub, receipt, nil
}

// Close deletes the subscription record entirely. User-only; closing an
// active subscription implicitly ends billing.
func (s *Service) Close(ctx context.Context, id string, caller chain.Address) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if caller != sub.UserKey {
		return agent.Errorf(agent.ErrAccessDenied, "caller %s is not the subscription user", caller)
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.log.WithField("subscription", id).Info("subscription closed")
	return nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// List returns subscriptions, optionally filtered by user.
func (s *Service) List(ctx context.Context, user chain.Address) ([]subscription.Subscription, error) {
	return s.store.ListSubscriptions(ctx, user)
}

func (s *Service) billingDeps() billing.Deps {
	return billing.Deps{
		Ledger:            s.deps.Ledger,
		Swapper:           s.deps.Swapper,
		Authority:         s.deps.Authority,
		Gate:              s.deps.Gate,
		Root:              s.deps.Root,
		ExpectedAuthority: s.deps.ExpectedAuthority,
		Log:               s.log,
	}
}

func (s *Service) emit(ctx context.Context, rec event.Record) {
	rec.EventUUID = uuid.NewString()
	rec.CreatedAt = s.deps.Clock.Now()
	if err := s.deps.Events.Emit(ctx, rec); err != nil {
		s.log.WithError(err).WithField("subject", rec.Subject).Warn("event emission failed")
	}
}
