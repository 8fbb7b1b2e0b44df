// Package billing executes the money-moving sequence shared by subscription
// rebills and one-shot merchant payments: optional swap hop with refund of
// excess, fee split, merchant transfer and revenue recording. Keeping the
// sequence in one place guarantees identical fee rounding and event shape
// across every charge path.
package billing

import (
	"context"

	"github.com/atellix/token-agent/internal/app/authority"
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/approval"
	"github.com/atellix/token-agent/internal/app/fees"
	"github.com/atellix/token-agent/pkg/logger"
)

// Deps are the collaborators a charge needs.
type Deps struct {
	Ledger    chain.TokenLedger
	Swapper   chain.Swapper
	Authority authority.Client
	Gate      *authority.Gate
	Root      chain.SigningAuthority

	// ExpectedAuthority is the network authority program the agent trusts.
	// Revenue recording is skipped, not failed, when a subscription names a
	// different authority.
	ExpectedAuthority chain.Address

	Log *logger.Logger
}

// Spec describes one charge.
type Spec struct {
	NetAuth    chain.Address // authority program named by the payer record
	ApprovalID chain.Address
	Approval   approval.MerchantApproval

	MerchantToken chain.Address
	FeesAccount   chain.Address
	MerchantNonce uint8

	TokenAccount chain.Address // funding account, payment mint
	Amount       uint64

	// TransferAuthority signs the funding debit: the user for direct
	// payments, the agent's root authority for delegated rebills.
	TransferAuthority chain.Address

	Swap           bool
	SwapDirection  bool
	SwapMode       chain.SwapMode
	SwapAccount    chain.Address // user's swap-source token account
	SwapInAccount  chain.Address // agent-side swap input
	SwapOutAccount chain.Address // agent-side swap output, payment mint
	SwapEstimate   uint64
}

// Receipt reports the outcome of a successful charge.
type Receipt struct {
	FeeBps uint32
	Fee    uint64
	Net    uint64
}

// Execute runs the full charge sequence. Any failure aborts the whole
// operation; the enclosing runtime rolls back state.
func Execute(ctx context.Context, deps Deps, spec Spec) (Receipt, error) {
	feeBps, err := deps.Gate.VerifyMerchant(spec.NetAuth, spec.Approval, spec.MerchantToken, spec.FeesAccount, spec.MerchantNonce)
	if err != nil {
		return Receipt{}, err
	}

	source := spec.TokenAccount
	sourceAuthority := spec.TransferAuthority

	if spec.Swap {
		if spec.SwapMode != chain.SwapModeAtxSwapV1 {
			return Receipt{}, agent.Errorf(agent.ErrInvalidSwapMode, "swap mode %d", uint8(spec.SwapMode))
		}

		outBefore, err := deps.Ledger.Balance(ctx, spec.SwapOutAccount)
		if err != nil {
			return Receipt{}, err
		}

		// Pull of the user's swap-source tokens into the agent's swap input
		// account, signed by the charge authority: the user on direct
		// payments, the root delegate on unattended rebills.
		if err := deps.Ledger.Transfer(ctx, spec.SwapAccount, spec.SwapInAccount, sourceAuthority, spec.SwapEstimate); err != nil {
			return Receipt{}, err
		}

		if err := deps.Swapper.Swap(ctx, chain.SwapRequest{
			InAccount:  spec.SwapInAccount,
			OutAccount: spec.SwapOutAccount,
			Direction:  spec.SwapDirection,
			Mode:       spec.SwapMode,
			Estimate:   spec.SwapEstimate,
			Authority:  deps.Root.Address,
		}); err != nil {
			return Receipt{}, err
		}

		// Post-swap balances are re-read; the swap's return value is never
		// trusted.
		outAfter, err := deps.Ledger.Balance(ctx, spec.SwapOutAccount)
		if err != nil {
			return Receipt{}, err
		}
		received, err := fees.CheckedSub(outAfter, outBefore)
		if err != nil {
			return Receipt{}, err
		}
		excess, err := fees.CheckedSub(received, spec.Amount)
		if err != nil {
			return Receipt{}, agent.Errorf(agent.ErrOverflow, "swap produced %d, charge requires %d", received, spec.Amount)
		}
		if excess > 0 {
			if err := deps.Ledger.Transfer(ctx, spec.SwapOutAccount, spec.TokenAccount, deps.Root.Address, excess); err != nil {
				return Receipt{}, err
			}
		}

		source = spec.SwapOutAccount
		sourceAuthority = deps.Root.Address
	}

	fee, net, err := fees.Compute(spec.Amount, feeBps)
	if err != nil {
		return Receipt{}, err
	}

	if fee > 0 {
		if err := deps.Ledger.Transfer(ctx, source, spec.FeesAccount, sourceAuthority, fee); err != nil {
			return Receipt{}, err
		}
	}
	if err := deps.Ledger.Transfer(ctx, source, spec.MerchantToken, sourceAuthority, net); err != nil {
		return Receipt{}, err
	}

	if spec.NetAuth == deps.ExpectedAuthority {
		if err := deps.Authority.RecordTransaction(ctx, spec.ApprovalID); err != nil {
			return Receipt{}, err
		}
	} else if deps.Log != nil {
		deps.Log.WithField("net_auth", spec.NetAuth).Debug("authority mismatch, skipping revenue recording")
	}

	return Receipt{FeeBps: feeBps, Fee: fee, Net: net}, nil
}
