package authority

import (
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/domain/approval"
)

// VerifiedApprovals carries the approval pair an operation loaded and
// verified before acting.
type VerifiedApprovals struct {
	Merchant approval.MerchantApproval
	Manager  approval.ManagerApproval
}

// Gate structurally verifies approval records before any operation trusts
// them. The derive-then-compare step is the principal defense against account
// substitution: the expected address is recomputed from trusted inputs and
// compared byte for byte against the supplied one.
type Gate struct {
	ata *chain.Deriver // associated-token-account deriver
}

// NewGate builds a gate using the given associated-token deriver.
func NewGate(ata *chain.Deriver) *Gate {
	return &Gate{ata: ata}
}

// VerifyMerchant checks a merchant approval against the supplied payout and
// fee accounts and returns the approved fee rate in basis points.
//
// Order matters: ownership, active flag, fee destination, derived payout
// account.
func (g *Gate) VerifyMerchant(
	authority chain.Address,
	ap approval.MerchantApproval,
	merchantToken chain.Address,
	feesAccount chain.Address,
	destNonce uint8,
) (uint32, error) {
	if ap.Authority != authority {
		return 0, agent.Errorf(agent.ErrInvalidAccount, "merchant approval owned by %s, expected %s", ap.Authority, authority)
	}
	if !ap.Active {
		return 0, agent.Errorf(agent.ErrNotApproved, "merchant approval inactive")
	}
	if feesAccount != ap.FeesAccount {
		return 0, agent.Errorf(agent.ErrInvalidAccount, "fees account %s does not match approval", feesAccount)
	}
	expected := g.ata.AssociatedTokenAccount(ap.DestAccount, ap.TokenMint, destNonce)
	if merchantToken != expected {
		return 0, agent.Errorf(agent.ErrInvalidDerivedAccount, "merchant token account %s, derived %s", merchantToken, expected)
	}
	return ap.FeeBps, nil
}

// VerifyManager checks a manager approval's ownership, active flag and bound
// manager identity.
func (g *Gate) VerifyManager(authority chain.Address, ap approval.ManagerApproval, manager chain.Address) error {
	if ap.Authority != authority {
		return agent.Errorf(agent.ErrInvalidAccount, "manager approval owned by %s, expected %s", ap.Authority, authority)
	}
	if !ap.Active {
		return agent.Errorf(agent.ErrNotApproved, "manager approval inactive")
	}
	if ap.ManagerKey != manager {
		return agent.Errorf(agent.ErrInvalidAccount, "manager approval bound to %s, not %s", ap.ManagerKey, manager)
	}
	return nil
}
