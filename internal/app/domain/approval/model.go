// Package approval mirrors the network authority's approval records. The
// agent reads and structurally verifies these; their lifecycle belongs to the
// authority service.
package approval

import "github.com/atellix/token-agent/internal/app/chain"

// MerchantApproval authorizes a merchant to receive payments, fixes the fee
// rate and names the fee destination.
type MerchantApproval struct {
	Authority   chain.Address `json:"authority"` // owning authority program
	Active      bool          `json:"active"`
	MerchantKey chain.Address `json:"merchant_key"`
	TokenMint   chain.Address `json:"token_mint"`
	FeeBps      uint32        `json:"fee_bps"`
	FeesAccount chain.Address `json:"fees_account"` // registered fee destination
	DestAccount chain.Address `json:"dest_account"` // merchant payout wallet
	TxCount     uint64        `json:"tx_count"`
}

// ManagerApproval authorizes a rebill manager.
type ManagerApproval struct {
	Authority  chain.Address `json:"authority"`
	Active     bool          `json:"active"`
	ManagerKey chain.Address `json:"manager_key"`
}
