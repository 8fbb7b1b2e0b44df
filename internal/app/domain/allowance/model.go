// Package allowance holds the delegated-spending allowance record.
package allowance

import (
	"time"

	"github.com/atellix/token-agent/internal/app/chain"
)

// Allowance is a bounded one-way spending capability: the delegate may move
// up to Amount of the user's tokens out of the funding account, optionally
// only to a designated recipient, inside a validity window. The record lives
// at an address derived from the identity tuple, so the derivation itself is
// the authorization check.
type Allowance struct {
	Address chain.Address `json:"address"` // derived storage address
	Nonce   uint8         `json:"nonce"`   // derivation nonce

	UserKey      chain.Address `json:"user_key"`
	DelegateKey  chain.Address `json:"delegate_key"`
	RecipientKey chain.Address `json:"recipient_key,omitempty"` // zero = unrestricted

	TokenMint    chain.Address `json:"token_mint"`
	TokenAccount chain.Address `json:"token_account"`

	NotValidBefore int64 `json:"not_valid_before"`
	NotValidAfter  int64 `json:"not_valid_after"`

	Amount uint64 `json:"amount"` // remaining spendable amount

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
