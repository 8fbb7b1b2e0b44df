// Package subscription holds the recurring-billing subscription record.
package subscription

import (
	"time"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/schedule"
)

// RecordType discriminates stored record layouts so account data cannot be
// mixed and matched across the agent's entities.
type RecordType uint8

const (
	RecordTypeUndefined RecordType = iota
	RecordTypeSubscription
	RecordTypeAllowance
)

// Subscription is the canonical current-revision subscription record: swap
// support, period and total budgets, and manager reassignment.
type Subscription struct {
	ID         string     `json:"id"`
	RecordType RecordType `json:"record_type"`

	UserKey chain.Address `json:"user_key"`
	NetAuth chain.Address `json:"net_auth"` // trusted approval authority program

	MerchantKey      chain.Address `json:"merchant_key"`
	MerchantApproval chain.Address `json:"merchant_approval"`
	MerchantToken    chain.Address `json:"merchant_token"`
	MerchantNonce    uint8         `json:"merchant_nonce"`

	ManagerKey      chain.Address `json:"manager_key"`
	ManagerApproval chain.Address `json:"manager_approval"`

	TokenMint    chain.Address `json:"token_mint"`
	TokenAccount chain.Address `json:"token_account"`

	// Swap accounts: the user-owned source, and the agent-side in/out pair
	// used to replay the conversion hop on unattended rebills.
	SwapAccount    chain.Address `json:"swap_account,omitempty"`
	SwapInAccount  chain.Address `json:"swap_in_account,omitempty"`
	SwapOutAccount chain.Address `json:"swap_out_account,omitempty"`

	SubscrID  uint64 `json:"subscr_id"` // external correlation id
	PaymentID uint64 `json:"payment_id,omitempty"`

	RebillEvents uint32 `json:"rebill_events"`
	RebillMax    uint32 `json:"rebill_max"` // 0 = unlimited

	NextRebill     int64 `json:"next_rebill"`
	NotValidBefore int64 `json:"not_valid_before"`
	NotValidAfter  int64 `json:"not_valid_after"`
	MaxDelay       int64 `json:"max_delay"` // 0 = period default

	Period schedule.Period `json:"period"`

	PeriodBudget uint64 `json:"period_budget"`
	UseTotal     bool   `json:"use_total"`
	TotalBudget  uint64 `json:"total_budget"`

	Active bool `json:"active"`

	Swap          bool           `json:"swap"`
	SwapDirection bool           `json:"swap_direction"`
	SwapMode      chain.SwapMode `json:"swap_mode"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Grace returns the effective grace window: the stored max_delay, or the
// period default when unset.
func (s Subscription) Grace() int64 {
	if s.MaxDelay != 0 {
		return s.MaxDelay
	}
	return schedule.DefaultGrace(s.Period)
}
