// Package event defines the audit records emitted after every successful
// state transition, consumed by off-chain indexers.
package event

import (
	"time"

	"github.com/atellix/token-agent/internal/app/chain"
)

// Type is the numeric event discriminant.
type Type uint8

const (
	TypeSubscribe Type = iota
	TypeUpdate
	TypeCancel
	TypeProcess
	TypePayment
)

func (t Type) String() string {
	switch t {
	case TypeSubscribe:
		return "subscribe"
	case TypeUpdate:
		return "update"
	case TypeCancel:
		return "cancel"
	case TypeProcess:
		return "process"
	case TypePayment:
		return "payment"
	default:
		return "unknown"
	}
}

// Record is one emitted event. Subscription events carry the subscription id
// as Subject; one-shot payment events carry the payment uuid.
type Record struct {
	EventUUID string `json:"event_uuid"`
	Type      Type   `json:"event_type"`
	Subject   string `json:"subject"`

	UserKey     chain.Address `json:"user_key"`
	MerchantKey chain.Address `json:"merchant_key"`

	PaymentID   uint64 `json:"payment_id,omitempty"`
	RebillEvent uint32 `json:"rebill_event,omitempty"`
	Amount      uint64 `json:"amount"`
	Fee         uint64 `json:"fee"`
	NextRebill  int64  `json:"next_rebill,omitempty"`
	Swap        bool   `json:"swap,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
