// Package chain defines the narrow contracts the billing agent needs from its
// ledger runtime: a clock, the fungible-token transfer primitive, an
// exchange facility, deterministic address derivation and an event sink. The
// agent never talks to a chain SDK directly; everything flows through these
// interfaces so the state machines stay testable and runtime-agnostic.
package chain

import (
	"bytes"
	"context"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Address is the base58 text form of a 32-byte account address.
type Address string

// Zero is the absent address.
const Zero Address = ""

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Zero }

// Bytes decodes the address back to raw bytes.
func (a Address) Bytes() ([]byte, error) {
	return base58.Decode(string(a))
}

// AddressFromBytes encodes raw bytes as an address.
func AddressFromBytes(b []byte) Address {
	return Address(base58.Encode(b))
}

// AddressFromSeed derives a stable address from a human-readable seed. Used
// for well-known program ids in local deployments and tests.
func AddressFromSeed(seed string) Address {
	sum := blake2b.Sum256([]byte(seed))
	return AddressFromBytes(sum[:])
}

// TokenProgram is the well-known id of the fungible-token program, part of
// every associated-token-account derivation.
var TokenProgram = AddressFromSeed("token-program")

// Deriver computes deterministic addresses owned by a program. Derived
// addresses are never trusted as supplied: verification always recomputes the
// expected address from trusted inputs and compares byte for byte.
type Deriver struct {
	program Address
}

// NewDeriver builds a deriver rooted at the owning program id.
func NewDeriver(program Address) *Deriver {
	return &Deriver{program: program}
}

// Program returns the owning program id.
func (d *Deriver) Program() Address { return d.program }

// Derive hashes the seed tuple under the owning program.
func (d *Deriver) Derive(seeds ...[]byte) Address {
	var buf bytes.Buffer
	for _, seed := range seeds {
		buf.Write(seed)
	}
	buf.WriteString(string(d.program))
	sum := blake2b.Sum256(buf.Bytes())
	return AddressFromBytes(sum[:])
}

// DeriveWithNonce appends a one-byte nonce to the seed tuple. A wrong nonce
// produces a different address, so comparing against a recomputation rejects
// substituted accounts.
func (d *Deriver) DeriveWithNonce(nonce uint8, seeds ...[]byte) Address {
	return d.Derive(append(seeds, []byte{nonce})...)
}

// AssociatedTokenAccount derives the canonical token account for a wallet and
// mint under the token program.
func (d *Deriver) AssociatedTokenAccount(wallet, mint Address, nonce uint8) Address {
	return d.DeriveWithNonce(nonce, []byte(wallet), []byte(TokenProgram), []byte(mint))
}

// SigningAuthority is the agent's singleton delegated-signing identity,
// derived once at startup from the program's root seed and passed by
// reference into every operation that moves tokens on the agent's behalf.
type SigningAuthority struct {
	Address Address
	Nonce   uint8
}

// RootAuthority derives the signing authority for a program.
func RootAuthority(d *Deriver, nonce uint8) SigningAuthority {
	return SigningAuthority{
		Address: d.DeriveWithNonce(nonce, []byte(d.program)),
		Nonce:   nonce,
	}
}

// Clock supplies the trusted current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a constant instant, for tests.
type FixedClock struct {
	Instant time.Time
}

func (c FixedClock) Now() time.Time { return c.Instant }

// TokenLedger is the fungible-token primitive: atomic transfers and delegate
// approvals, fail closed.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to, authority Address, amount uint64) error
	Approve(ctx context.Context, account, delegate Address, amount uint64) error
	Balance(ctx context.Context, account Address) (uint64, error)
}

// SwapMode selects the exchange mechanism for the optional swap hop.
type SwapMode uint8

// SwapModeAtxSwapV1 is the only supported exchange contract revision.
const SwapModeAtxSwapV1 SwapMode = 0

// SwapRequest describes one conversion hop. The agent re-reads token balances
// after the swap rather than trusting any return value.
type SwapRequest struct {
	InAccount  Address
	OutAccount Address
	Direction  bool
	Mode       SwapMode
	Estimate   uint64
	Authority  Address
}

// Swapper is the external exchange facility.
type Swapper interface {
	Swap(ctx context.Context, req SwapRequest) error
}

// EventSink receives structured records after each successful state
// transition. Sinks are append-only; the agent never reads them back.
type EventSink interface {
	Emit(ctx context.Context, record interface{}) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, interface{}) error { return nil }
