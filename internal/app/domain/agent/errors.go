// Package agent defines the protocol-level error codes shared by the
// subscription, payment and allowance state machines. Every business-rule
// abort surfaces as one of these values so callers can match with errors.Is
// and map the code onto a transport response.
package agent

import "fmt"

// Code discriminates protocol failures.
type Code int

const (
	CodeAccessDenied Code = iota + 1
	CodeInvalidAccount
	CodeInvalidDerivedAccount
	CodeNotApproved
	CodeInvalidSubscriptionPeriod
	CodeInvalidTimeframe
	CodeInactiveSubscription
	CodeMaxRebills
	CodeNotValidYet
	CodeExpired
	CodePeriodBudgetExceeded
	CodeTotalBudgetExceeded
	CodeAllowanceExceeded
	CodeInvalidSwapMode
	CodeOverflow
)

// Error is a protocol failure with a stable discriminant.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any error carrying the same code, so sentinel values below work
// with errors.Is even when wrapped with additional context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf wraps a sentinel with call-site context while preserving the code.
func Errorf(sentinel *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

var (
	ErrAccessDenied              = &Error{CodeAccessDenied, "access denied"}
	ErrInvalidAccount            = &Error{CodeInvalidAccount, "invalid account"}
	ErrInvalidDerivedAccount     = &Error{CodeInvalidDerivedAccount, "invalid derived account"}
	ErrNotApproved               = &Error{CodeNotApproved, "not approved"}
	ErrInvalidSubscriptionPeriod = &Error{CodeInvalidSubscriptionPeriod, "invalid subscription period"}
	ErrInvalidTimeframe          = &Error{CodeInvalidTimeframe, "invalid timeframe"}
	ErrInactiveSubscription      = &Error{CodeInactiveSubscription, "inactive subscription"}
	ErrMaxRebills                = &Error{CodeMaxRebills, "maximum rebills reached"}
	ErrNotValidYet               = &Error{CodeNotValidYet, "not valid yet"}
	ErrExpired                   = &Error{CodeExpired, "expired"}
	ErrPeriodBudgetExceeded      = &Error{CodePeriodBudgetExceeded, "period budget exceeded"}
	ErrTotalBudgetExceeded       = &Error{CodeTotalBudgetExceeded, "total budget exceeded"}
	ErrAllowanceExceeded         = &Error{CodeAllowanceExceeded, "allowance exceeded"}
	ErrInvalidSwapMode           = &Error{CodeInvalidSwapMode, "invalid swap mode"}
	ErrOverflow                  = &Error{CodeOverflow, "arithmetic overflow"}
)
