package models

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors: rejected synchronously with no state change.
var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidQuantity   = errors.New("quantity must be greater than 0")
	ErrPriceOutOfRange   = errors.New("price out of range")
	ErrInvalidSlot       = errors.New("invalid slot index")
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrNoItemInSlot      = errors.New("no item in slot")
)

// Resource-conflict errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInventoryFull     = errors.New("inventory full")
	ErrNoAvailableSlot   = errors.New("no available slot")
	ErrMaxActiveReached  = errors.New("maximum active offers reached")
	ErrSlotsOccupied     = errors.New("slots beyond new limit are occupied")
	ErrCannotBuyOwn      = errors.New("cannot buy your own listing")
	ErrRefundRejected    = errors.New("bank rejected refund")
)

// Staleness and integrity errors.
var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrItemNotFound       = errors.New("collection item not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrOverflow           = errors.New("arithmetic overflow")
	ErrInvariantViolation = errors.New("invariant violation")
)

// RateLimitError carries the remaining cooldown of a rejected action.
type RateLimitError struct {
	Action    string
	Remaining time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: retry in %ds", e.Action, e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining cooldown up to whole seconds.
func (e *RateLimitError) RemainingSeconds() int64 {
	secs := int64(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
