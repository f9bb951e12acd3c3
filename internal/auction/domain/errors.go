package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionExists     = errors.New("auction already exists")
	ErrAuctionNotOpen    = errors.New("auction is not open for bidding")
	ErrAuctionExpired    = errors.New("auction has expired")
	ErrBidTooLow         = errors.New("bid amount is too low")
	ErrInvalidTransition = errors.New("invalid auction state transition")
	ErrValidation        = errors.New("validation failed")

	// ErrVersionConflict is internal: the engine retries it and never returns it to callers.
	ErrVersionConflict = errors.New("auction version conflict")
	// ErrStoreUnavailable marks infrastructure failures, retryable by the caller.
	ErrStoreUnavailable = errors.New("auction store unavailable")
)

// BidTooLowError is returned when amount does not beat the current price.
// errors.Is(err, ErrBidTooLow) holds for it.
type BidTooLowError struct {
	Amount       decimal.Decimal
	CurrentPrice decimal.Decimal
	Minimum      decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid amount is too low: %s does not exceed current price %s, minimum bid is %s",
		e.Amount, e.CurrentPrice, e.Minimum)
}

func (e *BidTooLowError) Is(target error) bool { return target == ErrBidTooLow }

// ValidationError reports malformed input. errors.Is(err, ErrValidation) holds for it.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Unavailable wraps an infrastructure error with ErrStoreUnavailable, keeping
// domain errors and nil untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuctionNotFound) || errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAuctionExists) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
