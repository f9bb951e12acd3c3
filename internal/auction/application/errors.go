package application

import (
	"context"
	"errors"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
)

// Error codes shared by every transport.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "auction_not_found"
	CodeAlreadyExists    = "auction_exists"
	CodeNotOpen          = "auction_not_open"
	CodeExpired          = "auction_expired"
	CodeBidTooLow        = "bid_too_low"
	CodeStoreUnavailable = "store_unavailable"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal_error"
)

// ErrorCode classifies err into one of the codes above.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrBidTooLow):
		return CodeBidTooLow
	case errors.Is(err, domain.ErrValidation):
		return CodeValidation
	case errors.Is(err, domain.ErrAuctionNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrAuctionExists):
		return CodeAlreadyExists
	case errors.Is(err, domain.ErrAuctionExpired):
		return CodeExpired
	case errors.Is(err, domain.ErrAuctionNotOpen):
		return CodeNotOpen
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// MinimumBid returns the minimum acceptable amount carried by a too-low rejection.
func MinimumBid(err error) (string, bool) {
	var tooLow *domain.BidTooLowError
	if errors.As(err, &tooLow) {
		return tooLow.Minimum.String(), true
	}
	return "", false
}
