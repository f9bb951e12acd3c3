package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bid represents an accepted offer on an auction, an entity inside the Auction aggregate.
type Bid struct {
	ID        uuid.UUID
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// NewBid creates a new Bid instance
func NewBid(id uuid.UUID, auctionID, bidderID string, amount decimal.Decimal, timestamp time.Time) Bid {
	return Bid{
		ID:        id,
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Timestamp: timestamp,
	}
}
