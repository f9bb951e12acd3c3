package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=auction_interfaces.go -destination=mock_auction_store.go -package=domain

// AuctionStore is the single source of truth for auctions and their bid
// histories. Implementations wrap infrastructure failures with ErrStoreUnavailable.
type AuctionStore interface {
	// Create persists a new auction at version 1. ErrAuctionExists if the id is taken.
	Create(ctx context.Context, a *Auction) error
	// Get returns a private copy including bid history, or ErrAuctionNotFound.
	Get(ctx context.Context, id string) (*Auction, error)
	// List returns every auction ordered by EndsAt.
	List(ctx context.Context) ([]*Auction, error)
	// ListOpen returns auctions in StateOpen.
	ListOpen(ctx context.Context) ([]*Auction, error)
	// ListByState returns auctions in the given state.
	ListByState(ctx context.Context, state AuctionState) ([]*Auction, error)
	// CASUpdate writes m only if the stored version equals expectedVersion,
	// appending m.Bid in the same atomic step. Returns the new version,
	// ErrVersionConflict or ErrAuctionNotFound.
	CASUpdate(ctx context.Context, id string, expectedVersion int64, m Mutation) (int64, error)
	// AppendBid appends to the history without touching price fields, used to import history.
	AppendBid(ctx context.Context, auctionID string, bid Bid) error
	// Bids returns the history in insertion order.
	Bids(ctx context.Context, auctionID string) ([]Bid, error)
}

// Mutation carries the mutable fields of an auction for a CAS write.
type Mutation struct {
	State           AuctionState
	CurrentPrice    decimal.Decimal
	CurrentBidderID string
	TotalBids       int
	EndsAt          time.Time
	WinnerID        string
	ClosedAt        *time.Time
	UpdatedAt       time.Time
	// Bid, when set, is appended to the history atomically with the update.
	Bid *Bid
}

// MutationOf captures the mutable state of a as a Mutation.
func MutationOf(a *Auction, bid *Bid) Mutation {
	return Mutation{
		State:           a.State,
		CurrentPrice:    a.CurrentPrice,
		CurrentBidderID: a.CurrentBidderID,
		TotalBids:       a.TotalBids,
		EndsAt:          a.EndsAt,
		WinnerID:        a.WinnerID,
		ClosedAt:        a.ClosedAt,
		UpdatedAt:       a.UpdatedAt,
		Bid:             bid,
	}
}

// ApplyTo copies the mutable fields onto a and appends the bid if any.
// The version is left to the store.
func (m Mutation) ApplyTo(a *Auction) {
	a.State = m.State
	a.CurrentPrice = m.CurrentPrice
	a.CurrentBidderID = m.CurrentBidderID
	a.TotalBids = m.TotalBids
	a.EndsAt = m.EndsAt
	a.WinnerID = m.WinnerID
	a.ClosedAt = m.ClosedAt
	a.UpdatedAt = m.UpdatedAt
	if m.Bid != nil {
		a.Bids = append(a.Bids, *m.Bid)
	}
}
