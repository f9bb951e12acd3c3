package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a broadcast event.
type EventType string

const (
	EventAuctionOpened EventType = "auction_opened"
	EventBidPlaced     EventType = "bid_placed"
	EventAuctionClosed EventType = "auction_closed" // terminal
)

// Event is the post-commit snapshot fanned out to subscribers. It references
// the auction by id and carries only the fields that change.
type Event struct {
	Type             EventType       `json:"type"`
	AuctionID        string          `json:"auctionId"`
	Version          int64           `json:"version"`
	State            AuctionState    `json:"state"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	CurrentBidderID  string          `json:"currentBidderId,omitempty"`
	TotalBids        int             `json:"totalBids"`
	RemainingSeconds int64           `json:"remainingSeconds"`
	EndsAt           time.Time       `json:"endsAt"`
	WinnerID         string          `json:"winnerId,omitempty"`
	OccurredAt       time.Time       `json:"occurredAt"`
}

// NewEvent snapshots a committed auction.
func NewEvent(t EventType, a *Auction, now time.Time) Event {
	return Event{
		Type:             t,
		AuctionID:        a.ID,
		Version:          a.Version,
		State:            a.State,
		CurrentPrice:     a.CurrentPrice,
		CurrentBidderID:  a.CurrentBidderID,
		TotalBids:        a.TotalBids,
		RemainingSeconds: a.RemainingSeconds(now),
		EndsAt:           a.EndsAt,
		WinnerID:         a.WinnerID,
		OccurredAt:       now,
	}
}

// Terminal reports whether no event can follow this one for the auction.
func (e Event) Terminal() bool { return e.Type == EventAuctionClosed }
