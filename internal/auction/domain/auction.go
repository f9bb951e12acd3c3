package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionState represents the lifecycle state of an auction.
// scheduled -> open -> closing -> closed, nothing leaves closed.
type AuctionState string

const (
	StateScheduled AuctionState = "scheduled"
	StateOpen      AuctionState = "open"
	StateClosing   AuctionState = "closing"
	StateClosed    AuctionState = "closed"
)

// Valid reports whether s is one of the known states.
func (s AuctionState) Valid() bool {
	switch s {
	case StateScheduled, StateOpen, StateClosing, StateClosed:
		return true
	}
	return false
}

// Auction is the aggregate root. Instances handed out by a store are private
// copies: mutate them freely and persist through AuctionStore.CASUpdate.
type Auction struct {
	ID          string
	Title       string
	Description string
	Category    string
	ImageURL    string
	StartPrice  decimal.Decimal

	CurrentPrice    decimal.Decimal
	CurrentBidderID string // empty before the first accepted bid
	TotalBids       int
	StartsAt        time.Time
	EndsAt          time.Time
	State           AuctionState
	WinnerID        string // empty when closed without bids
	ClosedAt        *time.Time

	// Version is bumped by the store on every successful CAS write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time

	// Bids is the append-only history, chronological and strictly increasing in amount.
	Bids []Bid
}

// NewAuctionParams holds the descriptive, immutable part of a new auction.
type NewAuctionParams struct {
	ID          string
	Title       string
	Description string
	Category    string
	ImageURL    string
	StartPrice  decimal.Decimal
	StartsAt    time.Time
	EndsAt      time.Time
}

// NewAuction validates p and builds an auction. It starts open when now is
// already past StartsAt, scheduled otherwise.
func NewAuction(p NewAuctionParams, now time.Time) (*Auction, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, NewValidationError("title", "must not be empty")
	}
	if err := CheckAmount("startPrice", p.StartPrice, MaxAmountScale); err != nil {
		return nil, err
	}
	if p.EndsAt.IsZero() {
		return nil, NewValidationError("endsAt", "is required")
	}
	if p.StartsAt.IsZero() {
		p.StartsAt = now
	}
	if !p.EndsAt.After(p.StartsAt) {
		return nil, NewValidationError("endsAt", "must be after startsAt")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	state := StateScheduled
	if !now.Before(p.StartsAt) {
		state = StateOpen
	}
	return &Auction{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Category:     p.Category,
		ImageURL:     p.ImageURL,
		StartPrice:   p.StartPrice,
		CurrentPrice: p.StartPrice, // current price starts at start price
		StartsAt:     p.StartsAt,
		EndsAt:       p.EndsAt,
		State:        state,
		CreatedAt:    now,
		UpdatedAt:    now,
		Bids:         []Bid{},
	}, nil
}

// BidRules are the engine-wide knobs applied to every bid.
type BidRules struct {
	// Unit is the smallest currency unit; the minimum acceptable bid is CurrentPrice + Unit.
	Unit decimal.Decimal
	// AntiSnipeWindow, when positive, pushes EndsAt to at+window for bids landing inside the window.
	AntiSnipeWindow time.Duration
}

// MinimumBid is the lowest amount that would currently be accepted.
func (a *Auction) MinimumBid(unit decimal.Decimal) decimal.Decimal {
	return a.CurrentPrice.Add(unit)
}

// RemainingSeconds until EndsAt, never negative.
func (a *Auction) RemainingSeconds(now time.Time) int64 {
	if !now.Before(a.EndsAt) {
		return 0
	}
	return int64(a.EndsAt.Sub(now) / time.Second)
}

// Open performs scheduled -> open once now reaches StartsAt.
func (a *Auction) Open(now time.Time) error {
	if a.State != StateScheduled {
		return ErrInvalidTransition
	}
	if now.Before(a.StartsAt) {
		return ErrAuctionNotOpen
	}
	a.State = StateOpen
	a.UpdatedAt = now
	return nil
}

// ApplyBid validates a bid against the aggregate and, when accepted, updates
// price, bidder and counter and returns the new history entry. The receiver
// is left untouched on rejection.
func (a *Auction) ApplyBid(bidderID string, amount decimal.Decimal, at time.Time, rules BidRules) (Bid, error) {
	state := a.State
	if state == StateScheduled && !at.Before(a.StartsAt) {
		state = StateOpen
	}
	if state != StateOpen {
		return Bid{}, ErrAuctionNotOpen
	}
	if !at.Before(a.EndsAt) {
		return Bid{}, ErrAuctionExpired
	}
	minimum := a.MinimumBid(rules.Unit)
	if !amount.GreaterThan(a.CurrentPrice) || amount.LessThan(minimum) {
		return Bid{}, &BidTooLowError{Amount: amount, CurrentPrice: a.CurrentPrice, Minimum: minimum}
	}

	bid := NewBid(uuid.New(), a.ID, bidderID, amount, at)
	a.State = state
	a.CurrentPrice = amount
	a.CurrentBidderID = bidderID
	a.TotalBids++
	a.UpdatedAt = at
	if rules.AntiSnipeWindow > 0 && a.EndsAt.Sub(at) < rules.AntiSnipeWindow {
		a.EndsAt = at.Add(rules.AntiSnipeWindow)
	}
	a.Bids = append(a.Bids, bid)
	return bid, nil
}

// BeginClose performs open -> closing. Bids are rejected from here on.
func (a *Auction) BeginClose(now time.Time) error {
	if a.State != StateOpen {
		return ErrInvalidTransition
	}
	a.State = StateClosing
	a.UpdatedAt = now
	return nil
}

// Finalize performs closing -> closed and fixes the winner, the last accepted
// bidder, or nobody when no bid was ever accepted.
func (a *Auction) Finalize(now time.Time) error {
	if a.State != StateClosing {
		return ErrInvalidTransition
	}
	a.State = StateClosed
	if a.TotalBids > 0 {
		a.WinnerID = a.CurrentBidderID
	}
	closedAt := now
	a.ClosedAt = &closedAt
	a.UpdatedAt = now
	return nil
}

// HasWinner reports whether a closed auction ended with an accepted bid.
func (a *Auction) HasWinner() bool {
	return a.State == StateClosed && a.WinnerID != ""
}

// Clone returns a deep copy, so callers never share history slices.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	if a.Bids != nil {
		c.Bids = make([]Bid, len(a.Bids))
		copy(c.Bids, a.Bids)
	}
	return &c
}
