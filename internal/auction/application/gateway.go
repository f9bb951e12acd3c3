package application

import (
	"context"
	"strings"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/shopspring/decimal"
)

// BidIntent is a raw bid as received from a transport.
type BidIntent struct {
	AuctionID string
	BidderID  string
	Amount    string
}

// BidReceipt is returned for an accepted bid.
type BidReceipt struct {
	AuctionID    string          `json:"auctionId"`
	BidderID     string          `json:"bidderId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TotalBids    int             `json:"totalBids"`
	EndsAt       time.Time       `json:"endsAt"`
	Auction      *domain.Auction `json:"-"`
}

// BidGateway validates transport input before it reaches the engine.
// HTTP and websocket bids both go through it.
type BidGateway struct {
	engine *Engine
}

// NewBidGateway creates a new instance of BidGateway
func NewBidGateway(engine *Engine) *BidGateway {
	return &BidGateway{engine: engine}
}

// Submit parses and validates in, then places the bid. Malformed input fails
// with a *domain.ValidationError without touching the store.
func (g *BidGateway) Submit(ctx context.Context, in BidIntent) (*BidReceipt, error) {
	cmd, err := g.parse(in)
	if err != nil {
		g.engine.recordBid(err)
		return nil, err
	}
	a, err := g.engine.PlaceBid(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &BidReceipt{
		AuctionID:    a.ID,
		BidderID:     a.CurrentBidderID,
		CurrentPrice: a.CurrentPrice,
		TotalBids:    a.TotalBids,
		EndsAt:       a.EndsAt,
		Auction:      a,
	}, nil
}

func (g *BidGateway) parse(in BidIntent) (PlaceBidCommand, error) {
	if strings.TrimSpace(in.AuctionID) == "" {
		return PlaceBidCommand{}, domain.NewValidationError("auctionId", "must not be empty")
	}
	bidder := strings.TrimSpace(in.BidderID)
	if bidder == "" {
		return PlaceBidCommand{}, domain.NewValidationError("bidderId", "must not be empty")
	}
	raw := strings.TrimSpace(in.Amount)
	if raw == "" {
		return PlaceBidCommand{}, domain.NewValidationError("amount", "is required")
	}
	amount, err := domain.ParseAmount("amount", raw, g.engine.cfg.PricePrecision)
	if err != nil {
		return PlaceBidCommand{}, err
	}
	return PlaceBidCommand{
		AuctionID: in.AuctionID,
		BidderID:  bidder,
		Amount:    amount,
		At:        g.engine.clock.Now(),
	}, nil
}
