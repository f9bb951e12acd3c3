package http

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/shopspring/decimal"
)

// AuctionResponse is the public snapshot of an auction. The CAS version
// stays internal.
type AuctionResponse struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Category         string              `json:"category"`
	ImageURL         string              `json:"imageUrl"`
	StartPrice       decimal.Decimal     `json:"startPrice"`
	CurrentPrice     decimal.Decimal     `json:"currentPrice"`
	CurrentBidderID  string              `json:"currentBidderId,omitempty"`
	TotalBids        int                 `json:"totalBids"`
	StartsAt         time.Time           `json:"startsAt"`
	EndsAt           time.Time           `json:"endsAt"`
	State            domain.AuctionState `json:"state"`
	WinnerID         string              `json:"winnerId,omitempty"`
	ClosedAt         *time.Time          `json:"closedAt,omitempty"`
	RemainingSeconds int64               `json:"remainingSeconds"`
	BidHistory       []BidResponse       `json:"bidHistory"`
}

type BidResponse struct {
	ID        string          `json:"id"`
	BidderID  string          `json:"bidderId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewAuctionResponse(a *domain.Auction, now time.Time) AuctionResponse {
	return AuctionResponse{
		ID:               a.ID,
		Title:            a.Title,
		Description:      a.Description,
		Category:         a.Category,
		ImageURL:         a.ImageURL,
		StartPrice:       a.StartPrice,
		CurrentPrice:     a.CurrentPrice,
		CurrentBidderID:  a.CurrentBidderID,
		TotalBids:        a.TotalBids,
		StartsAt:         a.StartsAt,
		EndsAt:           a.EndsAt,
		State:            a.State,
		WinnerID:         a.WinnerID,
		ClosedAt:         a.ClosedAt,
		RemainingSeconds: a.RemainingSeconds(now),
		BidHistory:       NewBidResponses(a.Bids),
	}
}

func NewBidResponses(bids []domain.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidResponse{
			ID:        b.ID.String(),
			BidderID:  b.BidderID,
			Amount:    b.Amount,
			Timestamp: b.Timestamp,
		})
	}
	return out
}

type CreateAuctionRequest struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	ImageURL    string          `json:"imageUrl"`
	StartPrice  decimal.Decimal `json:"startPrice"`
	StartsAt    time.Time       `json:"startsAt"`
	EndsAt      time.Time       `json:"endsAt"`
}

func (r CreateAuctionRequest) Params() domain.NewAuctionParams {
	return domain.NewAuctionParams{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		ImageURL:    r.ImageURL,
		StartPrice:  r.StartPrice,
		StartsAt:    r.StartsAt,
		EndsAt:      r.EndsAt,
	}
}

// PlaceBidRequest accepts amount either as a JSON number or a string, the
// gateway does the parsing.
type PlaceBidRequest struct {
	BidderID string          `json:"bidderId"`
	Amount   json.RawMessage `json:"amount"`
}

// RawAmount returns the amount text with JSON quoting removed.
func (r PlaceBidRequest) RawAmount() string {
	s := strings.TrimSpace(string(r.Amount))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

type PlaceBidResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	AuctionID    string          `json:"auctionId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TotalBids    int             `json:"totalBids"`
}

type SubscriptionRequest struct {
	SubscriberID string `json:"subscriberId"`
}

type SubscriptionResponse struct {
	Subscribed bool `json:"subscribed"`
}

// ErrorResponse is the body of every non 2xx answer.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	MinimumBid string `json:"minimumBid,omitempty"`
}
