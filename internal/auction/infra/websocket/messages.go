package websocket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/shopspring/decimal"
)

// MessageType defines ws type message
type MessageType string

const (
	MessageTypeClientBid          MessageType = "client_bid"           // client msg to make a bid
	MessageTypeServerInitialState MessageType = "server_initial_state" // server msg with the auction snapshot on connect
	MessageTypeServerAuctionEvent MessageType = "server_auction_event" // server msg with one hub event
	MessageTypeServerError        MessageType = "server_error"         // server msg indicating error
	MessageTypeServerInfo         MessageType = "server_info"          // server msg with general info
)

// BaseMessage is base struct for all the WS messages, includes a Type field for identify the message type
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// ClientBidMessage is DTO for a bid message sended by the client. The
// auction defaults to the one of the connection.
type ClientBidMessage struct {
	BaseMessage
	Payload struct {
		AuctionID string          `json:"auctionId"`
		BidderID  string          `json:"bidderId"`
		Amount    json.RawMessage `json:"amount"`
	} `json:"payload"`
}

func (m ClientBidMessage) rawAmount() string {
	s := strings.TrimSpace(string(m.Payload.Amount))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// AuctionSnapshot is the auction as a client sees it when it connects.
type AuctionSnapshot struct {
	AuctionID        string              `json:"auctionId"`
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
	RemainingSeconds int64               `json:"remainingSeconds"`
	MinimumBid       decimal.Decimal     `json:"minimumBid"`
}

type ServerInitialStateMessage struct {
	BaseMessage
	Payload AuctionSnapshot `json:"payload"`
}

func newInitialStateMessage(a *domain.Auction, unit decimal.Decimal, now time.Time) ServerInitialStateMessage {
	return ServerInitialStateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeServerInitialState},
		Payload: AuctionSnapshot{
			AuctionID:        a.ID,
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
			RemainingSeconds: a.RemainingSeconds(now),
			MinimumBid:       a.MinimumBid(unit),
		},
	}
}

// ServerAuctionEventMessage carries one committed change of the auction.
type ServerAuctionEventMessage struct {
	BaseMessage
	Payload domain.Event `json:"payload"`
}

type ServerErrorMessage struct {
	BaseMessage
	Payload struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		MinimumBid string `json:"minimumBid,omitempty"`
	} `json:"payload"`
}

// ServerInfoMessage is a general information msg, also the bid acknowledgement.
type ServerInfoMessage struct {
	BaseMessage
	Payload struct {
		Message      string          `json:"message"`
		AuctionID    string          `json:"auctionId,omitempty"`
		CurrentPrice decimal.Decimal `json:"currentPrice,omitempty"`
		TotalBids    int             `json:"totalBids,omitempty"`
	} `json:"payload"`
}
