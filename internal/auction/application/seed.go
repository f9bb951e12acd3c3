package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type seedBid struct {
	bidderID string
	amount   int64
	ago      time.Duration
}

type seedAuction struct {
	id          string
	title       string
	description string
	category    string
	startPrice  int64
	endsIn      time.Duration
	bids        []seedBid
}

// demo catalogue of dry fruit lots, each with a short bid history
var demoAuctions = []seedAuction{
	{
		id: "auction-001", title: "Premium Almonds", description: "High-quality almonds from California",
		category: "Nuts", startPrice: 500, endsIn: 10 * time.Minute,
		bids: []seedBid{{"user1", 520, 300 * time.Second}, {"user2", 600, 250 * time.Second}, {"user3", 750, 100 * time.Second}},
	},
	{
		id: "auction-002", title: "Walnut Mix", description: "Mixed walnuts from the Himalayas",
		category: "Nuts", startPrice: 400, endsIn: 8 * time.Minute,
		bids: []seedBid{{"user4", 420, 250 * time.Second}, {"user5", 550, 150 * time.Second}, {"user6", 650, 50 * time.Second}},
	},
	{
		id: "auction-003", title: "Cashews Deluxe", description: "Premium cashews from Kerala",
		category: "Nuts", startPrice: 600, endsIn: 12 * time.Minute,
		bids: []seedBid{{"user7", 640, 400 * time.Second}, {"user8", 750, 300 * time.Second}, {"user9", 950, 50 * time.Second}},
	},
	{
		id: "auction-004", title: "Raisins Gold", description: "Golden raisins from Gujarat",
		category: "Dried Fruits", startPrice: 300, endsIn: 6 * time.Minute,
		bids: []seedBid{{"user10", 320, 200 * time.Second}, {"user11", 420, 120 * time.Second}, {"user12", 520, 30 * time.Second}},
	},
	{
		id: "auction-005", title: "Dates Premium", description: "Organic dates from Saudi Arabia",
		category: "Dried Fruits", startPrice: 350, endsIn: 9 * time.Minute,
		bids: []seedBid{{"user13", 380, 350 * time.Second}, {"user14", 480, 200 * time.Second}, {"user15", 580, 80 * time.Second}},
	},
}

// SeedDemo loads the demo auctions relative to now. The current price,
// bidder and counter come from the last imported bid, and each auction is
// created together with its history in one store call. Auctions that already
// exist are skipped, so seeding twice is harmless. Returns how many were created.
func SeedDemo(ctx context.Context, store domain.AuctionStore, now time.Time) (int, error) {
	created := 0
	for _, s := range demoAuctions {
		a, err := domain.NewAuction(domain.NewAuctionParams{
			ID:          s.id,
			Title:       s.title,
			Description: s.description,
			Category:    s.category,
			StartPrice:  decimal.NewFromInt(s.startPrice),
			StartsAt:    now.Add(-10 * time.Minute),
			EndsAt:      now.Add(s.endsIn),
		}, now)
		if err != nil {
			return created, fmt.Errorf("seed auction %s: %w", s.id, err)
		}
		for _, b := range s.bids {
			a.Bids = append(a.Bids, domain.NewBid(uuid.New(), a.ID, b.bidderID, decimal.NewFromInt(b.amount), now.Add(-b.ago)))
		}
		if n := len(a.Bids); n > 0 {
			last := a.Bids[n-1]
			a.CurrentPrice = last.Amount
			a.CurrentBidderID = last.BidderID
			a.TotalBids = n
		}

		if err := store.Create(ctx, a); err != nil {
			if errors.Is(err, domain.ErrAuctionExists) {
				log.Info("Seed: auction already present, skipping", zap.String("auctionID", s.id))
				continue
			}
			return created, fmt.Errorf("seed auction %s: %w", s.id, err)
		}
		created++
		log.Info("Seed: auction created",
			zap.String("auctionID", a.ID),
			zap.String("title", a.Title),
			zap.Int("bids", len(s.bids)))
	}
	return created, nil
}
