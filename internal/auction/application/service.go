package application

import (
	"context"

	"github.com/cristianortiz/liveauction/internal/auction/broadcast"
	"github.com/cristianortiz/liveauction/internal/auction/domain"
)

// AuctionService defines application interface layer of auction module
// exposes uses cases to external layer, aka infra
type AuctionService interface {
	CreateAuction(ctx context.Context, p domain.NewAuctionParams) (*domain.Auction, error)
	GetAuction(ctx context.Context, id string) (*domain.Auction, error)
	ListAuctions(ctx context.Context) ([]*domain.Auction, error)
	GetBids(ctx context.Context, id string) ([]domain.Bid, error)
	// PlaceBid validates the raw intent and applies it to the auction
	PlaceBid(ctx context.Context, in BidIntent) (*BidReceipt, error)
	CloseAuction(ctx context.Context, id string) (*domain.Auction, error)
	// Subscribe routes the auction events to sink until the auction closes or Unsubscribe is called
	Subscribe(ctx context.Context, id, subscriberID string, sink broadcast.Sink) (bool, error)
	// SubscribeNotifications subscribes through the broker notification channel
	SubscribeNotifications(ctx context.Context, id, subscriberID string) error
	Unsubscribe(id, subscriberID string) bool
}

// concret implementation of AuctionService (struct)
type auctionService struct {
	engine    *Engine
	gateway   *BidGateway
	publisher EventPublisher
}

func NewAuctionService(engine *Engine, gateway *BidGateway, publisher EventPublisher) AuctionService {
	return &auctionService{
		engine:    engine,
		gateway:   gateway,
		publisher: publisher,
	}
}

func (s *auctionService) CreateAuction(ctx context.Context, p domain.NewAuctionParams) (*domain.Auction, error) {
	return s.engine.Create(ctx, p)
}

func (s *auctionService) GetAuction(ctx context.Context, id string) (*domain.Auction, error) {
	return s.engine.Get(ctx, id)
}

func (s *auctionService) ListAuctions(ctx context.Context) ([]*domain.Auction, error) {
	return s.engine.List(ctx)
}

func (s *auctionService) GetBids(ctx context.Context, id string) ([]domain.Bid, error) {
	return s.engine.Bids(ctx, id)
}

// PlaceBid implements AuctionService.
func (s *auctionService) PlaceBid(ctx context.Context, in BidIntent) (*BidReceipt, error) {
	return s.gateway.Submit(ctx, in)
}

func (s *auctionService) CloseAuction(ctx context.Context, id string) (*domain.Auction, error) {
	return s.engine.CloseAuction(ctx, id)
}

func (s *auctionService) Subscribe(ctx context.Context, id, subscriberID string, sink broadcast.Sink) (bool, error) {
	_, created, err := s.engine.Subscribe(ctx, id, subscriberID, sink)
	return created, err
}

func (s *auctionService) SubscribeNotifications(ctx context.Context, id, subscriberID string) error {
	_, _, err := s.engine.Subscribe(ctx, id, subscriberID, NewNotificationSink(subscriberID, s.publisher))
	return err
}

func (s *auctionService) Unsubscribe(id, subscriberID string) bool {
	return s.engine.Unsubscribe(id, subscriberID)
}
