package application

import (
	"context"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/broadcast"
	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// Broadcaster is the part of the broadcast hub the engine needs.
type Broadcaster interface {
	Subscribe(auctionID, subscriberID string, sink broadcast.Sink, initial ...domain.Event) (broadcast.Handle, bool)
	Unsubscribe(handle broadcast.Handle) bool
	Publish(ev domain.Event)
}

// EngineConfig tunes the state machine.
type EngineConfig struct {
	// MaxBidAttempts bounds the CAS retries of one bid before it fails with ErrStoreUnavailable.
	MaxBidAttempts int
	// PricePrecision is the number of decimals of the smallest currency unit.
	PricePrecision int32
	// AntiSnipeWindow extends endsAt for late bids when positive.
	AntiSnipeWindow time.Duration
	// SweepWorkers bounds how many auctions one sweep transitions in parallel.
	SweepWorkers int
}

// Engine is the auction state machine. It keeps no auction state of its own:
// every operation reads the store, applies the domain rules to a private copy
// and writes it back with a version check, retrying on conflicts.
type Engine struct {
	store     domain.AuctionStore
	hub       Broadcaster
	clock     clock.Clock
	publisher EventPublisher
	metrics   *metrics.Metrics
	cfg       EngineConfig
	rules     domain.BidRules
}

// NewEngine creates a new instance of Engine, dependencies are injected.
func NewEngine(store domain.AuctionStore, hub Broadcaster, clk clock.Clock, publisher EventPublisher, m *metrics.Metrics, cfg EngineConfig) *Engine {
	if cfg.MaxBidAttempts < 1 {
		cfg.MaxBidAttempts = 1
	}
	if cfg.SweepWorkers < 1 {
		cfg.SweepWorkers = 1
	}
	return &Engine{
		store:     store,
		hub:       hub,
		clock:     clk,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		rules: domain.BidRules{
			Unit:            Unit(cfg.PricePrecision),
			AntiSnipeWindow: cfg.AntiSnipeWindow,
		},
	}
}

// Unit returns the smallest currency unit for precision, 10^-precision.
func Unit(precision int32) decimal.Decimal {
	return decimal.New(1, -precision)
}

// Rules exposes the bid rules the engine applies.
func (e *Engine) Rules() domain.BidRules { return e.rules }

// Create validates p and stores a new auction.
func (e *Engine) Create(ctx context.Context, p domain.NewAuctionParams) (*domain.Auction, error) {
	a, err := domain.NewAuction(p, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, a); err != nil {
		return nil, err
	}
	log.Info("Auction created",
		zap.String("auctionID", a.ID),
		zap.String("title", a.Title),
		zap.String("state", string(a.State)),
		zap.Time("endsAt", a.EndsAt))
	return a, nil
}

// Get returns the current snapshot of one auction.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Auction, error) {
	return e.store.Get(ctx, id)
}

// List returns every auction.
func (e *Engine) List(ctx context.Context) ([]*domain.Auction, error) {
	return e.store.List(ctx)
}

// Bids returns the bid history of one auction.
func (e *Engine) Bids(ctx context.Context, id string) ([]domain.Bid, error) {
	return e.store.Bids(ctx, id)
}

// Subscribe registers sink for the events of auction id. The sink first
// receives the terminal event when the auction is already closed.
func (e *Engine) Subscribe(ctx context.Context, id, subscriberID string, sink broadcast.Sink) (broadcast.Handle, bool, error) {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return broadcast.Handle{}, false, err
	}
	var initial []domain.Event
	if a.State == domain.StateClosed {
		initial = append(initial, domain.NewEvent(domain.EventAuctionClosed, a, e.clock.Now()))
	}
	handle, created := e.hub.Subscribe(a.ID, subscriberID, sink, initial...)
	return handle, created, nil
}

// Unsubscribe removes a subscription; it reports whether one existed.
func (e *Engine) Unsubscribe(id, subscriberID string) bool {
	return e.hub.Unsubscribe(broadcast.Handle{AuctionID: id, SubscriberID: subscriberID})
}
