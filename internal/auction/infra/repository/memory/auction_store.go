package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
)

// AuctionStore is a concurrency-safe in-memory implementation of domain.AuctionStore.
// The map lock is only held to find an entry; each auction has its own lock,
// so writes on different auctions never contend.
type AuctionStore struct {
	mu       sync.RWMutex
	auctions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	auction *domain.Auction
}

// NewAuctionStore creates an empty store.
func NewAuctionStore() *AuctionStore {
	return &AuctionStore{auctions: make(map[string]*entry)}
}

func (s *AuctionStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.auctions[id]
	return e, ok
}

// Create stores a copy of a at version 1.
func (s *AuctionStore) Create(ctx context.Context, a *domain.Auction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("create auction %s: %w", a.ID, domain.ErrAuctionExists)
	}
	c := a.Clone()
	c.Version = 1
	if c.Bids == nil {
		c.Bids = []domain.Bid{}
	}
	s.auctions[a.ID] = &entry{auction: c}
	a.Version = 1
	return nil
}

// Get returns a private copy of the auction.
func (s *AuctionStore) Get(ctx context.Context, id string) (*domain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("get auction %s: %w", id, domain.ErrAuctionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auction.Clone(), nil
}

// List returns copies of every auction ordered by EndsAt.
func (s *AuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return s.filter(ctx, func(*domain.Auction) bool { return true })
}

// ListOpen returns copies of the open auctions.
func (s *AuctionStore) ListOpen(ctx context.Context) ([]*domain.Auction, error) {
	return s.ListByState(ctx, domain.StateOpen)
}

// ListByState returns copies of the auctions in state.
func (s *AuctionStore) ListByState(ctx context.Context, state domain.AuctionState) ([]*domain.Auction, error) {
	return s.filter(ctx, func(a *domain.Auction) bool { return a.State == state })
}

func (s *AuctionStore) filter(ctx context.Context, keep func(*domain.Auction) bool) ([]*domain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.auctions))
	for _, e := range s.auctions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.Auction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.auction) {
			out = append(out, e.auction.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndsAt.Equal(out[j].EndsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EndsAt.Before(out[j].EndsAt)
	})
	return out, nil
}

// CASUpdate applies m when the stored version still equals expectedVersion.
func (s *AuctionStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, m domain.Mutation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, ok := s.lookup(id)
	if !ok {
		return 0, fmt.Errorf("cas update auction %s: %w", id, domain.ErrAuctionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.auction.Version != expectedVersion {
		return 0, fmt.Errorf("cas update auction %s at version %d (stored %d): %w",
			id, expectedVersion, e.auction.Version, domain.ErrVersionConflict)
	}
	m.ApplyTo(e.auction)
	e.auction.Version++
	return e.auction.Version, nil
}

// AppendBid adds bid to the history without touching price fields.
func (s *AuctionStore) AppendBid(ctx context.Context, auctionID string, bid domain.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := s.lookup(auctionID)
	if !ok {
		return fmt.Errorf("append bid to auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auction.Bids = append(e.auction.Bids, bid)
	return nil
}

// Bids returns a copy of the history.
func (s *AuctionStore) Bids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return a.Bids, nil
}
