package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// Helper to create a new open auction
func newAuction(t *testing.T, id string, endsIn time.Duration) *domain.Auction {
	t.Helper()
	a, err := domain.NewAuction(domain.NewAuctionParams{
		ID:         id,
		Title:      "Item " + id,
		StartPrice: decimal.NewFromInt(100),
		StartsAt:   t0,
		EndsAt:     t0.Add(endsIn),
	}, t0)
	require.NoError(t, err)
	return a
}

func TestAuctionStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAuctionStore()

	a := newAuction(t, "a1", time.Hour)
	require.NoError(t, s.Create(ctx, a))
	require.Equal(t, int64(1), a.Version)
	require.ErrorIs(t, s.Create(ctx, a), domain.ErrAuctionExists)

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, "Item a1", got.Title)

	// copies are private
	got.Title = "changed"
	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "Item a1", again.Title)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestAuctionStore_CASUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAuctionStore()
	require.NoError(t, s.Create(ctx, newAuction(t, "a1", time.Hour)))

	a, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	bid, err := a.ApplyBid("alice", decimal.NewFromInt(150), t0.Add(time.Second), domain.BidRules{Unit: decimal.New(1, 0)})
	require.NoError(t, err)

	v, err := s.CASUpdate(ctx, "a1", a.Version, domain.MutationOf(a, &bid))
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	// stale version is rejected and nothing changes
	_, err = s.CASUpdate(ctx, "a1", 1, domain.MutationOf(a, &bid))
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = s.CASUpdate(ctx, "missing", 1, domain.MutationOf(a, nil))
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)

	stored, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	require.True(t, stored.CurrentPrice.Equal(decimal.NewFromInt(150)))
	require.Equal(t, 1, stored.TotalBids)
	require.Len(t, stored.Bids, 1)
}

func TestAuctionStore_ListByState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAuctionStore()

	require.NoError(t, s.Create(ctx, newAuction(t, "late", 2*time.Hour)))
	require.NoError(t, s.Create(ctx, newAuction(t, "early", time.Hour)))
	closed := newAuction(t, "closed", 3*time.Hour)
	closed.State = domain.StateClosed
	require.NoError(t, s.Create(ctx, closed))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "early", all[0].ID, "list is ordered by end time")

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)

	done, err := s.ListByState(ctx, domain.StateClosed)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, "closed", done[0].ID)
}

func TestAuctionStore_AppendBidAndBids(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAuctionStore()
	require.NoError(t, s.Create(ctx, newAuction(t, "a1", time.Hour)))

	b := domain.NewBid(uuid.New(), "a1", "user1", decimal.NewFromInt(120), t0)
	require.NoError(t, s.AppendBid(ctx, "a1", b))
	require.ErrorIs(t, s.AppendBid(ctx, "nope", b), domain.ErrAuctionNotFound)

	bids, err := s.Bids(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []domain.Bid{b}, bids)

	a, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Version, "history import does not bump the version")
}

func TestAuctionStore_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewAuctionStore()

	_, err := s.Get(ctx, "a1")
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.CASUpdate(ctx, "a1", 1, domain.Mutation{})
	require.ErrorIs(t, err, context.Canceled)
}

// concurrency test: exactly one writer wins each version
func TestAuctionStore_ConcurrentCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAuctionStore()
	require.NoError(t, s.Create(ctx, newAuction(t, "a1", time.Hour)))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := domain.Mutation{State: domain.StateOpen, CurrentPrice: decimal.NewFromInt(int64(200 + i)), CurrentBidderID: fmt.Sprintf("user-%d", i), EndsAt: t0.Add(time.Hour)}
			if _, err := s.CASUpdate(ctx, "a1", 1, m); err == nil {
				wins.Add(1)
			} else {
				require.ErrorIs(t, err, domain.ErrVersionConflict)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
