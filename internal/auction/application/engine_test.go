package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/broadcast"
	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/auction/infra/repository/memory"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	key     string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type chanSink struct {
	events chan domain.Event
	closed chan struct{}
	once   sync.Once
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan domain.Event, 16), closed: make(chan struct{})}
}

func (s *chanSink) Deliver(_ context.Context, ev domain.Event) error {
	s.events <- ev
	return nil
}

func (s *chanSink) Close() { s.once.Do(func() { close(s.closed) }) }

func (s *chanSink) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func (s *chanSink) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

type testEnv struct {
	engine    *Engine
	store     *memory.AuctionStore
	clock     *clock.Fake
	hub       *broadcast.Hub
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg EngineConfig) *testEnv {
	t.Helper()
	if cfg.MaxBidAttempts == 0 {
		cfg.MaxBidAttempts = 8
	}
	if cfg.SweepWorkers == 0 {
		cfg.SweepWorkers = 4
	}
	env := &testEnv{
		store:     memory.NewAuctionStore(),
		clock:     clock.NewFake(t0),
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
	}
	env.hub = broadcast.NewHub(16, env.metrics)
	t.Cleanup(env.hub.Close)
	env.engine = NewEngine(env.store, env.hub, env.clock, env.publisher, env.metrics, cfg)
	return env
}

func (env *testEnv) createAuction(t *testing.T, id string, startPrice int64, endsIn time.Duration) *domain.Auction {
	t.Helper()
	a, err := env.engine.Create(context.Background(), domain.NewAuctionParams{
		ID:         id,
		Title:      "Lot " + id,
		StartPrice: decimal.NewFromInt(startPrice),
		EndsAt:     env.clock.Now().Add(endsIn),
	})
	require.NoError(t, err)
	return a
}

func (env *testEnv) bid(id, bidder string, amount int64) (*domain.Auction, error) {
	return env.engine.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: id,
		BidderID:  bidder,
		Amount:    decimal.NewFromInt(amount),
		At:        env.clock.Now(),
	})
}

func TestEngine_BiddingScenario(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.createAuction(t, "a1", 500, time.Hour)

	a, err := env.bid("a1", "alice", 600)
	require.NoError(t, err)
	assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, 1, a.TotalBids)

	_, err = env.bid("a1", "bob", 550)
	require.ErrorIs(t, err, domain.ErrBidTooLow)
	var tooLow *domain.BidTooLowError
	require.True(t, errors.As(err, &tooLow))
	assert.Equal(t, "601", tooLow.Minimum.String())

	a, err = env.bid("a1", "carol", 700)
	require.NoError(t, err)
	assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(700)))
	assert.Equal(t, 2, a.TotalBids)

	env.clock.Advance(time.Hour)
	closed, err := env.engine.CloseDueAuctions(context.Background(), env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	a, err = env.engine.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, a.State)
	assert.Equal(t, "carol", a.WinnerID)
	require.NotNil(t, a.ClosedAt)

	_, err = env.bid("a1", "dave", 800)
	require.ErrorIs(t, err, domain.ErrAuctionNotOpen)

	msgs := env.publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicAuctionClosed, msgs[0].topic)
	assert.Equal(t, "a1", msgs[0].key)
	var closedMsg AuctionClosedMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &closedMsg))
	assert.Equal(t, "carol", closedMsg.WinnerID)
	assert.Equal(t, "700", closedMsg.FinalPrice)

	bids, err := env.engine.Bids(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.BidsTotal.WithLabelValues(metrics.OutcomeAccepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.AuctionsClosed.WithLabelValues("winner")))
}

func TestEngine_RejectsBidsAtOrAfterEndsAt(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.createAuction(t, "a1", 100, time.Minute)

	// the bid left the client before the deadline but the server clock is past it
	sentAt := env.clock.Now()
	env.clock.Advance(time.Minute)
	_, err := env.engine.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(200), At: sentAt,
	})
	require.ErrorIs(t, err, domain.ErrAuctionExpired)

	a, err := env.engine.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, a.State, "only the sweep closes")
	assert.Zero(t, a.TotalBids)
}

func TestEngine_BidTooLowRegardlessOfTiming(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.createAuction(t, "a1", 500, time.Hour)

	for _, amount := range []int64{1, 499, 500} {
		_, err := env.bid("a1", "alice", amount)
		require.ErrorIs(t, err, domain.ErrBidTooLow, "amount %d", amount)
	}
	_, err := env.bid("a1", "alice", 501)
	require.NoError(t, err)
	_, err = env.bid("a1", "bob", 501)
	require.ErrorIs(t, err, domain.ErrBidTooLow, "equal amounts: the second one loses")
}

func TestEngine_ConcurrentBidsKeepPriceStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t, EngineConfig{MaxBidAttempts: 10000})
	env.createAuction(t, "a1", 500, time.Hour)

	const bidders = 50
	amounts := rand.Perm(bidders)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i, n := range amounts {
		wg.Add(1)
		go func(i, n int) {
			defer wg.Done()
			_, err := env.bid("a1", fmt.Sprintf("bidder-%d", i), int64(501+n))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrBidTooLow)
		}(i, n)
	}
	wg.Wait()

	a, err := env.engine.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, a.Bids, accepted)
	assert.Equal(t, accepted, a.TotalBids)
	for i := 1; i < len(a.Bids); i++ {
		assert.True(t, a.Bids[i].Amount.GreaterThan(a.Bids[i-1].Amount), "history must be strictly increasing")
	}
	last := a.Bids[len(a.Bids)-1]
	assert.True(t, a.CurrentPrice.Equal(last.Amount))
	assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(500+bidders)), "the highest bid always wins")
	assert.Equal(t, last.BidderID, a.CurrentBidderID)
}

func TestEngine_TwoConcurrentBidsOutcomes(t *testing.T) {
	env := newTestEnv(t, EngineConfig{MaxBidAttempts: 100})

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("race-%d", i)
		env.createAuction(t, id, 500, time.Hour)

		var (
			wg         sync.WaitGroup
			errA, errB error
		)
		wg.Add(2)
		go func() { defer wg.Done(); _, errA = env.bid(id, "a", 600) }()
		go func() { defer wg.Done(); _, errB = env.bid(id, "b", 700) }()
		wg.Wait()

		require.NoError(t, errB, "the higher bid is always accepted")
		a, err := env.engine.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, a.CurrentPrice.Equal(decimal.NewFromInt(700)))
		if errA == nil {
			require.Len(t, a.Bids, 2)
			assert.Equal(t, "a", a.Bids[0].BidderID)
		} else {
			require.ErrorIs(t, errA, domain.ErrBidTooLow)
			require.Len(t, a.Bids, 1)
		}
	}
}

func TestEngine_CloseDueAuctionsIsIdempotent(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.createAuction(t, "due", 100, time.Minute)
	env.createAuction(t, "later", 100, time.Hour)
	env.createAuction(t, "empty", 100, time.Minute)
	_, err := env.bid("due", "alice", 150)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	now := env.clock.Now()
	n, err := env.engine.CloseDueAuctions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := env.engine.List(context.Background())
	require.NoError(t, err)

	n, err = env.engine.CloseDueAuctions(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	second, err := env.engine.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	byID := map[string]*domain.Auction{}
	for _, a := range second {
		byID[a.ID] = a
	}
	assert.Equal(t, domain.StateClosed, byID["due"].State)
	assert.Equal(t, "alice", byID["due"].WinnerID)
	assert.Equal(t, domain.StateClosed, byID["empty"].State)
	assert.False(t, byID["empty"].HasWinner())
	assert.Equal(t, domain.StateOpen, byID["later"].State)
	assert.Len(t, env.publisher.messages(), 2)
}

func TestEngine_CloseDueAuctionsFinishesInterruptedClose(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.createAuction(t, "a1", 100, time.Hour)

	// simulate a crash between the two closing writes
	a, err := env.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.BeginClose(env.clock.Now()))
	_, err = env.store.CASUpdate(context.Background(), "a1", a.Version, domain.MutationOf(a, nil))
	require.NoError(t, err)

	_, err = env.bid("a1", "alice", 200)
	require.ErrorIs(t, err, domain.ErrAuctionNotOpen)

	n, err := env.engine.CloseDueAuctions(context.Background(), env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err = env.engine.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, a.State)
}

func TestEngine_AntiSnipeExtendsDeadline(t *testing.T) {
	env := newTestEnv(t, EngineConfig{AntiSnipeWindow: 30 * time.Second})
	env.createAuction(t, "a1", 100, time.Minute)

	env.clock.Advance(50 * time.Second)
	a, err := env.bid("a1", "alice", 200)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(30*time.Second), a.EndsAt)

	env.clock.Advance(15 * time.Second) // past the original deadline
	n, err := env.engine.CloseDueAuctions(context.Background(), env.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "an extended auction is not due yet")
	_, err = env.bid("a1", "bob", 300)
	require.NoError(t, err)
}

func TestEngine_OpensScheduledAuctions(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	for _, id := range []string{"sweep", "lazy"} {
		_, err := env.engine.Create(ctx, domain.NewAuctionParams{
			ID:         id,
			Title:      id,
			StartPrice: decimal.NewFromInt(100),
			StartsAt:   t0.Add(time.Minute),
			EndsAt:     t0.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	_, err := env.bid("lazy", "alice", 150)
	require.ErrorIs(t, err, domain.ErrAuctionNotOpen, "not started yet")

	env.clock.Advance(time.Minute)
	a, err := env.bid("lazy", "alice", 150)
	require.NoError(t, err, "a bid after startsAt opens the auction in the same write")
	assert.Equal(t, domain.StateOpen, a.State)

	n, err := env.engine.OpenDueAuctions(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.engine.OpenDueAuctions(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	a, err = env.engine.Get(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, a.State)
}

func TestEngine_CloseAuction(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	env.createAuction(t, "a1", 100, time.Hour)
	_, err := env.engine.Create(ctx, domain.NewAuctionParams{
		ID: "future", Title: "future", StartPrice: decimal.NewFromInt(1),
		StartsAt: t0.Add(time.Hour), EndsAt: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = env.engine.CloseAuction(ctx, "future")
	require.ErrorIs(t, err, domain.ErrAuctionNotOpen)
	_, err = env.engine.CloseAuction(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)

	a, err := env.engine.CloseAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, a.State)
	version := a.Version

	a, err = env.engine.CloseAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, version, a.Version, "closing twice is a no-op")
}

func TestEngine_SubscriberEvents(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	env.createAuction(t, "a1", 500, time.Hour)

	early := newChanSink()
	_, created, err := env.engine.Subscribe(ctx, "a1", "early", early)
	require.NoError(t, err)
	require.True(t, created)

	_, err = env.bid("a1", "alice", 600)
	require.NoError(t, err)
	ev := early.next(t)
	assert.Equal(t, domain.EventBidPlaced, ev.Type)
	assert.True(t, ev.CurrentPrice.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, "alice", ev.CurrentBidderID)
	assert.Equal(t, 1, ev.TotalBids)
	assert.Equal(t, int64(3600), ev.RemainingSeconds)
	early.assertQuiet(t)

	_, err = env.engine.CloseAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventAuctionClosed, early.next(t).Type)
	<-early.closed

	late := newChanSink()
	_, _, err = env.engine.Subscribe(ctx, "a1", "late", late)
	require.NoError(t, err)
	ev = late.next(t)
	assert.Equal(t, domain.EventAuctionClosed, ev.Type)
	assert.Equal(t, "alice", ev.WinnerID)
	<-late.closed
	late.assertQuiet(t)

	_, _, err = env.engine.Subscribe(ctx, "missing", "x", newChanSink())
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestEngine_SubscribeAfterRestartSeesClosure(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	env.createAuction(t, "a1", 500, time.Hour)
	_, err := env.engine.CloseAuction(ctx, "a1")
	require.NoError(t, err)

	// a fresh hub knows nothing about the closure, the store does
	m := metrics.New()
	hub := broadcast.NewHub(4, m)
	t.Cleanup(hub.Close)
	engine := NewEngine(env.store, hub, env.clock, env.publisher, m, EngineConfig{MaxBidAttempts: 1})

	sink := newChanSink()
	_, _, err = engine.Subscribe(ctx, "a1", "s1", sink)
	require.NoError(t, err)
	assert.Equal(t, domain.EventAuctionClosed, sink.next(t).Type)
	<-sink.closed
}

func TestEngine_PublisherFailureDoesNotFailClose(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	env.publisher.err = errors.New("broker down")
	env.createAuction(t, "a1", 100, time.Minute)

	a, err := env.engine.CloseAuction(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, a.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.PublishFailures.WithLabelValues(TopicAuctionClosed)))
}

func openAuction(t *testing.T) *domain.Auction {
	t.Helper()
	a, err := domain.NewAuction(domain.NewAuctionParams{
		ID: "a1", Title: "mocked", StartPrice: decimal.NewFromInt(500), EndsAt: t0.Add(time.Hour),
	}, t0)
	require.NoError(t, err)
	a.Version = 1
	return a
}

func newMockedEngine(t *testing.T, attempts int) (*Engine, *domain.MockAuctionStore, *metrics.Metrics) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := domain.NewMockAuctionStore(ctrl)
	m := metrics.New()
	hub := broadcast.NewHub(4, m)
	t.Cleanup(hub.Close)
	return NewEngine(store, hub, clock.NewFake(t0), &recordingPublisher{}, m, EngineConfig{MaxBidAttempts: attempts}), store, m
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	engine, store, m := newMockedEngine(t, 3)
	base := openAuction(t)

	store.EXPECT().Get(gomock.Any(), "a1").
		DoAndReturn(func(context.Context, string) (*domain.Auction, error) { return base.Clone(), nil }).
		Times(3)
	store.EXPECT().CASUpdate(gomock.Any(), "a1", int64(1), gomock.Any()).
		Return(int64(0), domain.ErrVersionConflict).
		Times(3)

	_, err := engine.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(600), At: t0,
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, domain.ErrVersionConflict), "conflicts never leak to callers")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.VersionConflicts))
}

func TestEngine_StoreUnavailablePropagates(t *testing.T) {
	engine, store, _ := newMockedEngine(t, 3)
	store.EXPECT().Get(gomock.Any(), "a1").
		Return(nil, domain.Unavailable("get auction", errors.New("connection refused")))

	_, err := engine.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(600), At: t0,
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestEngine_BidLosingRaceWithCloserIsExpired(t *testing.T) {
	engine, store, _ := newMockedEngine(t, 3)
	closing := openAuction(t)
	require.NoError(t, closing.BeginClose(t0))
	closing.Version = 2

	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), "a1").Return(openAuction(t), nil),
		store.EXPECT().CASUpdate(gomock.Any(), "a1", int64(1), gomock.Any()).Return(int64(0), domain.ErrVersionConflict),
		store.EXPECT().Get(gomock.Any(), "a1").Return(closing, nil),
	)

	_, err := engine.PlaceBid(context.Background(), PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(600), At: t0,
	})
	require.ErrorIs(t, err, domain.ErrAuctionExpired)
}

func TestEngine_CancelledBeforeCommit(t *testing.T) {
	engine, _, _ := newMockedEngine(t, 3) // no store call expected

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.PlaceBid(ctx, PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(600), At: t0,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_CommittedBidSurvivesCancellation(t *testing.T) {
	engine, store, _ := newMockedEngine(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	store.EXPECT().Get(gomock.Any(), "a1").Return(openAuction(t), nil)
	store.EXPECT().CASUpdate(gomock.Any(), "a1", int64(1), gomock.Any()).
		DoAndReturn(func(context.Context, string, int64, domain.Mutation) (int64, error) {
			cancel() // the caller gives up right after the write landed
			return 2, nil
		})

	a, err := engine.PlaceBid(ctx, PlaceBidCommand{
		AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(600), At: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version)
}
