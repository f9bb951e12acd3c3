package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recordingSink struct {
	got       chan domain.Event
	closed    chan struct{}
	closeOnce sync.Once

	entered chan struct{} // signalled when Deliver starts, if set
	gate    chan struct{} // Deliver waits on it, if set
	err     error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		got:    make(chan domain.Event, 64),
		closed: make(chan struct{}),
	}
}

func (s *recordingSink) Deliver(ctx context.Context, ev domain.Event) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.got <- ev
	return nil
}

func (s *recordingSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *recordingSink) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-s.got:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func (s *recordingSink) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitFor):
		t.Fatal("sink was not closed")
	}
}

func (s *recordingSink) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.got:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func event(auctionID string, version int64, typ domain.EventType) domain.Event {
	return domain.Event{
		Type:         typ,
		AuctionID:    auctionID,
		Version:      version,
		State:        domain.StateOpen,
		CurrentPrice: decimal.NewFromInt(500 + version),
	}
}

func newTestHub(t *testing.T, queueSize int) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	h := NewHub(queueSize, m)
	t.Cleanup(h.Close)
	return h, m
}

func TestHub_DeliversInOrder(t *testing.T) {
	t.Parallel()
	h, m := newTestHub(t, 16)
	sink := newRecordingSink()

	_, created := h.Subscribe("a1", "s1", sink)
	require.True(t, created)
	require.Equal(t, 1, h.Subscribers("a1"))

	h.Publish(event("a1", 2, domain.EventBidPlaced))
	h.Publish(event("a1", 3, domain.EventBidPlaced))
	h.Publish(event("other", 9, domain.EventBidPlaced))

	assert.Equal(t, int64(2), sink.next(t).Version)
	assert.Equal(t, int64(3), sink.next(t).Version)
	sink.assertNoEvent(t)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HubDelivered))
}

func TestHub_SkipsStaleVersions(t *testing.T) {
	t.Parallel()
	h, m := newTestHub(t, 16)
	sink := newRecordingSink()

	h.Subscribe("a1", "s1", sink, event("a1", 3, domain.EventBidPlaced))
	h.Publish(event("a1", 3, domain.EventBidPlaced))
	h.Publish(event("a1", 2, domain.EventBidPlaced))
	h.Publish(event("a1", 4, domain.EventBidPlaced))

	assert.Equal(t, int64(3), sink.next(t).Version)
	assert.Equal(t, int64(4), sink.next(t).Version)
	sink.assertNoEvent(t)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HubDropped.WithLabelValues(dropStale)))
}

func TestHub_CoalescesOnOverflow(t *testing.T) {
	t.Parallel()
	h, m := newTestHub(t, 2)
	sink := newRecordingSink()
	sink.entered = make(chan struct{}, 16)
	sink.gate = make(chan struct{})

	h.Subscribe("a1", "slow", sink)
	h.Publish(event("a1", 1, domain.EventBidPlaced))
	<-sink.entered // v1 is in flight, the queue is empty again

	h.Publish(event("a1", 2, domain.EventBidPlaced))
	h.Publish(event("a1", 3, domain.EventBidPlaced))
	h.Publish(event("a1", 4, domain.EventBidPlaced)) // overflow, v2 dropped

	close(sink.gate)
	assert.Equal(t, int64(1), sink.next(t).Version)
	assert.Equal(t, int64(3), sink.next(t).Version)
	assert.Equal(t, int64(4), sink.next(t).Version)
	sink.assertNoEvent(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HubDropped.WithLabelValues(dropCoalesced)))
}

func TestHub_SlowSinkDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, 1)
	slow := newRecordingSink()
	slow.gate = make(chan struct{})
	fast := newRecordingSink()

	h.Subscribe("a1", "slow", slow)
	h.Subscribe("a1", "fast", fast)

	done := make(chan struct{})
	go func() {
		for v := int64(1); v <= 50; v++ {
			h.Publish(event("a1", v, domain.EventBidPlaced))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("publisher blocked on a slow sink")
	}

	var last int64
	for last < 50 {
		ev := fast.next(t)
		require.Greater(t, ev.Version, last)
		last = ev.Version
	}
	close(slow.gate)
}

func TestHub_TerminalEndsSubscriptions(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, 16)
	sink := newRecordingSink()
	h.Subscribe("a1", "s1", sink)

	h.Publish(event("a1", 2, domain.EventBidPlaced))
	h.Publish(event("a1", 4, domain.EventAuctionClosed))
	h.Publish(event("a1", 5, domain.EventBidPlaced))

	assert.Equal(t, domain.EventBidPlaced, sink.next(t).Type)
	assert.Equal(t, domain.EventAuctionClosed, sink.next(t).Type)
	sink.waitClosed(t)
	sink.assertNoEvent(t)
	assert.Equal(t, 0, h.Subscribers("a1"))

	late := newRecordingSink()
	_, created := h.Subscribe("a1", "late", late, event("a1", 2, domain.EventBidPlaced))
	require.True(t, created)
	ev := late.next(t)
	assert.Equal(t, domain.EventAuctionClosed, ev.Type)
	assert.Equal(t, int64(4), ev.Version)
	late.waitClosed(t)
	late.assertNoEvent(t)
}

func TestHub_TerminalInitialEvent(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t, 16)
	sink := newRecordingSink()

	h.Subscribe("a1", "s1", sink, event("a1", 7, domain.EventAuctionClosed))
	assert.Equal(t, domain.EventAuctionClosed, sink.next(t).Type)
	sink.waitClosed(t)
	assert.Equal(t, 0, h.Subscribers("a1"))
}

func TestHub_ForgetsTerminalEventsAfterRetention(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewHub(16, metrics.New(), WithClock(clk), WithTerminalRetention(time.Minute))
	t.Cleanup(h.Close)

	for _, id := range []string{"a1", "a2", "a3"} {
		h.Publish(event(id, 3, domain.EventAuctionClosed))
	}
	require.Equal(t, 3, h.Remembered())

	clk.Advance(30 * time.Second)
	h.Publish(event("a4", 3, domain.EventAuctionClosed))
	require.Equal(t, 4, h.Remembered())

	clk.Advance(45 * time.Second)
	h.Subscribe("a9", "s1", newRecordingSink())
	assert.Equal(t, 1, h.Remembered(), "only a4 is still within the window")

	// a forgotten auction still ends a late subscriber through its initial event
	late := newRecordingSink()
	h.Subscribe("a1", "late", late, event("a1", 3, domain.EventAuctionClosed))
	assert.Equal(t, domain.EventAuctionClosed, late.next(t).Type)
	late.waitClosed(t)
	assert.Equal(t, 0, h.Subscribers("a1"))
}

func TestHub_SinkErrorUnsubscribes(t *testing.T) {
	t.Parallel()
	h, m := newTestHub(t, 16)
	sink := newRecordingSink()
	sink.err = errors.New("connection reset")

	h.Subscribe("a1", "s1", sink)
	h.Publish(event("a1", 2, domain.EventBidPlaced))
	sink.waitClosed(t)

	require.Eventually(t, func() bool { return h.Subscribers("a1") == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HubSinkErrors))
}

func TestHub_SubscribeTwiceAndUnsubscribe(t *testing.T) {
	t.Parallel()
	h, m := newTestHub(t, 16)
	sink := newRecordingSink()

	handle, created := h.Subscribe("a1", "s1", sink)
	require.True(t, created)
	again, created := h.Subscribe("a1", "s1", newRecordingSink())
	require.False(t, created)
	assert.Equal(t, handle, again)

	require.True(t, h.Unsubscribe(handle))
	require.False(t, h.Unsubscribe(handle))
	sink.waitClosed(t)

	h.Publish(event("a1", 2, domain.EventBidPlaced))
	sink.assertNoEvent(t)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.HubSubscriptions) == 0 }, waitFor, 5*time.Millisecond)
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	h := NewHub(4, m)
	blocked := newRecordingSink()
	blocked.gate = make(chan struct{})
	idle := newRecordingSink()

	h.Subscribe("a1", "blocked", blocked)
	h.Subscribe("a2", "idle", idle)
	h.Publish(event("a1", 1, domain.EventBidPlaced))

	h.Close()
	blocked.waitClosed(t)
	idle.waitClosed(t)

	after := newRecordingSink()
	_, created := h.Subscribe("a1", "after", after)
	require.False(t, created)
	after.waitClosed(t)
}
