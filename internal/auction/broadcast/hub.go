// Package broadcast fans auction events out to subscribers. Each
// subscription owns a bounded queue drained by its own goroutine, so a slow
// sink never blocks the publisher or the other sinks.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// Reasons used on the events dropped metric.
const (
	dropCoalesced = "coalesced"
	dropStale     = "stale"
)

// Sink receives the events of one subscription, in order, from a single goroutine.
type Sink interface {
	// Deliver hands one event to the subscriber. An error ends the subscription.
	Deliver(ctx context.Context, ev domain.Event) error
	// Close is called once, after the last Deliver.
	Close()
}

// Handle identifies a subscription.
type Handle struct {
	AuctionID    string
	SubscriberID string
}

type subscription struct {
	handle Handle
	sink   Sink

	mu          sync.Mutex
	queue       []domain.Event
	lastVersion int64
	hasVersion  bool
	detached    bool // no more events will be enqueued

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// enqueue appends ev, coalescing on overflow. Must not block.
func (s *subscription) enqueue(ev domain.Event, capacity int, m *metrics.Metrics) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	if s.hasVersion && ev.Version <= s.lastVersion {
		s.mu.Unlock()
		m.HubDropped.WithLabelValues(dropStale).Inc()
		return
	}
	if len(s.queue) >= capacity {
		// every event is a full snapshot, so dropping the oldest loses no final state
		s.queue = s.queue[1:]
		m.HubDropped.WithLabelValues(dropCoalesced).Inc()
	}
	s.queue = append(s.queue, ev)
	s.lastVersion, s.hasVersion = ev.Version, true
	if ev.Terminal() {
		s.detached = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue. done is true once the queue is drained and detached.
func (s *subscription) next() (ev domain.Event, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Event{}, false, s.detached
	}
	ev = s.queue[0]
	s.queue[0] = domain.Event{}
	s.queue = s.queue[1:]
	return ev, true, false
}

func (s *subscription) cancel() {
	s.once.Do(func() { close(s.stop) })
}

// DefaultTerminalRetention is how long a hub remembers a terminal event.
const DefaultTerminalRetention = 10 * time.Minute

type terminalEntry struct {
	auctionID string
	at        time.Time
}

// Hub keeps the subscriptions per auction and, for a retention window, the
// terminal event of every auction it saw closing. Once forgotten, late
// subscribers rely on the caller passing the terminal event as initial.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[string]*subscription // auctionID -> subscriberID
	terminal  map[string]domain.Event
	expiry    []terminalEntry // insertion order
	retention time.Duration
	clock     clock.Clock
	queueSize int
	closed    bool
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock sets the time source used to expire terminal events.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithTerminalRetention sets how long terminal events are remembered.
func WithTerminalRetention(d time.Duration) Option {
	return func(h *Hub) { h.retention = d }
}

// NewHub creates a hub whose subscriptions buffer at most queueSize events.
func NewHub(queueSize int, m *metrics.Metrics, opts ...Option) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		subs:      make(map[string]map[string]*subscription),
		terminal:  make(map[string]domain.Event),
		retention: DefaultTerminalRetention,
		clock:     clock.System{},
		queueSize: queueSize,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// remember stores the terminal event of an auction and forgets the expired
// ones. Caller holds h.mu.
func (h *Hub) remember(ev domain.Event) {
	now := h.clock.Now()
	h.forgetExpired(now)
	h.terminal[ev.AuctionID] = ev
	h.expiry = append(h.expiry, terminalEntry{auctionID: ev.AuctionID, at: now})
}

// forgetExpired drops terminal events older than the retention. Caller holds h.mu.
func (h *Hub) forgetExpired(now time.Time) {
	n := 0
	for n < len(h.expiry) && now.Sub(h.expiry[n].at) >= h.retention {
		delete(h.terminal, h.expiry[n].auctionID)
		n++
	}
	if n > 0 {
		h.expiry = append(h.expiry[:0:0], h.expiry[n:]...)
	}
}

// Remembered returns how many terminal events the hub currently holds.
func (h *Hub) Remembered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminal)
}

// Subscribe registers sink for auctionID. The initial events are queued
// before anything published later. If the auction already closed (known to
// the hub or signalled by a terminal initial event) the subscription only
// receives the terminal event and ends.
//
// Subscribing an existing (auctionID, subscriberID) pair returns the existing
// handle with created=false; the caller keeps ownership of the unused sink.
func (h *Hub) Subscribe(auctionID, subscriberID string, sink Sink, initial ...domain.Event) (Handle, bool) {
	handle := Handle{AuctionID: auctionID, SubscriberID: subscriberID}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sink.Close()
		return handle, false
	}
	if _, ok := h.subs[auctionID][subscriberID]; ok {
		h.mu.Unlock()
		return handle, false
	}

	s := &subscription{
		handle: handle,
		sink:   sink,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	h.forgetExpired(h.clock.Now())
	if term, ok := h.terminal[auctionID]; ok {
		s.enqueue(term, h.queueSize, h.metrics)
	} else {
		for _, ev := range initial {
			s.enqueue(ev, h.queueSize, h.metrics)
			if ev.Terminal() {
				h.remember(ev)
				break
			}
		}
	}
	detached := s.detached
	if !detached {
		if h.subs[auctionID] == nil {
			h.subs[auctionID] = make(map[string]*subscription)
		}
		h.subs[auctionID][subscriberID] = s
	}
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.HubSubscriptions.Inc()
	log.Debug("Subscription created",
		zap.String("auctionID", auctionID),
		zap.String("subscriberID", subscriberID),
		zap.Bool("closedAuction", detached))

	go h.run(s)
	return handle, true
}

// Unsubscribe ends a live subscription, dropping its pending events.
// Reports whether the handle was subscribed.
func (h *Hub) Unsubscribe(handle Handle) bool {
	h.mu.Lock()
	s, ok := h.subs[handle.AuctionID][handle.SubscriberID]
	if ok {
		h.detach(s)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	log.Debug("Subscription removed",
		zap.String("auctionID", handle.AuctionID),
		zap.String("subscriberID", handle.SubscriberID))
	return true
}

// detach removes s from the registry. Caller holds h.mu.
func (h *Hub) detach(s *subscription) {
	auctionSubs := h.subs[s.handle.AuctionID]
	delete(auctionSubs, s.handle.SubscriberID)
	if len(auctionSubs) == 0 {
		delete(h.subs, s.handle.AuctionID)
	}
}

// Publish queues ev on every subscription of its auction without blocking.
// A terminal event ends all of them after delivery and is remembered for
// late subscribers during the retention window.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, done := h.terminal[ev.AuctionID]; done {
		return
	}
	auctionSubs := h.subs[ev.AuctionID]
	for _, s := range auctionSubs {
		s.enqueue(ev, h.queueSize, h.metrics)
	}
	if ev.Terminal() {
		h.remember(ev)
		delete(h.subs, ev.AuctionID)
	}
	log.Debug("Event published",
		zap.String("auctionID", ev.AuctionID),
		zap.String("type", string(ev.Type)),
		zap.Int64("version", ev.Version),
		zap.Int("subscribers", len(auctionSubs)))
}

// Subscribers returns the number of live subscriptions of auctionID.
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[auctionID])
}

// Close stops every delivery goroutine and waits for them to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.subs = make(map[string]map[string]*subscription)
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	log.Info("Broadcast hub stopped")
}

func (h *Hub) run(s *subscription) {
	defer func() {
		s.sink.Close()
		h.metrics.HubSubscriptions.Dec()
		h.wg.Done()
	}()

	for {
		ev, ok, done := s.next()
		if done {
			return
		}
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			case <-h.ctx.Done():
				return
			}
		}

		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.sink.Deliver(h.ctx, ev); err != nil {
			h.metrics.HubSinkErrors.Inc()
			log.Warn("Sink delivery failed, unsubscribing",
				zap.String("auctionID", s.handle.AuctionID),
				zap.String("subscriberID", s.handle.SubscriberID),
				zap.Error(err))
			h.mu.Lock()
			if cur, ok := h.subs[s.handle.AuctionID][s.handle.SubscriberID]; ok && cur == s {
				h.detach(s)
			}
			h.mu.Unlock()
			return
		}
		h.metrics.HubDelivered.Inc()
		if ev.Terminal() {
			return
		}
	}
}
