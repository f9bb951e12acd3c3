package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AuctionClosedMessage is the integration message handed to the broker when an auction closes.
type AuctionClosedMessage struct {
	AuctionID  string    `json:"auctionId"`
	Title      string    `json:"title"`
	WinnerID   string    `json:"winnerId,omitempty"`
	FinalPrice string    `json:"finalPrice"`
	TotalBids  int       `json:"totalBids"`
	ClosedAt   time.Time `json:"closedAt"`
}

// CloseDueAuctions finalizes every open auction whose endsAt is not after
// now, plus any auction left in closing by an interrupted earlier run.
// Auctions are processed in parallel and independently: one failure does not
// stop the others, and the joined errors are returned. Running it again on
// the same state changes nothing.
func (e *Engine) CloseDueAuctions(ctx context.Context, now time.Time) (int, error) {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("close due auctions: %w", err)
	}
	closing, err := e.store.ListByState(ctx, domain.StateClosing)
	if err != nil {
		return 0, fmt.Errorf("close due auctions: %w", err)
	}

	due := closing
	for _, a := range open {
		if !now.Before(a.EndsAt) {
			due = append(due, a)
		}
	}
	return e.forEach(ctx, due, func(ctx context.Context, a *domain.Auction) (bool, error) {
		_, closedNow, err := e.close(ctx, a.ID, now, false)
		return closedNow, err
	})
}

// OpenDueAuctions opens every scheduled auction whose startsAt is not after now.
func (e *Engine) OpenDueAuctions(ctx context.Context, now time.Time) (int, error) {
	scheduled, err := e.store.ListByState(ctx, domain.StateScheduled)
	if err != nil {
		return 0, fmt.Errorf("open due auctions: %w", err)
	}
	var due []*domain.Auction
	for _, a := range scheduled {
		if !now.Before(a.StartsAt) {
			due = append(due, a)
		}
	}
	return e.forEach(ctx, due, func(ctx context.Context, a *domain.Auction) (bool, error) {
		return e.open(ctx, a.ID, now)
	})
}

// CloseAuction closes an auction on request, regardless of endsAt. Closing
// an already closed auction returns it unchanged; a scheduled one is rejected.
func (e *Engine) CloseAuction(ctx context.Context, id string) (*domain.Auction, error) {
	a, _, err := e.close(ctx, id, e.clock.Now(), true)
	if err != nil {
		return nil, fmt.Errorf("close auction %s: %w", id, err)
	}
	return a, nil
}

// forEach runs fn on every auction with at most SweepWorkers in flight and counts the true results.
func (e *Engine) forEach(ctx context.Context, auctions []*domain.Auction, fn func(context.Context, *domain.Auction) (bool, error)) (int, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		count int
		errs  []error
	)
	g.SetLimit(e.cfg.SweepWorkers)
	for _, a := range auctions {
		a := a
		g.Go(func() error {
			changed, err := fn(ctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("auction %s: %w", a.ID, err))
				return nil
			}
			if changed {
				count++
			}
			return nil
		})
	}
	_ = g.Wait()
	return count, errors.Join(errs...)
}

// close drives one auction to closed through closing, two CAS writes that
// each retry on conflict. When force is false an auction that is not yet due
// (e.g. extended by a late bid) is left open.
func (e *Engine) close(ctx context.Context, id string, now time.Time, force bool) (*domain.Auction, bool, error) {
	for attempt := 1; attempt <= e.cfg.MaxBidAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		a, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}

		switch a.State {
		case domain.StateClosed:
			return a, false, nil
		case domain.StateScheduled:
			if force {
				return nil, false, domain.ErrAuctionNotOpen
			}
			return a, false, nil
		case domain.StateOpen:
			if !force && now.Before(a.EndsAt) {
				return a, false, nil
			}
			if err := a.BeginClose(now); err != nil {
				return nil, false, err
			}
			version, err := e.store.CASUpdate(ctx, a.ID, a.Version, domain.MutationOf(a, nil))
			if errors.Is(err, domain.ErrVersionConflict) {
				e.metrics.VersionConflicts.Inc()
				continue
			}
			if err != nil {
				return nil, false, err
			}
			a.Version = version
			log.Info("Auction closing",
				zap.String("auctionID", a.ID),
				zap.Int64("version", a.Version),
				zap.Bool("forced", force))
		}

		// a is closing here, either just now or left over from an interrupted close
		if err := a.Finalize(now); err != nil {
			return nil, false, err
		}
		version, err := e.store.CASUpdate(ctx, a.ID, a.Version, domain.MutationOf(a, nil))
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		a.Version = version
		e.afterClose(ctx, a)
		return a, true, nil
	}
	return nil, false, fmt.Errorf("%d attempts lost to concurrent writers: %w", e.cfg.MaxBidAttempts, domain.ErrStoreUnavailable)
}

func (e *Engine) afterClose(ctx context.Context, a *domain.Auction) {
	result := "no_winner"
	if a.HasWinner() {
		result = "winner"
	}
	e.metrics.AuctionsClosed.WithLabelValues(result).Inc()
	log.Info("Auction closed",
		zap.String("auctionID", a.ID),
		zap.String("winnerID", a.WinnerID),
		zap.String("finalPrice", a.CurrentPrice.String()),
		zap.Int("totalBids", a.TotalBids),
		zap.Int64("version", a.Version))

	e.hub.Publish(domain.NewEvent(domain.EventAuctionClosed, a, e.clock.Now()))

	msg := AuctionClosedMessage{
		AuctionID:  a.ID,
		Title:      a.Title,
		WinnerID:   a.WinnerID,
		FinalPrice: a.CurrentPrice.String(),
		TotalBids:  a.TotalBids,
		ClosedAt:   *a.ClosedAt,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("Failed to encode auction closed message", zap.String("auctionID", a.ID), zap.Error(err))
		return
	}
	// the close is committed, a broker failure is only reported
	pubCtx := context.WithoutCancel(ctx)
	if err := e.publisher.Publish(pubCtx, TopicAuctionClosed, a.ID, payload); err != nil {
		e.metrics.PublishFailures.WithLabelValues(TopicAuctionClosed).Inc()
		log.Error("Failed to publish auction closed message",
			zap.String("auctionID", a.ID),
			zap.String("topic", TopicAuctionClosed),
			zap.Error(err))
	}
}

// open performs scheduled -> open. False when a bid or another sweep got there first.
func (e *Engine) open(ctx context.Context, id string, now time.Time) (bool, error) {
	for attempt := 1; attempt <= e.cfg.MaxBidAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		a, err := e.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if err := a.Open(now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrAuctionNotOpen) {
				return false, nil
			}
			return false, err
		}
		version, err := e.store.CASUpdate(ctx, a.ID, a.Version, domain.MutationOf(a, nil))
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			continue
		}
		if err != nil {
			return false, err
		}
		a.Version = version
		e.metrics.AuctionsOpened.WithLabelValues("sweep").Inc()
		log.Info("Auction opened",
			zap.String("auctionID", a.ID),
			zap.Time("startsAt", a.StartsAt),
			zap.Time("endsAt", a.EndsAt))
		e.hub.Publish(domain.NewEvent(domain.EventAuctionOpened, a, e.clock.Now()))
		return true, nil
	}
	return false, fmt.Errorf("%d attempts lost to concurrent writers: %w", e.cfg.MaxBidAttempts, domain.ErrStoreUnavailable)
}
