package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlaceBidCommand is the validated input of Engine.PlaceBid.
type PlaceBidCommand struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	// At is the time the caller saw the bid; the server clock wins when later.
	At time.Time
}

// PlaceBid applies a bid with optimistic concurrency: read, validate against
// the fresh copy, CAS write, and retry from the read on a version conflict.
// The price check therefore always runs against the version being replaced.
//
// Once the write is committed the bid stands, even if ctx was cancelled meanwhile.
func (e *Engine) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*domain.Auction, error) {
	var firstState domain.AuctionState
	for attempt := 1; attempt <= e.cfg.MaxBidAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("place bid on auction %s cancelled: %w", cmd.AuctionID, err)
		}

		a, err := e.store.Get(ctx, cmd.AuctionID)
		if err != nil {
			e.recordBid(err)
			if errors.Is(err, domain.ErrStoreUnavailable) {
				log.Error("PlaceBid: failed to read auction",
					zap.String("auctionID", cmd.AuctionID),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return nil, fmt.Errorf("place bid on auction %s: %w", cmd.AuctionID, err)
		}
		if attempt == 1 {
			firstState = a.State
		}

		at := cmd.At
		if now := e.clock.Now(); now.After(at) {
			at = now
		}
		wasScheduled := a.State == domain.StateScheduled

		bid, err := a.ApplyBid(cmd.BidderID, cmd.Amount, at, e.rules)
		if err != nil {
			// closure began while this bid was retrying: it lost the race with the closer
			if errors.Is(err, domain.ErrAuctionNotOpen) && firstState == domain.StateOpen &&
				(a.State == domain.StateClosing || a.State == domain.StateClosed) {
				err = domain.ErrAuctionExpired
			}
			e.recordBid(err)
			log.Warn("PlaceBid: bid rejected",
				zap.String("auctionID", cmd.AuctionID),
				zap.String("bidderID", cmd.BidderID),
				zap.String("amount", cmd.Amount.String()),
				zap.String("state", string(a.State)),
				zap.Error(err))
			return nil, fmt.Errorf("place bid on auction %s: %w", cmd.AuctionID, err)
		}

		version, err := e.store.CASUpdate(ctx, a.ID, a.Version, domain.MutationOf(a, &bid))
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			log.Debug("PlaceBid: version conflict, retrying",
				zap.String("auctionID", cmd.AuctionID),
				zap.Int64("version", a.Version),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			e.recordBid(err)
			log.Error("PlaceBid: failed to write bid",
				zap.String("auctionID", cmd.AuctionID),
				zap.String("bidderID", cmd.BidderID),
				zap.Error(err))
			return nil, fmt.Errorf("place bid on auction %s: %w", cmd.AuctionID, err)
		}
		a.Version = version

		e.metrics.BidCASAttempts.Observe(float64(attempt))
		e.metrics.BidsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
		if wasScheduled {
			e.metrics.AuctionsOpened.WithLabelValues("bid").Inc()
		}
		log.Info("PlaceBid: bid accepted",
			zap.String("auctionID", a.ID),
			zap.String("bidderID", bid.BidderID),
			zap.String("amount", bid.Amount.String()),
			zap.Int("totalBids", a.TotalBids),
			zap.Int64("version", a.Version),
			zap.Time("endsAt", a.EndsAt))

		e.hub.Publish(domain.NewEvent(domain.EventBidPlaced, a, e.clock.Now()))
		return a, nil
	}

	e.metrics.BidCASAttempts.Observe(float64(e.cfg.MaxBidAttempts))
	e.metrics.BidsTotal.WithLabelValues(metrics.OutcomeUnavailable).Inc()
	log.Error("PlaceBid: retry budget exhausted",
		zap.String("auctionID", cmd.AuctionID),
		zap.Int("attempts", e.cfg.MaxBidAttempts))
	return nil, fmt.Errorf("place bid on auction %s: %d attempts lost to concurrent writers: %w",
		cmd.AuctionID, e.cfg.MaxBidAttempts, domain.ErrStoreUnavailable)
}

func (e *Engine) recordBid(err error) {
	outcome := metrics.OutcomeUnavailable
	switch {
	case errors.Is(err, domain.ErrBidTooLow):
		outcome = metrics.OutcomeTooLow
	case errors.Is(err, domain.ErrAuctionNotOpen):
		outcome = metrics.OutcomeNotOpen
	case errors.Is(err, domain.ErrAuctionExpired):
		outcome = metrics.OutcomeExpired
	case errors.Is(err, domain.ErrAuctionNotFound):
		outcome = metrics.OutcomeNotFound
	case errors.Is(err, domain.ErrValidation):
		outcome = metrics.OutcomeInvalid
	}
	e.metrics.BidsTotal.WithLabelValues(outcome).Inc()
}
