package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// numeric columns are read back as text and parsed, so no precision is lost on the way
const auctionColumns = `
	id, title, description, category, image_url,
	start_price::text, current_price::text, COALESCE(current_bidder_id, ''), total_bids,
	starts_at, ends_at, state, COALESCE(winner_id, ''), closed_at,
	version, created_at, updated_at`

// AuctionStore implements domain.AuctionStore on PostgreSQL. Optimistic
// concurrency relies on the version column: every write is
// UPDATE ... WHERE id = $1 AND version = $2.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new instance of AuctionStore
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

// snapshot makes multi-statement reads see one consistent version of an auction and its bids.
var snapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// withTx runs fn inside a transaction, committing on success and rolling back on error or panic.
func (r *AuctionStore) withTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("commit transaction: %w", commitErr)
		}
	}()
	return fn(tx)
}

// Create inserts the auction and any bid history it already carries.
func (r *AuctionStore) Create(ctx context.Context, a *domain.Auction) error {
	err := r.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO auctions (id, title, description, category, image_url,
				start_price, current_price, current_bidder_id, total_bids,
				starts_at, ends_at, state, winner_id, closed_at, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, NULLIF($8, ''), $9,
				$10, $11, $12, NULLIF($13, ''), $14, 1, $15, $16)`,
			a.ID, a.Title, a.Description, a.Category, a.ImageURL,
			a.StartPrice.String(), a.CurrentPrice.String(), a.CurrentBidderID, a.TotalBids,
			a.StartsAt, a.EndsAt, string(a.State), a.WinnerID, a.ClosedAt, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("create auction %s: %w", a.ID, domain.ErrAuctionExists)
			}
			return err
		}
		for _, b := range a.Bids {
			if err := insertBid(ctx, tx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Unavailable("create auction", err)
	}
	a.Version = 1
	return nil
}

// Get loads an auction with its bid history from the same snapshot.
func (r *AuctionStore) Get(ctx context.Context, id string) (*domain.Auction, error) {
	var a *domain.Auction
	err := r.withTx(ctx, snapshot, func(tx pgx.Tx) error {
		var err error
		if a, err = scanAuction(tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)); err != nil {
			return err
		}
		a.Bids, err = loadBids(ctx, tx, id)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get auction %s: %w", id, domain.ErrAuctionNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable("get auction", err)
	}
	return a, nil
}

// List returns every auction with its history, ordered by end time.
func (r *AuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return r.query(ctx, `SELECT `+auctionColumns+` FROM auctions ORDER BY ends_at, id`)
}

// ListOpen returns open auctions.
func (r *AuctionStore) ListOpen(ctx context.Context) ([]*domain.Auction, error) {
	return r.ListByState(ctx, domain.StateOpen)
}

// ListByState returns auctions in state.
func (r *AuctionStore) ListByState(ctx context.Context, state domain.AuctionState) ([]*domain.Auction, error) {
	return r.query(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE state = $1 ORDER BY ends_at, id`, string(state))
}

func (r *AuctionStore) query(ctx context.Context, sql string, args ...any) ([]*domain.Auction, error) {
	var auctions []*domain.Auction
	err := r.withTx(ctx, snapshot, func(tx pgx.Tx) error {
		var err error
		auctions, err = queryAuctions(ctx, tx, sql, args...)
		return err
	})
	if err != nil {
		return nil, domain.Unavailable("list auctions", err)
	}
	return auctions, nil
}

func queryAuctions(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]*domain.Auction, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	auctions := []*domain.Auction{}
	byID := make(map[string]*domain.Auction)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		a.Bids = []domain.Bid{}
		auctions = append(auctions, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(auctions) == 0 {
		return auctions, nil
	}

	ids := make([]string, 0, len(auctions))
	for _, a := range auctions {
		ids = append(ids, a.ID)
	}
	bidRows, err := tx.Query(ctx, `
		SELECT id, auction_id, bidder_id, amount::text, placed_at
		FROM bids WHERE auction_id = ANY($1) ORDER BY seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer bidRows.Close()
	for bidRows.Next() {
		b, err := scanBid(bidRows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		if a, ok := byID[b.AuctionID]; ok {
			a.Bids = append(a.Bids, b)
		}
	}
	return auctions, bidRows.Err()
}

// CASUpdate writes m and appends m.Bid in one transaction, only if the row is still at expectedVersion.
func (r *AuctionStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, m domain.Mutation) (int64, error) {
	err := r.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE auctions SET
				state = $3,
				current_price = $4::numeric,
				current_bidder_id = NULLIF($5, ''),
				total_bids = $6,
				ends_at = $7,
				winner_id = NULLIF($8, ''),
				closed_at = $9,
				updated_at = $10,
				version = version + 1
			WHERE id = $1 AND version = $2`,
			id, expectedVersion,
			string(m.State), m.CurrentPrice.String(), m.CurrentBidderID, m.TotalBids,
			m.EndsAt, m.WinnerID, m.ClosedAt, m.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("cas update auction %s: %w", id, domain.ErrAuctionNotFound)
			}
			return fmt.Errorf("cas update auction %s at version %d: %w", id, expectedVersion, domain.ErrVersionConflict)
		}
		if m.Bid != nil {
			return insertBid(ctx, tx, *m.Bid)
		}
		return nil
	})
	if err != nil {
		return 0, domain.Unavailable("cas update auction", err)
	}
	return expectedVersion + 1, nil
}

// AppendBid inserts a history row without touching the auction row.
func (r *AuctionStore) AppendBid(ctx context.Context, auctionID string, bid domain.Bid) error {
	bid.AuctionID = auctionID
	err := r.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return insertBid(ctx, tx, bid)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("append bid to auction %s: %w", auctionID, domain.ErrAuctionNotFound)
		}
		return domain.Unavailable("append bid", err)
	}
	return nil
}

// Bids returns the history of one auction.
func (r *AuctionStore) Bids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	var bids []domain.Bid
	err := r.withTx(ctx, snapshot, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, auctionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		var err error
		bids, err = loadBids(ctx, tx, auctionID)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable("get bids", err)
	}
	return bids, nil
}

func loadBids(ctx context.Context, tx pgx.Tx, auctionID string) ([]domain.Bid, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, auction_id, bidder_id, amount::text, placed_at
		FROM bids WHERE auction_id = $1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := []domain.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func insertBid(ctx context.Context, tx pgx.Tx, b domain.Bid) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4::numeric, $5)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount.String(), b.Timestamp,
	)
	return err
}

func scanAuction(row pgx.Row) (*domain.Auction, error) {
	var (
		a                        domain.Auction
		state                    string
		startPrice, currentPrice string
		closedAt                 *time.Time // pointer to handle NULL
	)
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.Category, &a.ImageURL,
		&startPrice, &currentPrice, &a.CurrentBidderID, &a.TotalBids,
		&a.StartsAt, &a.EndsAt, &state, &a.WinnerID, &closedAt,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.StartPrice, err = decimal.NewFromString(startPrice); err != nil {
		return nil, fmt.Errorf("parse start_price %q: %w", startPrice, err)
	}
	if a.CurrentPrice, err = decimal.NewFromString(currentPrice); err != nil {
		return nil, fmt.Errorf("parse current_price %q: %w", currentPrice, err)
	}
	a.State = domain.AuctionState(state)
	a.ClosedAt = closedAt
	return &a, nil
}

func scanBid(row pgx.Row) (domain.Bid, error) {
	var (
		b      domain.Bid
		amount string
	)
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.Timestamp); err != nil {
		return domain.Bid{}, err
	}
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Bid{}, fmt.Errorf("parse bid amount %q: %w", amount, err)
	}
	return b, nil
}
