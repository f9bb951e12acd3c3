package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Key layout, all under the configured prefix:
//
//	<prefix>:auction:<id>        hash {data: json, version: int}
//	<prefix>:auction:<id>:bids   list of bid json, insertion order
//	<prefix>:auctions            set of every auction id
//	<prefix>:state:<state>       set of auction ids per state

// createScript inserts the auction hash, its indexes and any initial history.
var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 1)
	redis.call('SADD', KEYS[3], ARGV[2])
	redis.call('SADD', KEYS[4], ARGV[2])
	for i = 3, #ARGV do
		redis.call('RPUSH', KEYS[2], ARGV[i])
	end
	return 1
`)

// casScript compares the stored version with ARGV[1] and on match writes the
// new data, bumps the version, appends the optional bid and moves the id to
// the new state set. Returns the new version, 0 on conflict, -1 when missing.
var casScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local version = tonumber(redis.call('HGET', KEYS[1], 'version'))
	if version ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', version + 1)
	if ARGV[3] ~= '' then
		redis.call('RPUSH', KEYS[2], ARGV[3])
	end
	for i = 4, #KEYS do
		redis.call('SREM', KEYS[i], ARGV[4])
	end
	redis.call('SADD', KEYS[3], ARGV[4])
	return version + 1
`)

var appendBidScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
`)

var allStates = []domain.AuctionState{
	domain.StateScheduled, domain.StateOpen, domain.StateClosing, domain.StateClosed,
}

// AuctionStore implements domain.AuctionStore on redis. Every write is a Lua
// script, so version check, update and history append happen in one step.
type AuctionStore struct {
	client redis.UniversalClient
	prefix string
}

// NewAuctionStore creates a new instance of AuctionStore
func NewAuctionStore(client redis.UniversalClient, prefix string) *AuctionStore {
	return &AuctionStore{client: client, prefix: prefix}
}

type auctionRecord struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Category        string              `json:"category,omitempty"`
	ImageURL        string              `json:"imageUrl,omitempty"`
	StartPrice      decimal.Decimal     `json:"startPrice"`
	CurrentPrice    decimal.Decimal     `json:"currentPrice"`
	CurrentBidderID string              `json:"currentBidderId,omitempty"`
	TotalBids       int                 `json:"totalBids"`
	StartsAt        time.Time           `json:"startsAt"`
	EndsAt          time.Time           `json:"endsAt"`
	State           domain.AuctionState `json:"state"`
	WinnerID        string              `json:"winnerId,omitempty"`
	ClosedAt        *time.Time          `json:"closedAt,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type bidRecord struct {
	ID        uuid.UUID       `json:"id"`
	AuctionID string          `json:"auctionId"`
	BidderID  string          `json:"bidderId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func toRecord(a *domain.Auction) auctionRecord {
	return auctionRecord{
		ID: a.ID, Title: a.Title, Description: a.Description, Category: a.Category, ImageURL: a.ImageURL,
		StartPrice: a.StartPrice, CurrentPrice: a.CurrentPrice, CurrentBidderID: a.CurrentBidderID,
		TotalBids: a.TotalBids, StartsAt: a.StartsAt, EndsAt: a.EndsAt, State: a.State,
		WinnerID: a.WinnerID, ClosedAt: a.ClosedAt, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

func (r auctionRecord) toDomain(version int64, bids []domain.Bid) *domain.Auction {
	return &domain.Auction{
		ID: r.ID, Title: r.Title, Description: r.Description, Category: r.Category, ImageURL: r.ImageURL,
		StartPrice: r.StartPrice, CurrentPrice: r.CurrentPrice, CurrentBidderID: r.CurrentBidderID,
		TotalBids: r.TotalBids, StartsAt: r.StartsAt, EndsAt: r.EndsAt, State: r.State,
		WinnerID: r.WinnerID, ClosedAt: r.ClosedAt, Version: version,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Bids: bids,
	}
}

func encodeBid(b domain.Bid) (string, error) {
	data, err := json.Marshal(bidRecord(b))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeBid(s string) (domain.Bid, error) {
	var rec bidRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return domain.Bid{}, err
	}
	return domain.Bid(rec), nil
}

func (s *AuctionStore) auctionKey(id string) string { return fmt.Sprintf("%s:auction:%s", s.prefix, id) }
func (s *AuctionStore) bidsKey(id string) string    { return fmt.Sprintf("%s:auction:%s:bids", s.prefix, id) }
func (s *AuctionStore) indexKey() string            { return s.prefix + ":auctions" }
func (s *AuctionStore) stateKey(state domain.AuctionState) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, state)
}

// Create stores a at version 1 together with its initial history.
func (s *AuctionStore) Create(ctx context.Context, a *domain.Auction) error {
	data, err := json.Marshal(toRecord(a))
	if err != nil {
		return fmt.Errorf("encode auction %s: %w", a.ID, err)
	}
	args := []any{string(data), a.ID}
	for _, b := range a.Bids {
		enc, err := encodeBid(b)
		if err != nil {
			return fmt.Errorf("encode bid %s: %w", b.ID, err)
		}
		args = append(args, enc)
	}
	keys := []string{s.auctionKey(a.ID), s.bidsKey(a.ID), s.stateKey(a.State), s.indexKey()}

	created, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return domain.Unavailable("create auction", err)
	}
	if created == 0 {
		return fmt.Errorf("create auction %s: %w", a.ID, domain.ErrAuctionExists)
	}
	a.Version = 1
	return nil
}

// Get reads the hash and the history inside one MULTI so both belong to the same version.
func (s *AuctionStore) Get(ctx context.Context, id string) (*domain.Auction, error) {
	var (
		fields *redis.SliceCmd
		bids   *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HMGet(ctx, s.auctionKey(id), "data", "version")
		bids = pipe.LRange(ctx, s.bidsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, domain.Unavailable("get auction", err)
	}
	return s.decode(id, fields.Val(), bids.Val())
}

func (s *AuctionStore) decode(id string, fields []any, rawBids []string) (*domain.Auction, error) {
	if len(fields) != 2 || fields[0] == nil {
		return nil, fmt.Errorf("get auction %s: %w", id, domain.ErrAuctionNotFound)
	}
	data, _ := fields[0].(string)
	rawVersion, _ := fields[1].(string)

	var rec auctionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, domain.Unavailable("decode auction", err)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return nil, domain.Unavailable("decode auction version", err)
	}
	bids := make([]domain.Bid, 0, len(rawBids))
	for _, raw := range rawBids {
		b, err := decodeBid(raw)
		if err != nil {
			return nil, domain.Unavailable("decode bid", err)
		}
		bids = append(bids, b)
	}
	return rec.toDomain(version, bids), nil
}

// List returns every auction ordered by end time.
func (s *AuctionStore) List(ctx context.Context) ([]*domain.Auction, error) {
	return s.listSet(ctx, s.indexKey())
}

// ListOpen returns open auctions.
func (s *AuctionStore) ListOpen(ctx context.Context) ([]*domain.Auction, error) {
	return s.ListByState(ctx, domain.StateOpen)
}

// ListByState returns auctions indexed under state.
func (s *AuctionStore) ListByState(ctx context.Context, state domain.AuctionState) ([]*domain.Auction, error) {
	return s.listSet(ctx, s.stateKey(state))
}

func (s *AuctionStore) listSet(ctx context.Context, setKey string) ([]*domain.Auction, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, domain.Unavailable("list auctions", err)
	}
	auctions := make([]*domain.Auction, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrAuctionNotFound) {
			continue // removed between SMEMBERS and the read
		}
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	sort.Slice(auctions, func(i, j int) bool {
		if auctions[i].EndsAt.Equal(auctions[j].EndsAt) {
			return auctions[i].ID < auctions[j].ID
		}
		return auctions[i].EndsAt.Before(auctions[j].EndsAt)
	})
	return auctions, nil
}

// CASUpdate applies m when the stored version still equals expectedVersion.
func (s *AuctionStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, m domain.Mutation) (int64, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, fmt.Errorf("cas update auction %s at version %d: %w", id, expectedVersion, domain.ErrVersionConflict)
	}
	// the bid travels separately, only the mutable fields go into the record
	mu := m
	mu.Bid = nil
	mu.ApplyTo(current)
	data, err := json.Marshal(toRecord(current))
	if err != nil {
		return 0, fmt.Errorf("encode auction %s: %w", id, err)
	}
	bid := ""
	if m.Bid != nil {
		if bid, err = encodeBid(*m.Bid); err != nil {
			return 0, fmt.Errorf("encode bid %s: %w", m.Bid.ID, err)
		}
	}

	keys := []string{s.auctionKey(id), s.bidsKey(id), s.stateKey(m.State)}
	for _, st := range allStates {
		keys = append(keys, s.stateKey(st))
	}
	version, err := casScript.Run(ctx, s.client, keys, expectedVersion, string(data), bid, id).Int64()
	if err != nil {
		return 0, domain.Unavailable("cas update auction", err)
	}
	switch version {
	case -1:
		return 0, fmt.Errorf("cas update auction %s: %w", id, domain.ErrAuctionNotFound)
	case 0:
		return 0, fmt.Errorf("cas update auction %s at version %d: %w", id, expectedVersion, domain.ErrVersionConflict)
	}
	return version, nil
}

// AppendBid pushes a history entry without touching the auction hash.
func (s *AuctionStore) AppendBid(ctx context.Context, auctionID string, bid domain.Bid) error {
	bid.AuctionID = auctionID
	enc, err := encodeBid(bid)
	if err != nil {
		return fmt.Errorf("encode bid %s: %w", bid.ID, err)
	}
	ok, err := appendBidScript.Run(ctx, s.client, []string{s.auctionKey(auctionID), s.bidsKey(auctionID)}, enc).Int()
	if err != nil {
		return domain.Unavailable("append bid", err)
	}
	if ok == 0 {
		return fmt.Errorf("append bid to auction %s: %w", auctionID, domain.ErrAuctionNotFound)
	}
	return nil
}

// Bids returns the history of one auction.
func (s *AuctionStore) Bids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return a.Bids, nil
}
