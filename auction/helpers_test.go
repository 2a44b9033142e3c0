package auction

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memoryStore 是測試用的 Store，以單一互斥鎖保證提交的原子性
type memoryStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]Listing
	bids     map[uuid.UUID][]Bid
	commits  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		listings: make(map[uuid.UUID]Listing),
		bids:     make(map[uuid.UUID][]Bid),
	}
}

func (s *memoryStore) Create(_ context.Context, listing Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[listing.ID]; ok {
		return ErrStateConflict
	}
	s.listings[listing.ID] = listing
	return nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listing, ok := s.listings[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return listing, nil
}

func (s *memoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.listings[m.Listing.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != m.Expected {
		return ErrVersionMismatch
	}
	if !m.Before.IsZero() && !current.Deadline.After(m.Before) {
		return ErrDeadlinePassed
	}
	s.listings[m.Listing.ID] = m.Listing
	if m.Bid != nil {
		s.bids[m.Listing.ID] = append(s.bids[m.Listing.ID], *m.Bid)
	}
	s.commits++
	return nil
}

func (s *memoryStore) Due(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Listing
	for _, listing := range s.listings {
		if listing.Status == StatusOpen && !listing.Deadline.After(now) {
			due = append(due, listing)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	var ids []uuid.UUID
	for _, listing := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, listing.ID)
	}
	return ids, nil
}

func (s *memoryStore) Bids(_ context.Context, listingID uuid.UUID) ([]Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bid(nil), s.bids[listingID]...), nil
}

func (s *memoryStore) HasBid(_ context.Context, listingID uuid.UUID, bidderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bid := range s.bids[listingID] {
		if bid.BidderID == bidderID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) Bid(_ context.Context, id uuid.UUID) (Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bids := range s.bids {
		for _, bid := range bids {
			if bid.ID == id {
				return bid, nil
			}
		}
	}
	return Bid{}, ErrNotFound
}

// testClock 是可以手動推進的時鐘
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder 記錄所有發布的事件
type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(channel string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if channel != event.ListingID.String() {
		panic("unexpected channel " + channel)
	}
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type testEnv struct {
	engine *Engine
	store  *memoryStore
	clock  *testClock
	events *recorder
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	store := newMemoryStore()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &recorder{}
	engine, err := NewEngine(store,
		WithEngineClock(clock.Now),
		WithEnginePublisher(events),
		WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return &testEnv{engine: engine, store: store, clock: clock, events: events}
}

func (env *testEnv) open(t *testing.T, req NewListing) Listing {
	t.Helper()
	if req.SellerID == "" {
		req.SellerID = "seller"
	}
	if req.Deadline.IsZero() {
		req.Deadline = env.clock.Now().Add(time.Hour)
	}
	listing, err := env.engine.OpenListing(context.Background(), req)
	require.NoError(t, err)
	return listing
}

func (env *testEnv) bid(t *testing.T, listingID uuid.UUID, bidder string, amount int64) BidReceipt {
	t.Helper()
	receipt, err := env.engine.PlaceBid(context.Background(), PlaceBidRequest{ListingID: listingID, BidderID: bidder, Amount: amount})
	require.NoError(t, err)
	return receipt
}

func ptr[T any](v T) *T {
	return &v
}
