package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/auction"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func newTestListing(deadline time.Time) auction.Listing {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return auction.Listing{
		ID:               uuid.New(),
		SellerID:         "seller",
		StartingPrice:    1000,
		CurrentPrice:     1000,
		ReservePrice:     lo.ToPtr(int64(1500)),
		MinIncrement:     100,
		Deadline:         deadline,
		Status:           auction.StatusOpen,
		SettlementMethod: auction.MethodNone,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"})
	assert.Error(t, err)

	_, err = NewStore(nil)
	assert.Error(t, err)
}

func TestStore_CreateGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	listing := newTestListing(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.Create(ctx, listing))

	got, err := store.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listing, got)

	err = store.Create(ctx, listing)
	assert.ErrorIs(t, err, auction.ErrStateConflict)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrNotFound)
}

func TestStore_Commit(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	listing := newTestListing(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.Create(ctx, listing))

	bid := auction.Bid{
		ID:        uuid.New(),
		ListingID: listing.ID,
		BidderID:  "alice",
		Amount:    1200,
		PlacedAt:  time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		Sequence:  1,
	}
	next := listing
	next.CurrentPrice = 1200
	next.LeadingBidderID = "alice"
	next.BidCount = 1
	next.Version = 2
	next.UpdatedAt = bid.PlacedAt

	t.Run("版本相符時提交成功", func(t *testing.T) {
		require.NoError(t, store.Commit(ctx, auction.Mutation{Expected: 1, Listing: next, Bid: &bid}))

		got, err := store.Get(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, next, got)

		bids, err := store.Bids(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, []auction.Bid{bid}, bids)

		ok, err := store.HasBid(ctx, listing.ID, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.HasBid(ctx, listing.ID, "bob")
		require.NoError(t, err)
		assert.False(t, ok)

		got2, err := store.Bid(ctx, bid.ID)
		require.NoError(t, err)
		assert.Equal(t, bid, got2)
	})

	t.Run("版本不符時回傳衝突且不寫入", func(t *testing.T) {
		stale := next
		stale.CurrentPrice = 9999
		staleBid := bid
		staleBid.ID = uuid.New()
		staleBid.Amount = 9999
		err := store.Commit(ctx, auction.Mutation{Expected: 1, Listing: stale, Bid: &staleBid})
		assert.ErrorIs(t, err, auction.ErrVersionMismatch)
		assert.True(t, auction.IsRetriable(err))

		got, err := store.Get(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), got.CurrentPrice)
		_, err = store.Bid(ctx, staleBid.ID)
		assert.ErrorIs(t, err, auction.ErrNotFound, "the bid is rolled back with the listing")
	})

	t.Run("商品不存在", func(t *testing.T) {
		missing := newTestListing(listing.Deadline)
		err := store.Commit(ctx, auction.Mutation{Expected: 1, Listing: missing})
		assert.ErrorIs(t, err, auction.ErrNotFound)
	})

	t.Run("結標", func(t *testing.T) {
		settledAt := time.Date(2026, 1, 2, 0, 0, 1, 0, time.UTC)
		settled := next
		settled.Status = auction.StatusSold
		settled.SettlementMethod = auction.MethodAuctionClose
		settled.WinnerID = "alice"
		settled.SettledAt = &settledAt
		settled.FinalPrice = lo.ToPtr(int64(1200))
		settled.Version = 3
		settled.UpdatedAt = settledAt
		require.NoError(t, store.Commit(ctx, auction.Mutation{Expected: 2, Listing: settled}))

		got, err := store.Get(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, settled, got)

		due, err := store.Due(ctx, listing.Deadline.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestStore_CommitBeforeDeadline(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	deadline := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	listing := newTestListing(deadline)
	require.NoError(t, store.Create(ctx, listing))

	bid := auction.Bid{
		ID:        uuid.New(),
		ListingID: listing.ID,
		BidderID:  "alice",
		Amount:    1200,
		PlacedAt:  deadline,
		Sequence:  1,
	}
	next := listing
	next.CurrentPrice = 1200
	next.LeadingBidderID = "alice"
	next.BidCount = 1
	next.Version = 2

	t.Run("截止時間已到時拒絕提交", func(t *testing.T) {
		err := store.Commit(ctx, auction.Mutation{Expected: 1, Listing: next, Bid: &bid, Before: deadline})
		assert.ErrorIs(t, err, auction.ErrDeadlinePassed)
		assert.False(t, auction.IsRetriable(err))

		got, err := store.Get(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, listing, got)
		_, err = store.Bid(ctx, bid.ID)
		assert.ErrorIs(t, err, auction.ErrNotFound)
	})

	t.Run("版本不符時仍回傳版本衝突", func(t *testing.T) {
		err := store.Commit(ctx, auction.Mutation{Expected: 5, Listing: next, Bid: &bid, Before: deadline})
		assert.ErrorIs(t, err, auction.ErrVersionMismatch)
	})

	t.Run("截止前提交成功", func(t *testing.T) {
		err := store.Commit(ctx, auction.Mutation{Expected: 1, Listing: next, Bid: &bid, Before: deadline.Add(-time.Millisecond)})
		require.NoError(t, err)

		bids, err := store.Bids(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, []auction.Bid{bid}, bids)
	})
}

func TestStore_EmptyLedger(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := uuid.New()
	bids, err := store.Bids(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bids)

	_, err = store.Bid(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrNotFound)
}

func TestStore_Due(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	early := newTestListing(base)
	late := newTestListing(base.Add(time.Hour))
	require.NoError(t, store.Create(ctx, late))
	require.NoError(t, store.Create(ctx, early))

	due, err := store.Due(ctx, base.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.Due(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{early.ID}, due)

	due, err = store.Due(ctx, base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{early.ID}, due)

	due, err = store.Due(ctx, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, due)
}

// 多個出價者同時出價時，被接受的出價金額必須嚴格遞增，且價格等於最後一筆出價
func TestStore_ConcurrentPlaceBid(t *testing.T) {
	store := setupStore(t)
	engine, err := auction.NewEngine(store)
	require.NoError(t, err)
	ctx := context.Background()

	listing, err := engine.OpenListing(ctx, auction.NewListing{
		SellerID:      "seller",
		StartingPrice: 100,
		MinIncrement:  10,
		Deadline:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	const bidders = 8
	const rounds = 10
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 1; r <= rounds; r++ {
				_, err := engine.PlaceBid(ctx, auction.PlaceBidRequest{
					ListingID: listing.ID,
					BidderID:  fmt.Sprintf("bidder-%d", i),
					Amount:    int64(100 + r*100 + i),
				})
				if err != nil {
					kind := auction.KindOf(err)
					assert.Contains(t, []auction.Kind{auction.KindBelowMinimum, auction.KindStateConflict}, kind, err.Error())
				}
			}
		}(i)
	}
	wg.Wait()

	state, err := engine.Snapshot(ctx, listing.ID)
	require.NoError(t, err)
	require.NotEmpty(t, state.Bids)
	for i := 1; i < len(state.Bids); i++ {
		assert.Greater(t, state.Bids[i].Amount, state.Bids[i-1].Amount+listing.MinIncrement)
		assert.Equal(t, state.Bids[i-1].Sequence+1, state.Bids[i].Sequence)
	}
	last := state.Bids[len(state.Bids)-1]
	assert.Equal(t, last.Amount, state.Listing.CurrentPrice)
	assert.Equal(t, last.BidderID, state.Listing.LeadingBidderID)
	assert.Equal(t, int64(len(state.Bids)), state.Listing.BidCount)
	assert.Equal(t, uint64(len(state.Bids)+1), state.Listing.Version)
}
