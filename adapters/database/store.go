package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"gavel/auction"
	"gavel/models"
)

// Store 以關聯式資料庫實作 auction.Store
// 拍賣商品的更新以 version 欄位做條件更新，出價在同一個交易中寫入
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, listing auction.Listing) error {
	const op = "database.Store.Create"
	record := toListingModel(listing)
	if result := s.db.WithContext(ctx).Create(&record); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%s: %w: listing %s already exists", op, auction.ErrStateConflict, listing.ID)
		}
		return fmt.Errorf("%s: failed to create listing: %w", op, result.Error)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (auction.Listing, error) {
	const op = "database.Store.Get"
	var record models.Listing
	if result := s.db.WithContext(ctx).First(&record, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return auction.Listing{}, fmt.Errorf("%s: %w: listing %s", op, auction.ErrNotFound, id)
		}
		return auction.Listing{}, fmt.Errorf("%s: failed to find listing: %w", op, result.Error)
	}
	return fromListingModel(record), nil
}

func (s *Store) Commit(ctx context.Context, m auction.Mutation) error {
	const op = "database.Store.Commit"
	next := m.Listing
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.Listing{}).Where("id = ? AND version = ?", next.ID, m.Expected)
		if !m.Before.IsZero() {
			query = query.Where("deadline > ?", m.Before.UTC())
		}
		result := query.Updates(map[string]any{
				"current_price":     next.CurrentPrice,
				"status":            string(next.Status),
				"reserve_met":       next.ReserveMet,
				"leading_bidder_id": next.LeadingBidderID,
				"bid_count":         next.BidCount,
				"winner_id":         lo.EmptyableToPtr(next.WinnerID),
				"settled_at":        utcPtr(next.SettledAt),
				"settlement_method": string(next.SettlementMethod),
				"final_price":       next.FinalPrice,
				"version":           next.Version,
				"updated_at":        next.UpdatedAt.UTC(),
			})
		if result.Error != nil {
			return fmt.Errorf("%s: failed to update listing: %w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			var current models.Listing
			err := tx.Select("version", "deadline").Where("id = ?", next.ID).Take(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s: %w: listing %s", op, auction.ErrNotFound, next.ID)
			}
			if err != nil {
				return fmt.Errorf("%s: failed to check listing: %w", op, err)
			}
			if current.Version == m.Expected && !m.Before.IsZero() && !current.Deadline.After(m.Before) {
				return fmt.Errorf("%s: %w: deadline was %s", op, auction.ErrDeadlinePassed, current.Deadline.UTC().Format(time.RFC3339))
			}
			return fmt.Errorf("%s: %w", op, auction.ErrVersionMismatch)
		}
		if m.Bid == nil {
			return nil
		}
		record := toBidModel(*m.Bid)
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%s: %w", op, auction.ErrVersionMismatch)
			}
			return fmt.Errorf("%s: failed to append bid: %w", op, err)
		}
		return nil
	})
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const op = "database.Store.Due"
	var ids []uuid.UUID
	query := s.db.WithContext(ctx).Model(&models.Listing{}).
		Where("status = ? AND deadline <= ?", string(auction.StatusOpen), now.UTC()).
		Order("deadline")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if result := query.Pluck("id", &ids); result.Error != nil {
		return nil, fmt.Errorf("%s: failed to list due listings: %w", op, result.Error)
	}
	return ids, nil
}

func (s *Store) Bids(ctx context.Context, listingID uuid.UUID) ([]auction.Bid, error) {
	const op = "database.Store.Bids"
	var records []models.Bid
	if result := s.db.WithContext(ctx).Where("listing_id = ?", listingID).Order("sequence").Find(&records); result.Error != nil {
		return nil, fmt.Errorf("%s: failed to list bids: %w", op, result.Error)
	}
	return lo.Map(records, func(record models.Bid, _ int) auction.Bid {
		return fromBidModel(record)
	}), nil
}

func (s *Store) HasBid(ctx context.Context, listingID uuid.UUID, bidderID string) (bool, error) {
	const op = "database.Store.HasBid"
	var count int64
	if result := s.db.WithContext(ctx).Model(&models.Bid{}).Where("listing_id = ? AND bidder_id = ?", listingID, bidderID).Limit(1).Count(&count); result.Error != nil {
		return false, fmt.Errorf("%s: failed to count bids: %w", op, result.Error)
	}
	return count > 0, nil
}

func (s *Store) Bid(ctx context.Context, id uuid.UUID) (auction.Bid, error) {
	const op = "database.Store.Bid"
	var record models.Bid
	if result := s.db.WithContext(ctx).First(&record, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return auction.Bid{}, fmt.Errorf("%s: %w: bid %s", op, auction.ErrNotFound, id)
		}
		return auction.Bid{}, fmt.Errorf("%s: failed to find bid: %w", op, result.Error)
	}
	return fromBidModel(record), nil
}

func toListingModel(l auction.Listing) models.Listing {
	return models.Listing{
		ID:               l.ID,
		SellerID:         l.SellerID,
		StartingPrice:    l.StartingPrice,
		CurrentPrice:     l.CurrentPrice,
		ReservePrice:     l.ReservePrice,
		BuyNowPrice:      l.BuyNowPrice,
		MinIncrement:     l.MinIncrement,
		Deadline:         l.Deadline.UTC(),
		Status:           string(l.Status),
		ReserveMet:       l.ReserveMet,
		LeadingBidderID:  l.LeadingBidderID,
		BidCount:         l.BidCount,
		WinnerID:         lo.EmptyableToPtr(l.WinnerID),
		SettledAt:        utcPtr(l.SettledAt),
		SettlementMethod: string(l.SettlementMethod),
		FinalPrice:       l.FinalPrice,
		Version:          l.Version,
		CreatedAt:        l.CreatedAt.UTC(),
		UpdatedAt:        l.UpdatedAt.UTC(),
	}
}

func fromListingModel(m models.Listing) auction.Listing {
	return auction.Listing{
		ID:               m.ID,
		SellerID:         m.SellerID,
		StartingPrice:    m.StartingPrice,
		CurrentPrice:     m.CurrentPrice,
		ReservePrice:     m.ReservePrice,
		BuyNowPrice:      m.BuyNowPrice,
		MinIncrement:     m.MinIncrement,
		Deadline:         m.Deadline.UTC(),
		Status:           auction.Status(m.Status),
		ReserveMet:       m.ReserveMet,
		LeadingBidderID:  m.LeadingBidderID,
		BidCount:         m.BidCount,
		WinnerID:         lo.FromPtr(m.WinnerID),
		SettledAt:        utcPtr(m.SettledAt),
		SettlementMethod: auction.SettlementMethod(m.SettlementMethod),
		FinalPrice:       m.FinalPrice,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

func toBidModel(b auction.Bid) models.Bid {
	return models.Bid{
		ID:        b.ID,
		ListingID: b.ListingID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		PlacedAt:  b.PlacedAt.UTC(),
		Sequence:  b.Sequence,
	}
}

func fromBidModel(m models.Bid) auction.Bid {
	return auction.Bid{
		ID:        m.ID,
		ListingID: m.ListingID,
		BidderID:  m.BidderID,
		Amount:    m.Amount,
		PlacedAt:  m.PlacedAt.UTC(),
		Sequence:  m.Sequence,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return lo.ToPtr(t.UTC())
}
