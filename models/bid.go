package models

import (
	"time"

	"github.com/google/uuid"
)

// Bid 代表拍賣商品的出價紀錄
// 每筆出價在同一個商品內有唯一且遞增的序號，寫入後不再更新
type Bid struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	ListingID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bid_listing_id_sequence,priority:1;index:idx_bid_listing_id_bidder_id,priority:1;<-:create"`
	BidderID  string    `gorm:"type:varchar(255);not null;index:idx_bid_listing_id_bidder_id,priority:2;<-:create"`
	Amount    int64     `gorm:"type:bigint;not null;<-:create"`
	PlacedAt  time.Time `gorm:"not null;<-:create"`
	Sequence  int64     `gorm:"type:bigint;not null;uniqueIndex:idx_bid_listing_id_sequence,priority:2;<-:create"`

	// 外鍵關聯
	Listing *Listing `gorm:"foreignKey:ListingID"`
}
