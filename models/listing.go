package models

import (
	"time"

	"github.com/google/uuid"
)

// Listing 代表一個限時競標的拍賣商品
// 包含價格、截止時間、結標資訊以及做為樂觀鎖的版本號
type Listing struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey;<-:create"`
	SellerID         string     `gorm:"type:varchar(255);not null;<-:create"`
	StartingPrice    int64      `gorm:"type:bigint;not null;<-:create"`
	CurrentPrice     int64      `gorm:"type:bigint;not null"`
	ReservePrice     *int64     `gorm:"type:bigint;<-:create"`
	BuyNowPrice      *int64     `gorm:"type:bigint;<-:create"`
	MinIncrement     int64      `gorm:"type:bigint;not null;<-:create"`
	Deadline         time.Time  `gorm:"not null;index:idx_listing_status_deadline,priority:2;<-:create"`
	Status           string     `gorm:"type:varchar(16);not null;index:idx_listing_status_deadline,priority:1"`
	ReserveMet       bool       `gorm:"not null;default:false"`
	LeadingBidderID  string     `gorm:"type:varchar(255);not null;default:''"`
	BidCount         int64      `gorm:"type:bigint;not null;default:0"`
	WinnerID         *string    `gorm:"type:varchar(255)"`
	SettledAt        *time.Time
	SettlementMethod string     `gorm:"type:varchar(32);not null"`
	FinalPrice       *int64     `gorm:"type:bigint"`
	Version          uint64     `gorm:"type:bigint;not null"`
	CreatedAt        time.Time  `gorm:"not null;<-:create"`
	UpdatedAt        time.Time  `gorm:"not null"`

	// 外鍵關聯
	BidRecords []Bid `gorm:"foreignKey:ListingID"`
}
