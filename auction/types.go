package auction

import (
	"time"

	"github.com/google/uuid"
)

// Status 表示拍賣商品目前所處的狀態
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusSold    Status = "SOLD"
	StatusExpired Status = "EXPIRED"
)

// Terminal 回傳狀態是否為終止狀態 (SOLD 或 EXPIRED)
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusExpired
}

// SettlementMethod 表示拍賣商品結標的方式
type SettlementMethod string

const (
	MethodNone           SettlementMethod = "NONE"
	MethodAuctionClose   SettlementMethod = "AUCTION_CLOSE"
	MethodBuyNow         SettlementMethod = "BUY_NOW"
	MethodSellerOverride SettlementMethod = "SELLER_OVERRIDE"
)

// Listing 代表一個限時競標的拍賣商品目前的價格與狀態
// Version 在每次成功提交後加一，作為 compare-and-swap 的依據
type Listing struct {
	ID               uuid.UUID        `json:"id"`
	SellerID         string           `json:"sellerId"`
	StartingPrice    int64            `json:"startingPrice"`
	CurrentPrice     int64            `json:"currentPrice"`
	ReservePrice     *int64           `json:"reservePrice,omitempty"`
	BuyNowPrice      *int64           `json:"buyNowPrice,omitempty"`
	MinIncrement     int64            `json:"minIncrement"`
	Deadline         time.Time        `json:"deadline"`
	Status           Status           `json:"status"`
	ReserveMet       bool             `json:"reserveMet"`
	LeadingBidderID  string           `json:"leadingBidderId,omitempty"`
	BidCount         int64            `json:"bidCount"`
	WinnerID         string           `json:"winnerId,omitempty"`
	SettledAt        *time.Time       `json:"settledAt,omitempty"`
	SettlementMethod SettlementMethod `json:"settlementMethod"`
	FinalPrice       *int64           `json:"finalPrice,omitempty"`
	Version          uint64           `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// HasBids 回傳是否已經有出價紀錄
func (l Listing) HasBids() bool {
	return l.BidCount > 0
}

// MinimumNextBid 回傳下一筆出價可被接受的最低金額
func (l Listing) MinimumNextBid() int64 {
	return l.CurrentPrice + l.MinIncrement + 1
}

// Expired 回傳在 now 時刻拍賣是否已經超過截止時間
func (l Listing) Expired(now time.Time) bool {
	return !now.Before(l.Deadline)
}

// Bid 代表一筆已提交的出價，提交後不可變更
type Bid struct {
	ID        uuid.UUID `json:"id"`
	ListingID uuid.UUID `json:"listingId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placedAt"`
	Sequence  int64     `json:"sequence"`
}

// NewListing 是建立拍賣商品所需的資料，由外部的商品服務提供
type NewListing struct {
	SellerID      string
	StartingPrice int64
	ReservePrice  *int64
	BuyNowPrice   *int64
	MinIncrement  int64
	Deadline      time.Time
}

// PlaceBidRequest 是出價請求
type PlaceBidRequest struct {
	ListingID   uuid.UUID
	BidderID    string
	Amount      int64
	RequestTime time.Time
}

// BidReceipt 是出價成功後回傳給出價者的結果
type BidReceipt struct {
	Bid     Bid     `json:"bid"`
	Listing Listing `json:"listing"`
}

// State 是拍賣商品的完整狀態，供斷線重連的客戶端重新同步
type State struct {
	Listing Listing `json:"listing"`
	Bids    []Bid   `json:"bids"`
}

// Mutation 是一次版本保護的提交
// 只有在儲存層中的版本等於 Expected 時才會寫入 Listing，並在同一個原子操作中附加 Bid
type Mutation struct {
	Expected uint64
	Listing  Listing
	Bid      *Bid
	// Before 不為零時，儲存層只在拍賣截止時間晚於 Before 時提交，否則回傳 ErrDeadlinePassed
	Before time.Time
}
