package auction

import (
	"time"

	"github.com/google/uuid"
)

// EventType 是廣播事件的種類
type EventType string

const (
	EventBidAccepted    EventType = "bidAccepted"
	EventListingSettled EventType = "listingSettled"
)

// Event 是每次成功提交後在拍賣商品頻道上發布的事件
// Version 與提交後的 Listing.Version 相同，訂閱者可以依此判斷事件順序
type Event struct {
	Type         EventType        `json:"type" msgpack:"type"`
	ListingID    uuid.UUID        `json:"listingId" msgpack:"listingId"`
	Version      uint64           `json:"version" msgpack:"version"`
	Bid          *Bid             `json:"bid,omitempty" msgpack:"bid,omitempty"`
	OutbidID     string           `json:"outbidId,omitempty" msgpack:"outbidId,omitempty"` // 被這筆出價超越的前一位領先者
	CurrentPrice int64            `json:"currentPrice" msgpack:"currentPrice"`
	Status       Status           `json:"status" msgpack:"status"`
	Method       SettlementMethod `json:"method,omitempty" msgpack:"method,omitempty"`
	WinnerID     string           `json:"winnerId,omitempty" msgpack:"winnerId,omitempty"`
	FinalPrice   int64            `json:"finalPrice,omitempty" msgpack:"finalPrice,omitempty"`
	OccurredAt   time.Time        `json:"occurredAt" msgpack:"occurredAt"`
}

// Channel 回傳事件所屬的頻道名稱
func (e Event) Channel() string {
	return e.ListingID.String()
}

// Sequence 回傳事件在頻道內的順序
func (e Event) Sequence() uint64 {
	return e.Version
}

func bidAccepted(previous, listing Listing, bid Bid) Event {
	event := Event{
		Type:         EventBidAccepted,
		ListingID:    listing.ID,
		Version:      listing.Version,
		Bid:          &bid,
		CurrentPrice: listing.CurrentPrice,
		Status:       listing.Status,
		OccurredAt:   bid.PlacedAt,
	}
	if previous.LeadingBidderID != bid.BidderID {
		event.OutbidID = previous.LeadingBidderID
	}
	return event
}

func listingSettled(listing Listing) Event {
	event := Event{
		Type:         EventListingSettled,
		ListingID:    listing.ID,
		Version:      listing.Version,
		CurrentPrice: listing.CurrentPrice,
		Status:       listing.Status,
		Method:       listing.SettlementMethod,
		WinnerID:     listing.WinnerID,
		OccurredAt:   listing.UpdatedAt,
	}
	if listing.FinalPrice != nil {
		event.FinalPrice = *listing.FinalPrice
	}
	return event
}
