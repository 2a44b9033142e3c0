package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Registry 是拍賣商品目前狀態的持久化紀錄
type Registry interface {
	// Create 建立新的拍賣商品，ID 已存在時回傳 ErrStateConflict
	Create(ctx context.Context, listing Listing) error
	// Get 讀取拍賣商品最新提交的快照，不存在時回傳 ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (Listing, error)
	// Commit 在版本等於 m.Expected 時原子地寫入 m.Listing 並附加 m.Bid
	// 版本不符時回傳 ErrVersionMismatch，不存在時回傳 ErrNotFound
	// m.Before 不為零且截止時間不晚於 m.Before 時回傳 ErrDeadlinePassed
	Commit(ctx context.Context, m Mutation) error
	// Due 回傳截止時間不晚於 now 且仍為 OPEN 的拍賣商品 ID
	Due(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Ledger 是每個拍賣商品只可附加的出價紀錄
type Ledger interface {
	// Bids 依序號遞增回傳拍賣商品的所有出價
	Bids(ctx context.Context, listingID uuid.UUID) ([]Bid, error)
	// HasBid 回傳出價者是否在拍賣商品上有任何出價
	HasBid(ctx context.Context, listingID uuid.UUID, bidderID string) (bool, error)
	// Bid 以 ID 讀取單筆出價，不存在時回傳 ErrNotFound
	Bid(ctx context.Context, id uuid.UUID) (Bid, error)
}

// Store 同時提供 Registry 與 Ledger，兩者的寫入必須在同一個原子操作中完成
type Store interface {
	Registry
	Ledger
}

// Publisher 接收提交後的事件，實作不應阻塞呼叫者
type Publisher interface {
	Publish(channel string, event Event) error
}

// Locker 是分散式鎖，用於讓多個節點中只有一個執行過期掃描
type Locker interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}
