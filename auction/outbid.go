package auction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// IsOutbid 回傳觀看者是否曾經出價但目前不是最高出價者
// 每次都直接從 Registry 與 Ledger 計算，不使用任何快取
//
// 出價紀錄只會附加，所以先確認觀看者出價過，再讀取商品的快照；
// 狀態與最高出價者都取自同一個快照，兩者在同一次 compare-and-swap 中提交
func (e *Engine) IsOutbid(ctx context.Context, listingID uuid.UUID, viewerID string) (bool, error) {
	const op = "IsOutbid"
	if viewerID == "" {
		return false, reject(op, ErrValidation, "viewer is required")
	}
	participated, err := e.store.HasBid(ctx, listingID, viewerID)
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to check bidder, err=%w", op, err)
	}
	listing, err := e.store.Get(ctx, listingID)
	if err != nil {
		return false, fmt.Errorf("[%s] %w", op, err)
	}
	if !participated || listing.Status != StatusOpen {
		return false, nil
	}
	return listing.LeadingBidderID != "" && listing.LeadingBidderID != viewerID, nil
}
