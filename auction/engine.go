package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type engineOptions struct {
	logger     *slog.Logger
	clock      func() time.Time
	publishers []Publisher
	newID      func() (uuid.UUID, error)
}

type EngineOption func(*engineOptions)

// WithEngineLogger 設置日誌記錄器
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithEngineClock 設置提交時使用的時鐘 (主要用於測試)
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.clock = clock
	}
}

// WithEnginePublisher 加入一個事件發布者，可以重複設置
func WithEnginePublisher(p Publisher) EngineOption {
	return func(o *engineOptions) {
		o.publishers = append(o.publishers, p)
	}
}

// WithEngineIDGenerator 設置出價與商品 ID 的產生方式
func WithEngineIDGenerator(fn func() (uuid.UUID, error)) EngineOption {
	return func(o *engineOptions) {
		o.newID = fn
	}
}

// Engine 負責出價的驗證與提交、結標流程以及出價狀態的查詢
// 所有會修改拍賣商品的操作都經過 transition，以版本號做 compare-and-swap，
// 衝突時直接回傳 ErrVersionMismatch，不會在內部重試
type Engine struct {
	store      Store
	logger     *slog.Logger
	clock      func() time.Time
	publishers []Publisher
	newID      func() (uuid.UUID, error)
}

func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	// 默認選項
	options := engineOptions{
		logger: slog.Default(),
		clock:  time.Now,
		newID:  uuid.NewV7,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		store:      store,
		logger:     options.logger.With(slog.String("caller", "Engine")),
		clock:      options.clock,
		publishers: options.publishers,
		newID:      options.newID,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// decision 是 transition 在目前快照上計算出的下一個狀態
type decision struct {
	next Listing
	bid  *Bid
}

// transition 是所有寫入路徑共用的 claim-and-transition
//  1. 讀取最新提交的快照
//  2. 以提交當下的時間呼叫 decide 計算下一個狀態
//  3. 以快照的版本做 compare-and-swap 提交，並在同一個原子操作中檢查截止時間
//  4. 提交成功後發布事件
func (e *Engine) transition(ctx context.Context, op string, id uuid.UUID, decide func(current Listing, now time.Time) (decision, error)) (Listing, *Bid, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return Listing{}, nil, fmt.Errorf("[%s] %w", op, err)
	}
	now := e.now()
	d, err := decide(current, now)
	if err != nil {
		return current, nil, err
	}
	d.next.Version = current.Version + 1
	d.next.UpdatedAt = now
	m := Mutation{Expected: current.Version, Listing: d.next, Bid: d.bid}
	// 除了截止結標以外的寫入都必須在截止前提交，由儲存層在提交的原子操作中再檢查一次
	if d.next.SettlementMethod != MethodAuctionClose {
		m.Before = e.now()
	}
	if err := e.store.Commit(ctx, m); err != nil {
		return current, nil, fmt.Errorf("[%s] %w", op, err)
	}

	if d.bid != nil {
		e.publish(bidAccepted(current, d.next, *d.bid))
	} else {
		e.publish(listingSettled(d.next))
	}
	return d.next, d.bid, nil
}

func (e *Engine) publish(event Event) {
	for _, p := range e.publishers {
		if err := p.Publish(event.Channel(), event); err != nil {
			e.logger.Warn("Fail to publish event",
				slog.String("listingID", event.ListingID.String()),
				slog.String("type", string(event.Type)),
				slog.Uint64("version", event.Version),
				slog.Any("error", err))
		}
	}
}

// OpenListing 建立一個新的 OPEN 拍賣商品
func (e *Engine) OpenListing(ctx context.Context, req NewListing) (Listing, error) {
	const op = "OpenListing"
	now := e.now()
	switch {
	case req.SellerID == "":
		return Listing{}, reject(op, ErrValidation, "seller is required")
	case req.StartingPrice < 0:
		return Listing{}, reject(op, ErrValidation, "starting price must not be negative")
	case req.MinIncrement < 0:
		return Listing{}, reject(op, ErrValidation, "minimum increment must not be negative")
	case req.ReservePrice != nil && *req.ReservePrice < req.StartingPrice:
		return Listing{}, reject(op, ErrValidation, "reserve price must not be lower than starting price")
	case req.BuyNowPrice != nil && *req.BuyNowPrice <= req.StartingPrice:
		return Listing{}, reject(op, ErrValidation, "buy-now price must exceed starting price")
	case !req.Deadline.After(now):
		return Listing{}, reject(op, ErrValidation, "deadline must be in the future")
	}
	id, err := e.newID()
	if err != nil {
		return Listing{}, fmt.Errorf("[%s] Fail to generate listing id, err=%w", op, err)
	}
	listing := Listing{
		ID:               id,
		SellerID:         req.SellerID,
		StartingPrice:    req.StartingPrice,
		CurrentPrice:     req.StartingPrice,
		ReservePrice:     req.ReservePrice,
		BuyNowPrice:      req.BuyNowPrice,
		MinIncrement:     req.MinIncrement,
		Deadline:         req.Deadline.UTC(),
		Status:           StatusOpen,
		SettlementMethod: MethodNone,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.Create(ctx, listing); err != nil {
		return Listing{}, fmt.Errorf("[%s] %w", op, err)
	}
	e.logger.Info("Listing opened", slog.String("listingID", id.String()), slog.String("seller", req.SellerID))
	return listing, nil
}

// PlaceBid 驗證並提交一筆出價
// 所有前置條件都在提交當下對同一個快照檢查，並以該快照的版本提交
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (BidReceipt, error) {
	const op = "PlaceBid"
	switch {
	case req.ListingID == uuid.Nil:
		return BidReceipt{}, reject(op, ErrValidation, "listing id is required")
	case req.BidderID == "":
		return BidReceipt{}, reject(op, ErrValidation, "bidder is required")
	case req.Amount <= 0:
		return BidReceipt{}, reject(op, ErrValidation, "amount must be positive")
	}
	bidID, err := e.newID()
	if err != nil {
		return BidReceipt{}, fmt.Errorf("[%s] Fail to generate bid id, err=%w", op, err)
	}

	listing, bid, err := e.transition(ctx, op, req.ListingID, func(current Listing, now time.Time) (decision, error) {
		if err := checkOpen(op, current, req.RequestTime, now); err != nil {
			return decision{}, err
		}
		if req.BidderID == current.SellerID {
			return decision{}, reject(op, ErrForbidden, "seller cannot bid on own listing")
		}
		if minimum := current.MinimumNextBid(); req.Amount < minimum {
			return decision{}, reject(op, ErrBelowMinimum, "amount %d is below the minimum %d", req.Amount, minimum)
		}
		next := current
		next.CurrentPrice = req.Amount
		next.LeadingBidderID = req.BidderID
		next.BidCount = current.BidCount + 1
		next.ReserveMet = current.ReservePrice == nil || req.Amount >= *current.ReservePrice
		return decision{
			next: next,
			bid: &Bid{
				ID:        bidID,
				ListingID: current.ID,
				BidderID:  req.BidderID,
				Amount:    req.Amount,
				PlacedAt:  now,
				Sequence:  next.BidCount,
			},
		}, nil
	})
	if err != nil {
		e.expireLazily(ctx, err, req.ListingID)
		return BidReceipt{}, err
	}
	e.logger.Debug("Bid accepted",
		slog.String("listingID", listing.ID.String()),
		slog.String("bidder", bid.BidderID),
		slog.Int64("amount", bid.Amount),
		slog.Int64("sequence", bid.Sequence))
	return BidReceipt{Bid: *bid, Listing: listing}, nil
}

// BuyNow 以直購價直接結標
func (e *Engine) BuyNow(ctx context.Context, listingID uuid.UUID, bidderID string, requestTime time.Time) (Listing, error) {
	const op = "BuyNow"
	if bidderID == "" {
		return Listing{}, reject(op, ErrValidation, "bidder is required")
	}
	listing, _, err := e.transition(ctx, op, listingID, func(current Listing, now time.Time) (decision, error) {
		if err := checkOpen(op, current, requestTime, now); err != nil {
			return decision{}, err
		}
		if current.BuyNowPrice == nil {
			return decision{}, reject(op, ErrStateConflict, "listing has no buy-now price")
		}
		if bidderID == current.SellerID {
			return decision{}, reject(op, ErrForbidden, "seller cannot buy own listing")
		}
		// 直購不寫入出價紀錄，currentPrice 維持最高出價，成交價記錄在 finalPrice
		return decision{next: settle(current, now, MethodBuyNow, bidderID, *current.BuyNowPrice)}, nil
	})
	if err != nil {
		e.expireLazily(ctx, err, listingID)
		return Listing{}, err
	}
	e.logger.Info("Listing sold by buy-now", slog.String("listingID", listing.ID.String()), slog.String("winner", bidderID))
	return listing, nil
}

// SellerOverride 讓賣家以目前最高出價提前結標
func (e *Engine) SellerOverride(ctx context.Context, listingID uuid.UUID, callerID string) (Listing, error) {
	const op = "SellerOverride"
	listing, _, err := e.transition(ctx, op, listingID, func(current Listing, now time.Time) (decision, error) {
		if callerID != current.SellerID {
			return decision{}, reject(op, ErrForbidden, "only the seller can close the listing")
		}
		if err := checkOpen(op, current, time.Time{}, now); err != nil {
			return decision{}, err
		}
		if !current.HasBids() {
			return decision{}, reject(op, ErrStateConflict, "no bid to award")
		}
		return decision{next: settle(current, now, MethodSellerOverride, current.LeadingBidderID, current.CurrentPrice)}, nil
	})
	if err != nil {
		e.expireLazily(ctx, err, listingID)
		return Listing{}, err
	}
	e.logger.Info("Listing sold by seller override", slog.String("listingID", listing.ID.String()), slog.String("winner", listing.WinnerID))
	return listing, nil
}

// CloseAtDeadline 在截止時間後結標
//   - 有出價且底價已達到 (或沒有底價) 時成交給最高出價者
//   - 否則流標，不指定得標者
func (e *Engine) CloseAtDeadline(ctx context.Context, listingID uuid.UUID) (Listing, error) {
	const op = "CloseAtDeadline"
	listing, _, err := e.transition(ctx, op, listingID, func(current Listing, now time.Time) (decision, error) {
		if current.Status.Terminal() {
			return decision{}, reject(op, ErrStateConflict, "listing is already %s", current.Status)
		}
		if !current.Expired(now) {
			return decision{}, reject(op, ErrStateConflict, "deadline not reached")
		}
		if current.HasBids() && current.ReserveMet {
			return decision{next: settle(current, now, MethodAuctionClose, current.LeadingBidderID, current.CurrentPrice)}, nil
		}
		next := current
		next.Status = StatusExpired
		next.SettlementMethod = MethodAuctionClose
		next.ReserveMet = false
		return decision{next: next}, nil
	})
	if err != nil {
		return Listing{}, err
	}
	e.logger.Info("Listing closed at deadline",
		slog.String("listingID", listing.ID.String()),
		slog.String("status", string(listing.Status)),
		slog.String("winner", listing.WinnerID))
	return listing, nil
}

// Sweep 結標所有已超過截止時間的拍賣商品，回傳成功結標的數量
// 與其他寫入發生衝突的商品會被略過，等待下一輪掃描
func (e *Engine) Sweep(ctx context.Context, limit int) (int, error) {
	const op = "Sweep"
	ids, err := e.store.Due(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to list due listings, err=%w", op, err)
	}
	settled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if _, err := e.CloseAtDeadline(ctx, id); err != nil {
			if errors.Is(err, ErrStateConflict) {
				e.logger.Debug("Skip listing", slog.String("listingID", id.String()), slog.Any("error", err))
				continue
			}
			return settled, fmt.Errorf("[%s] Fail to close listing %s, err=%w", op, id, err)
		}
		settled++
	}
	return settled, nil
}

// Snapshot 回傳拍賣商品的完整狀態，已過期但尚未結標的商品會先結標
func (e *Engine) Snapshot(ctx context.Context, listingID uuid.UUID) (State, error) {
	const op = "Snapshot"
	listing, err := e.store.Get(ctx, listingID)
	if err != nil {
		return State{}, fmt.Errorf("[%s] %w", op, err)
	}
	if listing.Status == StatusOpen && listing.Expired(e.now()) {
		if closed, err := e.CloseAtDeadline(ctx, listingID); err == nil {
			listing = closed
		} else if listing, err = e.store.Get(ctx, listingID); err != nil {
			return State{}, fmt.Errorf("[%s] %w", op, err)
		}
	}
	bids, err := e.store.Bids(ctx, listingID)
	if err != nil {
		return State{}, fmt.Errorf("[%s] Fail to list bids, err=%w", op, err)
	}
	return State{Listing: listing, Bids: bids}, nil
}

// Bids 依序號回傳拍賣商品的出價紀錄
func (e *Engine) Bids(ctx context.Context, listingID uuid.UUID) ([]Bid, error) {
	const op = "Bids"
	if _, err := e.store.Get(ctx, listingID); err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	bids, err := e.store.Bids(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	return bids, nil
}

// Bid 以 ID 讀取單筆出價
func (e *Engine) Bid(ctx context.Context, bidID uuid.UUID) (Bid, error) {
	const op = "Bid"
	bid, err := e.store.Bid(ctx, bidID)
	if err != nil {
		return Bid{}, fmt.Errorf("[%s] %w", op, err)
	}
	return bid, nil
}

// expireLazily 在寫入因截止時間被拒絕時順便結標，失敗的話交給掃描處理
func (e *Engine) expireLazily(ctx context.Context, cause error, listingID uuid.UUID) {
	if !errors.Is(cause, ErrDeadlinePassed) {
		return
	}
	if _, err := e.CloseAtDeadline(ctx, listingID); err != nil {
		e.logger.Debug("Lazy expiry skipped", slog.String("listingID", listingID.String()), slog.Any("error", err))
	}
}

// checkOpen 檢查拍賣商品在提交當下仍可被修改
func checkOpen(op string, current Listing, requestTime, now time.Time) error {
	if current.Status.Terminal() {
		return reject(op, ErrStateConflict, "listing is already %s", current.Status)
	}
	if current.Expired(now) || (!requestTime.IsZero() && current.Expired(requestTime)) {
		return reject(op, ErrDeadlinePassed, "deadline was %s", current.Deadline.Format(time.RFC3339))
	}
	return nil
}

// settle 將拍賣商品轉為成交
func settle(current Listing, now time.Time, method SettlementMethod, winnerID string, price int64) Listing {
	next := current
	next.Status = StatusSold
	next.SettlementMethod = method
	next.WinnerID = winnerID
	next.SettledAt = &now
	next.FinalPrice = &price
	return next
}
