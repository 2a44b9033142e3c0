package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gavel/auction"
)

// Store 以 Redis 實作 auction.Store
// 拍賣商品存放在 hash 中，出價以 list 依序附加，所有寫入都透過 Lua 腳本原子地完成
//
// 鍵值:
//   - {prefix}listing:{id}          拍賣商品 (version, status, data)
//   - {prefix}listing:{id}:bids     出價紀錄，依序號排列
//   - {prefix}listing:{id}:bidders  出價者集合
//   - {prefix}bids                  出價 ID 到出價資料的索引
//   - {prefix}listings:deadline     OPEN 商品依截止時間排序的 sorted set
type Store struct {
	client  *redis.Client // Redis 客戶端連線
	options StoreOptions  // Store 的配置選項
}

// StoreOptions 定義了 Store 的配置選項
type StoreOptions struct {
	Prefix string
}

type StoreOption func(*StoreOptions)

// WithStorePrefix 設定 Store 的 key 前綴
func WithStorePrefix(prefix string) StoreOption {
	return func(o *StoreOptions) {
		o.Prefix = prefix
	}
}

// NewStore 建立一個新的 Store 實例
func NewStore(client *redis.Client, opts ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	options := &StoreOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return &Store{
		client:  client,
		options: *options,
	}, nil
}

func (s *Store) listingKey(id uuid.UUID) string {
	return fmt.Sprintf("%slisting:{%s}", s.options.Prefix, id)
}

func (s *Store) bidsKey(id uuid.UUID) string {
	return s.listingKey(id) + ":bids"
}

func (s *Store) biddersKey(id uuid.UUID) string {
	return s.listingKey(id) + ":bidders"
}

func (s *Store) bidIndexKey() string {
	return s.options.Prefix + "bids"
}

func (s *Store) deadlineKey() string {
	return s.options.Prefix + "listings:deadline"
}

// createScript 建立拍賣商品
//
//	KEYS[1] - 拍賣商品鍵
//	KEYS[2] - 截止時間的 sorted set
//	ARGV[1] - 拍賣商品 ID
//	ARGV[2] - 版本
//	ARGV[3] - 狀態
//	ARGV[4] - 拍賣商品資料
//	ARGV[5] - 截止時間 (unix 毫秒)
//
// 返回值:
//
//	1 - 建立成功
//	0 - 拍賣商品已存在
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'status', ARGV[3], 'data', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return 1
`)

// commitScript 以版本號做 compare-and-swap 更新拍賣商品，並附加出價
//
//	KEYS[1] - 拍賣商品鍵
//	KEYS[2] - 出價紀錄 list
//	KEYS[3] - 出價者 set
//	KEYS[4] - 出價索引 hash
//	KEYS[5] - 截止時間的 sorted set
//	ARGV[1] - 拍賣商品 ID
//	ARGV[2] - 預期的目前版本
//	ARGV[3] - 新的版本
//	ARGV[4] - 新的狀態
//	ARGV[5] - 新的拍賣商品資料
//	ARGV[6] - 出價 ID，沒有出價時為空字串
//	ARGV[7] - 出價者 ID
//	ARGV[8] - 出價資料
//	ARGV[9] - 提交時間 (Unix 毫秒)，不需要檢查截止時間時為空字串
//
// 返回值:
//
//	1  - 提交成功
//	0  - 版本不符
//	-1 - 拍賣商品不存在
//	-2 - 已超過截止時間
//
// 流程:
//   - 1. 檢查商品是否存在
//   - 2. 檢查版本是否與預期相同
//   - 3. 需要時檢查截止時間晚於提交時間，OPEN 的商品截止時間記錄在 sorted set 中
//   - 4. 寫入新的商品資料
//   - 5. 如果有出價，附加到出價紀錄並更新索引
//   - 6. 如果商品已結標，從截止時間的 sorted set 移除
var commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[2] then
    return 0
end
if ARGV[9] ~= '' then
    local deadline = redis.call('ZSCORE', KEYS[5], ARGV[1])
    if not deadline or tonumber(deadline) <= tonumber(ARGV[9]) then
        return -2
    end
end
redis.call('HSET', KEYS[1], 'version', ARGV[3], 'status', ARGV[4], 'data', ARGV[5])
if ARGV[6] ~= '' then
    redis.call('RPUSH', KEYS[2], ARGV[8])
    redis.call('SADD', KEYS[3], ARGV[7])
    redis.call('HSET', KEYS[4], ARGV[6], ARGV[8])
end
if ARGV[4] ~= 'OPEN' then
    redis.call('ZREM', KEYS[5], ARGV[1])
end
return 1
`)

func (s *Store) Create(ctx context.Context, listing auction.Listing) error {
	const op = "redis.Store.Create"
	payload, err := encodePayload(listing)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	status, err := createScript.Run(ctx, s.client,
		[]string{s.listingKey(listing.ID), s.deadlineKey()},
		listing.ID.String(),
		strconv.FormatUint(listing.Version, 10),
		string(listing.Status),
		payload,
		listing.Deadline.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%s: failed to execute create script: %w", op, err)
	}
	if status == 0 {
		return fmt.Errorf("%s: %w: listing %s already exists", op, auction.ErrStateConflict, listing.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (auction.Listing, error) {
	const op = "redis.Store.Get"
	payload, err := s.client.HGet(ctx, s.listingKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return auction.Listing{}, fmt.Errorf("%s: %w: listing %s", op, auction.ErrNotFound, id)
	}
	if err != nil {
		return auction.Listing{}, fmt.Errorf("%s: failed to get listing: %w", op, err)
	}
	var listing auction.Listing
	if err := decodePayload(payload, &listing); err != nil {
		return auction.Listing{}, fmt.Errorf("%s: %w", op, err)
	}
	return normalizeListing(listing), nil
}

func (s *Store) Commit(ctx context.Context, m auction.Mutation) error {
	const op = "redis.Store.Commit"
	next := m.Listing
	payload, err := encodePayload(next)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var bidID, bidderID, bidPayload, before string
	if !m.Before.IsZero() {
		before = strconv.FormatInt(m.Before.UnixMilli(), 10)
	}
	if m.Bid != nil {
		bidID, bidderID = m.Bid.ID.String(), m.Bid.BidderID
		if bidPayload, err = encodePayload(*m.Bid); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	status, err := commitScript.Run(ctx, s.client,
		[]string{s.listingKey(next.ID), s.bidsKey(next.ID), s.biddersKey(next.ID), s.bidIndexKey(), s.deadlineKey()},
		next.ID.String(),
		strconv.FormatUint(m.Expected, 10),
		strconv.FormatUint(next.Version, 10),
		string(next.Status),
		payload,
		bidID,
		bidderID,
		bidPayload,
		before,
	).Int()
	if err != nil {
		return fmt.Errorf("%s: failed to execute commit script: %w", op, err)
	}
	switch status {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%s: %w", op, auction.ErrVersionMismatch)
	case -1:
		return fmt.Errorf("%s: %w: listing %s", op, auction.ErrNotFound, next.ID)
	case -2:
		return fmt.Errorf("%s: %w: deadline was %s", op, auction.ErrDeadlinePassed, next.Deadline.UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("%s: invalid script return value: %d", op, status)
	}
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const op = "redis.Store.Due"
	members, err := s.client.ZRangeByScore(ctx, s.deadlineKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to range deadlines: %w", op, err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid listing id %q: %w", op, member, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Bids(ctx context.Context, listingID uuid.UUID) ([]auction.Bid, error) {
	const op = "redis.Store.Bids"
	payloads, err := s.client.LRange(ctx, s.bidsKey(listingID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to range bids: %w", op, err)
	}
	bids := make([]auction.Bid, len(payloads))
	for i, payload := range payloads {
		if err := decodePayload(payload, &bids[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		bids[i].PlacedAt = bids[i].PlacedAt.UTC()
	}
	return bids, nil
}

func (s *Store) HasBid(ctx context.Context, listingID uuid.UUID, bidderID string) (bool, error) {
	const op = "redis.Store.HasBid"
	ok, err := s.client.SIsMember(ctx, s.biddersKey(listingID), bidderID).Result()
	if err != nil {
		return false, fmt.Errorf("%s: failed to check bidder: %w", op, err)
	}
	return ok, nil
}

func (s *Store) Bid(ctx context.Context, id uuid.UUID) (auction.Bid, error) {
	const op = "redis.Store.Bid"
	payload, err := s.client.HGet(ctx, s.bidIndexKey(), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return auction.Bid{}, fmt.Errorf("%s: %w: bid %s", op, auction.ErrNotFound, id)
	}
	if err != nil {
		return auction.Bid{}, fmt.Errorf("%s: failed to get bid: %w", op, err)
	}
	var bid auction.Bid
	if err := decodePayload(payload, &bid); err != nil {
		return auction.Bid{}, fmt.Errorf("%s: %w", op, err)
	}
	bid.PlacedAt = bid.PlacedAt.UTC()
	return bid, nil
}

// normalizeListing 將 msgpack 還原的時間轉回 UTC
func normalizeListing(l auction.Listing) auction.Listing {
	l.Deadline = l.Deadline.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	if l.SettledAt != nil {
		settledAt := l.SettledAt.UTC()
		l.SettledAt = &settledAt
	}
	return l
}
