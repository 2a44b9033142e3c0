package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// AutoRenewMutex 是帶自動續期的分散式鎖
// 持有期間會定期延長過期時間，續期失敗時 Lock 返回的 context 會被取消
type AutoRenewMutex struct {
	mutex    *redsync.Mutex
	logger   *slog.Logger
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	logger        *slog.Logger
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexLogger 設置日誌記錄器
func WithAutoRenewMutexLogger(logger *slog.Logger) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.logger = logger
	}
}

// WithAutoRenewMutexRenewInterval 設置自動續期間隔
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置重試延遲
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexSkipLockError 設置是否忽略 redis 通訊錯誤並持續重試
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// NewAutoRenewMutex 創建一個帶自動續期功能的互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	// 默認選項
	options := autoRenewMutexOptions{
		logger:        slog.Default(),
		expiry:        8 * time.Second,
		retryDelay:    500 * time.Millisecond,
		renewInterval: 0, // 會在下面根據expiry計算
		skipLockError: false,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	// 如果未設置續期間隔，使用過期時間的1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))

	return &AutoRenewMutex{
		mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(options.expiry),
			redsync.WithTries(1),
			redsync.WithRetryDelay(options.retryDelay),
		),
		logger:  options.logger.With(slog.String("caller", "AutoRenewMutex"), slog.String("key", key)),
		options: options,
	}
}

// Lock 獲取鎖並啟動自動續期，支持通過context取消
// 鎖被其他持有者佔用時會等待 retryDelay 後重試，直到 ctx 結束
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			err := m.mutex.LockContext(ctx)
			if err == nil {
				return m.startAutoRenew(ctx), nil
			}
			var commErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &commErr) {
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			timer.Reset(m.options.retryDelay)
		}
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()
	ok, err := m.mutex.Unlock()
	if errors.Is(err, redsync.ErrLockAlreadyExpired) {
		// 鎖已經過期，對呼叫者而言等同釋放
		return false, nil
	}
	return ok, err
}

// Valid 檢查鎖是否仍然有效
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.mutex.Until())
}

func (m *AutoRenewMutex) startAutoRenew(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockCtx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.renewing = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-lockCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.mutex.ExtendContext(lockCtx)
				if err != nil || !ok {
					if lockCtx.Err() == nil {
						m.logger.Warn("lock lost while renewing", slog.Any("error", err))
					}
					m.stopAutoRenew()
					return
				}
			}
		}
	}()

	return lockCtx
}

func (m *AutoRenewMutex) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}

	m.renewing = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
