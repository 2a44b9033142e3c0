package auction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type sweeperOptions struct {
	logger   *slog.Logger
	interval time.Duration
	batch    int
	locker   Locker
}

type SweeperOption func(*sweeperOptions)

// WithSweeperLogger 設置日誌記錄器
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(o *sweeperOptions) {
		o.logger = logger
	}
}

// WithSweeperInterval 設置掃描間隔
func WithSweeperInterval(d time.Duration) SweeperOption {
	return func(o *sweeperOptions) {
		o.interval = d
	}
}

// WithSweeperBatch 設置每一輪最多結標的數量
func WithSweeperBatch(n int) SweeperOption {
	return func(o *sweeperOptions) {
		o.batch = n
	}
}

// WithSweeperLocker 設置分散式鎖，持有鎖的節點才會執行掃描
func WithSweeperLocker(locker Locker) SweeperOption {
	return func(o *sweeperOptions) {
		o.locker = locker
	}
}

// Sweeper 定期結標已超過截止時間的拍賣商品
type Sweeper struct {
	engine     *Engine
	logger     *slog.Logger
	options    sweeperOptions
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

func NewSweeper(engine *Engine, opts ...SweeperOption) (*Sweeper, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	// 默認選項
	options := sweeperOptions{
		logger:   slog.Default(),
		interval: time.Second,
		batch:    100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	return &Sweeper{
		engine:  engine,
		logger:  options.logger.With(slog.String("caller", "Sweeper")),
		options: options,
	}, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.running = true
	s.logger.Info("Start expiry sweeper", slog.Duration("interval", s.options.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("Expiry sweeper stopped")
		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// runOnce 執行一輪掃描，有設置鎖時會先取得鎖，一個間隔內拿不到就跳過這一輪
// 每一輪的工作時間也限制在一個間隔內
func (s *Sweeper) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.options.interval)
	defer cancel()
	workload := ctx
	if s.options.locker != nil {
		lockCtx, err := s.options.locker.Lock(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Debug("Sweeper lock not acquired", slog.Any("error", err))
			}
			return
		}
		defer func() {
			if _, err := s.options.locker.Unlock(); err != nil {
				s.logger.Warn("Fail to release sweeper lock", slog.Any("error", err))
			}
		}()
		workload = lockCtx
	}

	settled, err := s.engine.Sweep(workload, s.options.batch)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("Fail to sweep expired listings", slog.Any("error", err))
	}
	if settled > 0 {
		s.logger.Info("Expired listings settled", slog.Int("count", settled))
	}
}

func (s *Sweeper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancelFunc()
	s.wg.Wait()
}
