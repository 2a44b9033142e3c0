// Package notify 將 Redis Stream 上已提交的拍賣事件轉送給通知服務。
// 同一個 consumer group 中每則事件只會由一個節點轉送一次，轉送失敗的事件會進入 dead-letter stream。
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	redisAdapter "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/auction"
)

// Sink 是事件的最終接收者，例如 NATS
type Sink interface {
	Notify(event auction.Event) error
}

type relayOptions struct {
	logger     *slog.Logger
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

type RelayOption func(*relayOptions)

// WithRelayLogger 設置日誌記錄器
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		o.logger = logger
	}
}

// WithRelayRetries 設置轉送失敗時的重試次數與間隔
func WithRelayRetries(retries int, delay time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.retries = retries
		o.retryDelay = delay
	}
}

// Relay 從 consumer group 讀取事件並交給 Sink
type Relay struct {
	consumer redisAdapter.IGroupConsumer[sse.PublishRequest[auction.Event]]
	sink     Sink
	logger   *slog.Logger
	options  relayOptions

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

func NewRelay(consumer redisAdapter.IGroupConsumer[sse.PublishRequest[auction.Event]], sink Sink, opts ...RelayOption) (*Relay, error) {
	if consumer == nil || sink == nil {
		return nil, errors.New("consumer and sink cannot be nil")
	}

	// 默認選項
	options := relayOptions{
		logger:     slog.Default(),
		retries:    3,
		retryDelay: 200 * time.Millisecond,
		timeout:    5 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Relay{
		consumer: consumer,
		sink:     sink,
		logger:   options.logger.With(slog.String("caller", "Relay")),
		options:  options,
	}, nil
}

// Start 啟動 consumer group 並開始轉送
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if err := r.consumer.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	messages := r.consumer.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range messages {
			r.handle(ctx, msg)
		}
	}()
	return nil
}

func (r *Relay) handle(ctx context.Context, msg *redisAdapter.Message[sse.PublishRequest[auction.Event]]) {
	event := msg.Data.Message
	logger := r.logger.With(
		slog.String("messageId", msg.ID),
		slog.String("listingID", event.ListingID.String()),
		slog.Uint64("version", event.Version))

	var err error
	for attempt := 0; attempt <= r.options.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				// 未確認的消息會留在 pending 中，由下一次啟動重新處理
				return
			case <-time.After(r.options.retryDelay):
			}
		}
		if err = r.sink.Notify(event); err == nil {
			break
		}
		logger.Warn("Fail to notify event", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), r.options.timeout)
	defer cancel()
	if err != nil {
		if failErr := msg.Fail(ackCtx, err); failErr != nil {
			logger.Error("Fail to move event to dead letter", slog.Any("error", failErr))
		}
		return
	}
	if doneErr := msg.Done(ackCtx); doneErr != nil {
		logger.Error("Fail to ack event", slog.Any("error", doneErr))
	}
}

// Close 停止轉送並關閉 consumer group
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	r.cancel()
	err := r.consumer.Close()
	r.wg.Wait()
	return err
}
