package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message 封裝消息和ack所需資料
type Message[T any] struct {
	Data T
	ID   string

	client *redis.Client
	done   bool
	stream string
	group  string
	raw    map[string]any
}

// Done 確認消息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.ID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將處理失敗的消息移到 dead-letter stream 後確認
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}
	values := make(map[string]any, len(m.raw)+1)
	for k, v := range m.raw {
		values[k] = v
	}
	values["error"] = failErr.Error()
	if err := moveToDeadLetter(ctx, m.client, m.stream, m.group, m.ID, values); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	m.done = true
	return nil
}

func deadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

func moveToDeadLetter(ctx context.Context, client *redis.Client, stream, group, id string, values map[string]any) error {
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream(stream),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}
	if err := client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack dead letter message: %w", err)
	}
	return nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	parseFunc      func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	retryDelay     time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool // 嚴格順序模式
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex 注入mutex (主要用於測試)
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering 設置是否使用嚴格順序模式
// 嚴格順序模式下同一個 group 只有持有鎖的 consumer 會讀取，並優先重新處理 pending 的消息
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

// GroupConsumer 以 consumer group 讀取 Redis Stream，每則消息只會交給 group 中的一個 consumer
type GroupConsumer[T any] struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	downStream    chan *Message[T]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	logger        *slog.Logger
	mutex         IAutoRenewMutex
	pendingMsgIds []string
	options       groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		parseFunc:    DecodeMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
		retryDelay:   100 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		logger:   options.logger.With(slog.String("caller", "GroupConsumer"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}

	// 只在嚴格順序模式下設置mutex
	if options.strictOrdering {
		gc.mutex = options.mutex
		if gc.mutex == nil {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}

	return gc, nil
}

// ensureGroup 建立 consumer group，group 已存在時忽略
func (s *GroupConsumer[T]) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (s *GroupConsumer[T]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.ensureGroup(ctx); err != nil {
		cancel()
		return err
	}
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	downStream := s.downStream
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("group consumer goroutine stopped")
		defer close(downStream)

		for ctx.Err() == nil {
			workload := ctx
			// 嚴格順序模式下先拿鎖，鎖失效時 workload 會被取消
			if s.options.strictOrdering {
				var err error
				workload, err = s.mutex.Lock(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Error("failed to acquire lock", slog.Any("error", err))
					}
					continue
				}
			}
			err := s.messagesWorkflow(workload, downStream)
			if s.options.strictOrdering {
				if _, unlockErr := s.mutex.Unlock(); unlockErr != nil {
					s.logger.Warn("failed to release lock", slog.Any("error", unlockErr))
				}
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Error("error processing messages, restarting group consumer", slog.Any("error", err))
				select {
				case <-ctx.Done():
				case <-time.After(s.options.retryDelay):
				}
			}
		}
	}()

	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

// messagesWorkflow 持續讀取消息直到 context 被取消或發生無法略過的錯誤
func (s *GroupConsumer[T]) messagesWorkflow(ctx context.Context, downStream chan<- *Message[T]) error {
	if s.options.strictOrdering {
		if err := s.fetchPendingMessageIds(ctx); err != nil {
			return err
		}
	}
	for {
		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			// 其他的錯誤一般是server跟redis之間的通訊異常，稍候重試即可
			s.logger.Error("fetch message error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.options.retryDelay):
			}
			continue
		}
		data, err := s.options.parseFunc(message.Values)
		if err != nil {
			// 解析失敗不會因為重試就成功，移到dead-letter後繼續處理下一條消息
			s.logger.Error("failed to parse message", slog.String("messageId", message.ID), slog.Any("error", err))
			if err := moveToDeadLetter(ctx, s.client, s.stream, s.group, message.ID, message.Values); err != nil {
				// 消息會以pending的形式留在stream中，嚴格順序模式下一輪會優先處理
				return err
			}
			continue
		}
		msg := &Message[T]{
			Data:   data,
			ID:     message.ID,
			client: s.client,
			stream: s.stream,
			group:  s.group,
			raw:    message.Values,
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case downStream <- msg:
		}
	}
}

func (s *GroupConsumer[T]) fetchPendingMessageIds(ctx context.Context) error {
	const pageSize = 100
	s.pendingMsgIds = s.pendingMsgIds[:0]
	start := "-"
	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  start,
			End:    "+",
			Count:  pageSize,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("error getting pending messages: %w", err)
		}
		for _, p := range pending {
			s.pendingMsgIds = append(s.pendingMsgIds, p.ID)
		}
		if len(pending) < pageSize {
			break
		}
		// 以 "(" 表示不包含上一頁最後一筆
		start = "(" + pending[len(pending)-1].ID
	}
	if len(s.pendingMsgIds) > 0 {
		s.logger.Info("fetched pending message IDs", slog.Int("count", len(s.pendingMsgIds)))
	}
	return nil
}

func (s *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	if len(s.pendingMsgIds) > 0 {
		id := s.pendingMsgIds[0]
		s.pendingMsgIds = s.pendingMsgIds[1:]
		messages, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		if len(messages) == 0 {
			// 消息已經被修剪，只能確認掉
			return redis.XMessage{}, errors.Join(redis.Nil, s.client.XAck(ctx, s.stream, s.group, id).Err())
		}
		return messages[0], nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}
