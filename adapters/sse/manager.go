package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/smallnest/chanx"
)

// ErrManagerClosed 表示連線管理器尚未啟動或已經停止
var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	sequence   func(T) uint64
	subscriber StreamSubscriber[PublishRequest[T]]
	publisher  StreamPublisher[PublishRequest[T]]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithBufferSize 設置每個訂閱者的緩衝大小，緩衝已滿的訂閱者會漏接訊息
func WithBufferSize[T any](size int) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.bufferSize = size
	}
}

// WithSequence 設置取得訊息序號的函數，訂閱者只會收到序號遞增的訊息
func WithSequence[T any](fn func(T) uint64) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.sequence = fn
	}
}

// WithStream 透過外部的 stream 在多個節點之間廣播訊息
// 未設置時只在本節點內廣播
func WithStream[T any](subscriber StreamSubscriber[PublishRequest[T]], publisher StreamPublisher[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
		o.publisher = publisher
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布。
// 設置 stream 時透過 Redis Stream 實現跨節點的訊息廣播，讓多個服務實例能夠協同運作。
type connectionManager[T any] struct {
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	local    *chanx.UnboundedChan[PublishRequest[T]] // 本節點模式下的發布佇列
	channels map[string]IChannel[T]                 // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ManagerOption[T]) IConnectionManager[T] {
	// 默認選項
	options := managerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 16,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		options:  options,
	}
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	cm.active = true

	var source <-chan PublishRequest[T]
	if cm.streaming() {
		cm.options.publisher.Start()
		cm.options.subscriber.Start()
		source = cm.options.subscriber.Subscribe()
	} else {
		cm.local = chanx.NewUnboundedChan[PublishRequest[T]](ctx, cm.options.bufferSize)
		source = cm.local.Out
	}

	// 啟動訊息處理的 goroutine
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-source:
				if !ok {
					return
				}
				cm.dispatch(msg)
			}
		}
	}()
}

func (cm *connectionManager[T]) streaming() bool {
	return cm.options.subscriber != nil && cm.options.publisher != nil
}

func (cm *connectionManager[T]) dispatch(msg PublishRequest[T]) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, ok := cm.channels[msg.Channel]
	if !ok {
		return
	}
	if dropped := channel.Broadcast(msg.Message); dropped > 0 {
		cm.logger.Warn("slow subscribers missed a message",
			slog.String("channel", msg.Channel),
			slog.Int("dropped", dropped))
	}
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.cancel()
	cm.mu.Unlock()

	// dispatch 需要讀鎖，等待 goroutine 結束時不能持有寫鎖
	if cm.streaming() {
		cm.options.publisher.Close()
		cm.options.subscriber.Close()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	return cm.SubscribeAfter(channelName, 0)
}

func (cm *connectionManager[T]) SubscribeAfter(channelName string, after uint64) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel(cm.options.bufferSize, cm.options.sequence)
		cm.channels[channelName] = c
	}
	return c.Subscribe(after), nil
}

// Publish 發布訊息到指定的頻道。
// channelName: 目標頻道名稱
// data: 要發布的訊息內容
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return ErrManagerClosed
	}

	req := PublishRequest[T]{
		Channel: channelName,
		Message: data,
	}
	if cm.streaming() {
		return cm.options.publisher.Publish(req)
	}
	cm.local.In <- req
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
