package sse

import (
	"sync"
)

type subscriber[T any] struct {
	ch   chan T
	last uint64
}

// Channel 用於管理針對某個主題 (Topic) 的所有訂閱者，
// 並將接收到的訊息廣播給所有訂閱者。
//
// 廣播不會阻塞：訂閱者的緩衝已滿時該訊息對這個訂閱者直接丟棄。
// 設定 sequence 時，每個訂閱者只會收到序號嚴格遞增的訊息。
type Channel[T any] struct {
	subscribers map[<-chan T]*subscriber[T]
	bufferSize  int
	sequence    func(T) uint64
	mu          sync.RWMutex
}

// NewChannel creates a new SSE channel.
func NewChannel[T any](bufferSize int, sequence func(T) uint64) IChannel[T] {
	return &Channel[T]{
		subscribers: make(map[<-chan T]*subscriber[T]),
		bufferSize:  bufferSize,
		sequence:    sequence,
	}
}

// Subscribe 建立一個新的 chan T，將其加入 subscribers，並回傳唯讀通道給呼叫者。
func (c *Channel[T]) Subscribe(after uint64) <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan T, c.bufferSize)
	c.subscribers[ch] = &subscriber[T]{ch: ch, last: after}
	return ch
}

// Unsubscribe 從 subscribers 中移除指定的通道，並關閉該通道。
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, exists := c.subscribers[ch]; exists {
		delete(c.subscribers, ch)
		close(sub.ch)
	}
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空訂閱清單。
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscribers {
		close(sub.ch)
	}
	clear(c.subscribers)
}

// Broadcast 將訊息廣播給所有仍在訂閱清單中的通道。
// 需要更新訂閱者的序號，所以使用寫鎖。
func (c *Channel[T]) Broadcast(message T) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var seq uint64
	if c.sequence != nil {
		seq = c.sequence(message)
	}
	dropped := 0
	for _, sub := range c.subscribers {
		// 過時或重複的訊息
		if c.sequence != nil && seq <= sub.last {
			continue
		}
		select {
		case sub.ch <- message:
			sub.last = seq
		default:
			dropped++
		}
	}
	return dropped
}

// IsIdle 判斷 subscribers 是否為空。
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}
