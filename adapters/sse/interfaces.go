//go:generate mockgen -package=sse -destination=mock.go -source=interfaces.go

package sse

// IChannel 定義了 SSE 頻道的介面
type IChannel[T any] interface {
	// Subscribe 建立一個新的訂閱並返回接收訊息的通道
	// 只有序號大於 after 的訊息會被送到這個訂閱
	Subscribe(after uint64) <-chan T
	// Unsubscribe 取消指定通道的訂閱
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll 取消所有訂閱
	UnsubscribeAll()
	// Broadcast 將訊息廣播給所有訂閱者，返回因緩衝已滿而被丟棄的數量
	Broadcast(message T) int
	// IsIdle 檢查是否沒有訂閱者
	IsIdle() bool
}

// IConnectionManager 定義了 SSE 連線管理員的介面
type IConnectionManager[T any] interface {
	// Start 啟動 ConnectionManager，開始處理訊息的接收與廣播。
	// 應在呼叫其他方法前先呼叫此方法。
	Start()
	// Done 停止 ConnectionManager，釋放所有資源。
	Done()
	// Subscribe 註冊並訂閱指定頻道，返回一個新的 chan Message。
	Subscribe(channelName string) (<-chan T, error)
	// SubscribeAfter 與 Subscribe 相同，但略過序號不大於 after 的訊息。
	SubscribeAfter(channelName string, after uint64) (<-chan T, error)
	// Publish 將資料推送到指定頻道，不會等待訂閱者接收。
	Publish(channelName string, data T) error
	// Unsubscribe 取消訂閱指定頻道。
	Unsubscribe(channelName string, ch <-chan T)
}

// StreamSubscriber 是跨節點廣播的讀取端，例如 Redis Stream consumer
type StreamSubscriber[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// StreamPublisher 是跨節點廣播的寫入端，例如 Redis Stream producer
type StreamPublisher[T any] interface {
	Start()
	Publish(data T) error
	Close()
}
