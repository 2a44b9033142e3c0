package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gavel/auction"
)

// 串流的第一則訊息是完整狀態，之後只送出版本較新的事件
const streamEventState = "state"

// StreamMessage 是 WebSocket 上傳送的訊息
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 拍賣狀態是公開資料，不限制來源
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscribe 先訂閱頻道再讀取完整狀態，確保兩者之間提交的事件不會遺漏
// 回傳的 cancel 必須在串流結束時呼叫
func (impl *ServerImpl) subscribe(c *gin.Context, op string) (<-chan auction.Event, auction.State, func(), bool) {
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return nil, auction.State{}, nil, false
	}
	channel := listingID.String()
	ch, err := impl.sseManager.Subscribe(channel)
	if err != nil {
		impl.logger.Error("Fail to subscribe to listing events", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			ErrorKind: string(auction.KindInternal),
			Message:   "event stream is unavailable",
		})
		return nil, auction.State{}, nil, false
	}
	cancel := func() {
		impl.sseManager.Unsubscribe(channel, ch)
	}
	state, err := impl.service.Snapshot(c.Request.Context(), listingID)
	if err != nil {
		cancel()
		impl.abortWithError(c, op, err)
		return nil, auction.State{}, nil, false
	}
	return ch, state, cancel, true
}

// Track listing events with server-sent events
// (GET /listings/{listingID}/events)
func (impl *ServerImpl) GetListingEvents(c *gin.Context) {
	const op = "GetListingEvents"
	ch, state, cancel, ok := impl.subscribe(c, op)
	if !ok {
		return
	}
	defer cancel()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	c.SSEvent(streamEventState, state)
	w.Flush()
	if state.Listing.Status.Terminal() {
		return
	}

	// 沒有事件時定期發送註解行，確保瀏覽器和Cloudflare不會斷開連線
	keepAlive := time.NewTicker(impl.config.Stream.KeepAlive)
	defer keepAlive.Stop()
	last := state.Listing.Version
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Version <= last {
				continue
			}
			last = event.Version
			c.SSEvent(string(event.Type), event)
			w.Flush()
			if event.Type == auction.EventListingSettled {
				return
			}
		case <-keepAlive.C:
			if _, err := w.WriteString(":\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

// Track listing events with a websocket
// (GET /listings/{listingID}/ws)
func (impl *ServerImpl) GetListingWebSocket(c *gin.Context) {
	const op = "GetListingWebSocket"
	ch, state, cancel, ok := impl.subscribe(c, op)
	if !ok {
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失敗時已經回應錯誤給客戶端
		impl.logger.Debug("Fail to upgrade websocket", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// 客戶端不會送出資料，讀取只用來偵測斷線與處理 control frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg StreamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(impl.config.Stream.WriteTimeout))
		return conn.WriteJSON(msg)
	}
	finish := func(reason string) {
		deadline := time.Now().Add(impl.config.Stream.WriteTimeout)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	}

	if err := write(StreamMessage{Type: streamEventState, Data: state}); err != nil {
		return
	}
	if state.Listing.Status.Terminal() {
		finish("listing settled")
		return
	}

	ping := time.NewTicker(impl.config.Stream.KeepAlive)
	defer ping.Stop()
	last := state.Listing.Version
	for {
		select {
		case <-closed:
			return
		case event, ok := <-ch:
			if !ok {
				finish("server shutting down")
				return
			}
			if event.Version <= last {
				continue
			}
			last = event.Version
			if err := write(StreamMessage{Type: string(event.Type), Data: event}); err != nil {
				impl.logger.Debug("Fail to write websocket message", slog.Any("error", err))
				return
			}
			if event.Type == auction.EventListingSettled {
				finish("listing settled")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(impl.config.Stream.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
