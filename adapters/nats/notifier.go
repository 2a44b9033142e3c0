package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gavel/auction"
)

// Conn 是 Notifier 需要的 NATS 連線操作，*nats.Conn 滿足這個介面
type Conn interface {
	Publish(subject string, data []byte) error
}

type notifierOptions struct {
	logger *slog.Logger
	prefix string
}

type NotifierOption func(*notifierOptions)

// WithNotifierLogger 設置日誌記錄器
func WithNotifierLogger(logger *slog.Logger) NotifierOption {
	return func(o *notifierOptions) {
		o.logger = logger
	}
}

// WithNotifierSubjectPrefix 設置 subject 前綴
func WithNotifierSubjectPrefix(prefix string) NotifierOption {
	return func(o *notifierOptions) {
		o.prefix = prefix
	}
}

// Notifier 將提交後的拍賣事件轉送到 NATS，讓通知服務寄送得標與被超越的通知
// subject 格式為 <prefix>.<listingID>.<eventType>
type Notifier struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

func NewNotifier(conn Conn, opts ...NotifierOption) (*Notifier, error) {
	if conn == nil {
		return nil, errors.New("nats connection cannot be nil")
	}

	// 默認選項
	options := notifierOptions{
		logger: slog.Default(),
		prefix: "gavel.events",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Notifier{
		conn:   conn,
		prefix: strings.TrimSuffix(options.prefix, "."),
		logger: options.logger.With(slog.String("caller", "Notifier")),
	}, nil
}

// Subject 回傳事件對應的 subject
func (n *Notifier) Subject(event auction.Event) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, event.ListingID, event.Type)
}

// Notify 將事件以 JSON 發布到 NATS
func (n *Notifier) Notify(event auction.Event) error {
	const op = "Notifier.Notify"
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode event, err=%w", op, err)
	}
	subject := n.Subject(event)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("[%s] Fail to publish event into nats, err=%w", op, err)
	}
	n.logger.Debug("Event published", slog.String("subject", subject), slog.Uint64("version", event.Version))
	return nil
}

// Publish 讓 Notifier 可以直接作為 Engine 的 publisher，channel 由事件本身決定
func (n *Notifier) Publish(_ string, event auction.Event) error {
	return n.Notify(event)
}

// Connect 連線到 NATS，斷線與重連都會記錄在日誌中
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("caller", "nats"))
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from nats", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to nats", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fail to connect to nats, err=%w", err)
	}
	return conn, nil
}
