package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gavel/adapters/database"
	"gavel/adapters/sse"
	"gavel/auction"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
	gin.SetMode(gin.TestMode)
}

// testClock 是可以手動推進的時鐘
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	router  *gin.Engine
	engine  *auction.Engine
	manager sse.IConnectionManager[auction.Event]
	clock   *testClock
	key     ed25519.PrivateKey
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(database.Config{Driver: "sqlite", AutoMigrate: true})
	require.NoError(t, err)
	store, err := database.NewStore(db)
	require.NoError(t, err)

	manager := sse.NewConnectionManager(
		sse.WithSequence(auction.Event.Sequence),
		sse.WithLogger[auction.Event](slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	manager.Start()

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	engine, err := auction.NewEngine(store,
		auction.WithEngineClock(clock.Now),
		auction.WithEnginePublisher(manager),
		auction.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	server, err := NewServer(engine, manager, ServerConfig{
		Auth:   AuthConfig{PublicKey: public},
		Stream: StreamConfig{KeepAlive: time.Second, WriteTimeout: time.Second},
	}, WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	router := gin.New()
	server.RegisterHandlers(router)

	t.Cleanup(func() {
		manager.Done()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testEnv{router: router, engine: engine, manager: manager, clock: clock, key: private}
}

func (env *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, JWT{
		Username: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(env.key)
	require.NoError(t, err)
	return signed
}

// do 送出請求，user 為空時不帶 token
func (env *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, user))
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) openListing(t *testing.T, req auction.NewListing) auction.Listing {
	t.Helper()
	if req.Deadline.IsZero() {
		req.Deadline = env.clock.Now().Add(time.Hour)
	}
	listing, err := env.engine.OpenListing(context.Background(), req)
	require.NoError(t, err)
	return listing
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).ErrorKind
}

func newRecorder(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}
