package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	redisAdapter "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/auction"
)

type request = sse.PublishRequest[auction.Event]

type recordingSink struct {
	mu     sync.Mutex
	events []auction.Event
	fail   error
}

func (s *recordingSink) Notify(event auction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func setupRelay(t *testing.T, sink Sink) (*redis.Client, *Relay, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	consumer, err := redisAdapter.NewGroupConsumer[request](client, "events", "notify", "node-1",
		redisAdapter.WithGroupConsumerBlockTimeout[request](50*time.Millisecond))
	require.NoError(t, err)
	relay, err := NewRelay(consumer, sink, WithRelayRetries(1, 10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, relay.Start())

	return client, relay, func() {
		assert.NoError(t, relay.Close())
		client.Close()
		mr.Close()
	}
}

func publish(t *testing.T, client *redis.Client, event auction.Event) {
	t.Helper()
	values, err := redisAdapter.EncodeMessage(request{Channel: event.Channel(), Message: event})
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{Stream: "events", Values: values}).Err())
}

func TestNewRelay(t *testing.T) {
	_, err := NewRelay(nil, &recordingSink{})
	assert.Error(t, err)
}

func TestRelay_ForwardsEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sink := &recordingSink{}
	client, _, cleanup := setupRelay(t, sink)
	defer cleanup()

	listingID := uuid.New()
	publish(t, client, auction.Event{Type: auction.EventBidAccepted, ListingID: listingID, Version: 2, OutbidID: "alice"})
	publish(t, client, auction.Event{Type: auction.EventListingSettled, ListingID: listingID, Version: 3})

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), sink.events[0].Version)
	assert.Equal(t, "alice", sink.events[0].OutbidID)
	assert.Equal(t, uint64(3), sink.events[1].Version)

	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "events", "notify").Result()
		return err == nil && pending.Count == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRelay_DeadLetter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sink := &recordingSink{fail: errors.New("nats unavailable")}
	client, _, cleanup := setupRelay(t, sink)
	defer cleanup()

	publish(t, client, auction.Event{Type: auction.EventBidAccepted, ListingID: uuid.New(), Version: 2})

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), "events:dead-letter").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	dead, err := client.XRange(context.Background(), "events:dead-letter", "-", "+").Result()
	require.NoError(t, err)
	assert.Equal(t, "nats unavailable", dead[0].Values["error"])
}
