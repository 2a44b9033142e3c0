package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func addTestMessage(t *testing.T, client *redis.Client, stream string, msg TestMessage) string {
	t.Helper()
	values, err := EncodeMessage(msg)
	require.NoError(t, err)
	id, err := client.XAdd(context.Background(), &redis.XAddArgs{Stream: stream, Values: values}).Result()
	require.NoError(t, err)
	return id
}

func receive[T any](t *testing.T, ch <-chan *Message[T]) *Message[T] {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestNewGroupConsumer(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	_, err := NewGroupConsumer[TestMessage](nil, "s", "g", "c")
	assert.ErrorContains(t, err, "redis client cannot be nil")

	_, err = NewGroupConsumer[TestMessage](client, "s", "", "c")
	assert.ErrorContains(t, err, "cannot be empty")

	gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
		WithGroupConsumerBufferSize[TestMessage](4),
		WithGroupConsumerBlockTimeout[TestMessage](time.Second),
		WithGroupConsumerStrictOrdering[TestMessage](true))
	require.NoError(t, err)
	assert.NotNil(t, gc)
}

func TestGroupConsumer_Start(t *testing.T) {
	t.Run("create group error", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectXGroupCreateMkStream("s", "g", "0").SetErr(errors.New("connection refused"))
		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c")
		require.NoError(t, err)
		assert.ErrorContains(t, gc.Start(), "connection refused")
	})

	t.Run("existing group is reused", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		client, _, cleanup := setupMiniredis(t)
		defer cleanup()

		require.NoError(t, client.XGroupCreateMkStream(context.Background(), "s", "g", "0").Err())
		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
			WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, gc.Start())
		require.NoError(t, gc.Close())
	})
}

func TestGroupConsumer_Delivery(t *testing.T) {
	t.Run("messages are acked with Done", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		client, _, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
			WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, gc.Start())
		defer gc.Close()

		addTestMessage(t, client, "s", TestMessage{ID: "1"})
		addTestMessage(t, client, "s", TestMessage{ID: "2"})

		sub := gc.Subscribe()
		for _, id := range []string{"1", "2"} {
			msg := receive(t, sub)
			assert.Equal(t, id, msg.Data.ID)
			require.NoError(t, msg.Done(ctx))
			// 重複確認不會出錯
			require.NoError(t, msg.Done(ctx))
		}

		pending, err := client.XPending(ctx, "s", "g").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), pending.Count)
	})

	t.Run("failed messages go to the dead letter stream", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		client, _, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
			WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, gc.Start())
		defer gc.Close()

		addTestMessage(t, client, "s", TestMessage{ID: "bad"})
		msg := receive(t, gc.Subscribe())
		require.NoError(t, msg.Fail(ctx, errors.New("downstream unavailable")))

		dead, err := client.XRange(ctx, deadLetterStream("s"), "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "downstream unavailable", dead[0].Values["error"])
		decoded, err := DecodeMessage[TestMessage](map[string]any{payloadField: dead[0].Values[payloadField]})
		require.NoError(t, err)
		assert.Equal(t, "bad", decoded.ID)
	})

	t.Run("unparsable messages are moved to the dead letter stream", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		client, _, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
			WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, gc.Start())
		defer gc.Close()

		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "s", Values: map[string]any{"other": "x"}}).Err())
		addTestMessage(t, client, "s", TestMessage{ID: "ok"})

		msg := receive(t, gc.Subscribe())
		assert.Equal(t, "ok", msg.Data.ID)
		require.NoError(t, msg.Done(ctx))

		n, err := client.XLen(ctx, deadLetterStream("s")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("strict ordering replays pending messages first", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		client, _, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		// 模擬上一個 consumer 讀取後尚未確認就停止
		require.NoError(t, client.XGroupCreateMkStream(ctx, "s", "g", "0").Err())
		addTestMessage(t, client, "s", TestMessage{ID: "pending"})
		_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: "g", Consumer: "old", Streams: []string{"s", ">"}, Count: 1,
		}).Result()
		require.NoError(t, err)
		addTestMessage(t, client, "s", TestMessage{ID: "new"})

		gc, err := NewGroupConsumer[TestMessage](client, "s", "g", "c",
			WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond),
			WithGroupConsumerStrictOrdering[TestMessage](true))
		require.NoError(t, err)
		require.NoError(t, gc.Start())
		defer gc.Close()

		sub := gc.Subscribe()
		first := receive(t, sub)
		assert.Equal(t, "pending", first.Data.ID)
		require.NoError(t, first.Done(ctx))
		second := receive(t, sub)
		assert.Equal(t, "new", second.Data.ID)
		require.NoError(t, second.Done(ctx))
	})
}
