package sse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gavel/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[Message](1, nil)

	// 測試訂閱
	sub := ch.Subscribe(0)
	assert.NotNil(t, sub)

	// 測試廣播訊息
	msg := Message{Data: "test message"}
	assert.Equal(t, 0, ch.Broadcast(msg))

	select {
	case received := <-sub:
		assert.Equal(t, msg, received)
	case <-time.After(time.Second):
		t.Fatal("did not receive message in time")
	}

	// 測試取消訂閱
	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")

	// 測試 IsIdle
	assert.True(t, ch.IsIdle(), "channel should be idle")
}

func TestChannel_SlowSubscriberDoesNotBlock(t *testing.T) {
	ch := sse.NewChannel[Message](1, nil)
	slow := ch.Subscribe(0)
	fast := ch.Subscribe(0)

	assert.Equal(t, 0, ch.Broadcast(Message{Data: "1"}))
	assert.Equal(t, Message{Data: "1"}, <-fast)

	// slow 的緩衝已滿，第二則訊息只送給 fast
	assert.Equal(t, 1, ch.Broadcast(Message{Data: "2"}))
	assert.Equal(t, Message{Data: "2"}, <-fast)
	assert.Equal(t, Message{Data: "1"}, <-slow)

	ch.UnsubscribeAll()
	_, ok := <-slow
	assert.False(t, ok)
	_, ok = <-fast
	assert.False(t, ok)
	assert.True(t, ch.IsIdle())
}

func TestChannel_Sequence(t *testing.T) {
	ch := sse.NewChannel(8, messageSeq)
	sub := ch.Subscribe(0)
	late := ch.Subscribe(2)

	for _, seq := range []uint64{1, 3, 2, 3, 4} {
		ch.Broadcast(Message{Seq: seq})
	}
	ch.UnsubscribeAll()

	var got []uint64
	for m := range sub {
		got = append(got, m.Seq)
	}
	assert.Equal(t, []uint64{1, 3, 4}, got)

	got = nil
	for m := range late {
		got = append(got, m.Seq)
	}
	assert.Equal(t, []uint64{3, 4}, got)
}
