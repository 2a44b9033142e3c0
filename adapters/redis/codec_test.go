package redis

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/auction"
)

func TestEncodeDecodeMessage(t *testing.T) {
	t.Run("事件可以完整還原", func(t *testing.T) {
		occurredAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		event := auction.Event{
			Type:         auction.EventBidAccepted,
			ListingID:    uuid.New(),
			Version:      7,
			CurrentPrice: 1500,
			Status:       auction.StatusOpen,
			OccurredAt:   occurredAt,
		}

		message, err := EncodeMessage(event)
		require.NoError(t, err)
		assert.Contains(t, message, payloadField)

		decoded, err := DecodeMessage[auction.Event](message)
		require.NoError(t, err)
		assert.Equal(t, event.Type, decoded.Type)
		assert.Equal(t, event.ListingID, decoded.ListingID)
		assert.Equal(t, event.Version, decoded.Version)
		assert.Equal(t, event.CurrentPrice, decoded.CurrentPrice)
		assert.True(t, occurredAt.Equal(decoded.OccurredAt))
	})

	t.Run("不接受指標型別", func(t *testing.T) {
		_, err := EncodeMessage(&TestMessage{ID: "1"})
		assert.ErrorIs(t, err, ErrPointerType)

		_, err = DecodeMessage[*TestMessage](map[string]any{payloadField: "x"})
		assert.ErrorIs(t, err, ErrPointerType)
	})

	t.Run("缺少資料欄位", func(t *testing.T) {
		_, err := DecodeMessage[TestMessage](map[string]any{"other": "x"})
		assert.ErrorIs(t, err, ErrMissingField)

		_, err = DecodeMessage[TestMessage](map[string]any{payloadField: 42})
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("資料不是合法的 base64", func(t *testing.T) {
		_, err := DecodeMessage[TestMessage](map[string]any{payloadField: "!!!"})
		assert.ErrorContains(t, err, "base64 decode error")
	})

	t.Run("空消息回傳零值", func(t *testing.T) {
		decoded, err := DecodeMessage[TestMessage](map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, TestMessage{}, decoded)
	})
}
