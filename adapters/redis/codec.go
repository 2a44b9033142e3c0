package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType  = errors.New("pointer type is not allowed")
	ErrMissingField = errors.New("data field not found or invalid type")
)

// payloadField 是 stream 訊息中承載資料的欄位
const payloadField = "data"

// EncodeMessage 將資料以 msgpack 序列化後轉成 stream 訊息的欄位
func EncodeMessage[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}
	encoded, err := encodePayload(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{payloadField: encoded}, nil
}

// DecodeMessage 將 stream 訊息的欄位還原成資料
func DecodeMessage[T any](message map[string]any) (T, error) {
	var result T
	if t := reflect.TypeOf(result); t != nil && t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(message) == 0 {
		return result, nil
	}
	payload, ok := message[payloadField].(string)
	if !ok {
		return result, ErrMissingField
	}
	if err := decodePayload(payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// encodePayload 以 msgpack + base64 編碼，Lua 腳本與 stream 都以字串保存
func encodePayload(v any) (string, error) {
	bytes, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("msgpack marshal error: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

func decodePayload(payload string, v any) error {
	bytes, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, v); err != nil {
		return fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return nil
}
