package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	Auth   AuthConfig
	Stream StreamConfig
}

type AuthConfig struct {
	// PublicKey 驗證 access token 簽章的公鑰，token 由外部的身分服務簽發
	PublicKey crypto.PublicKey
	// Verifier 驗證 OIDC 身分服務簽發的 ID token，設置時取代 PublicKey
	Verifier TokenVerifier
}

type StreamConfig struct {
	// KeepAlive 沒有事件時發送心跳的間隔
	KeepAlive time.Duration
	// WriteTimeout WebSocket 每次寫入的期限
	WriteTimeout time.Duration
}
