package api

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyCaller = "caller"

// TokenVerifier 驗證 access token 並回傳呼叫者
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

type JWT struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseAndValidateJWT 驗證 EdDSA 簽章並回傳 token 內容
func ParseAndValidateJWT(tokenString string, key crypto.PublicKey) (*JWT, error) {
	const op = "ParseJWT"
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%s: token has no subject", op)
	}
	return claims, nil
}

// bearerToken 從 Authorization header 取得 token
// 瀏覽器的 EventSource 與 WebSocket 無法設定 header，所以也接受 access_token 參數
func bearerToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}
	if token := c.Query("access_token"); token != "" {
		return token, nil
	}
	return "", errors.New("access token is required")
}

// AuthMiddleware 驗證 access token，並把 token 的 subject 作為呼叫者
func (impl *ServerImpl) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{ErrorKind: "Unauthorized", Message: err.Error()})
			return
		}
		subject, err := impl.verifyToken(c.Request.Context(), tokenString)
		if err != nil {
			impl.logger.Debug("Fail to verify access token", slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{ErrorKind: "Unauthorized", Message: "invalid access token"})
			return
		}
		c.Set(contextKeyCaller, subject)
		c.Next()
	}
}

func (impl *ServerImpl) verifyToken(ctx context.Context, tokenString string) (string, error) {
	if impl.config.Auth.Verifier != nil {
		return impl.config.Auth.Verifier.Verify(ctx, tokenString)
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PublicKey)
	if err != nil {
		return "", err
	}
	return token.Subject, nil
}

func caller(c *gin.Context) string {
	return c.GetString(contextKeyCaller)
}
