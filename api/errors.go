package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"gavel/auction"
)

// ErrorResponse 是所有失敗回應的內容
type ErrorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

var kindStatus = map[auction.Kind]int{
	auction.KindValidation:     http.StatusBadRequest,
	auction.KindForbidden:      http.StatusForbidden,
	auction.KindNotFound:       http.StatusNotFound,
	auction.KindStateConflict:  http.StatusConflict,
	auction.KindDeadlinePassed: http.StatusGone,
	auction.KindBelowMinimum:   http.StatusUnprocessableEntity,
}

// abortWithError 將 auction 的錯誤轉成對應的 HTTP 狀態碼
// 無法分類的錯誤只記錄在日誌中，不把內部訊息回傳給呼叫者
func (impl *ServerImpl) abortWithError(c *gin.Context, op string, err error) {
	kind := auction.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		impl.logger.Error("Request failed", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			ErrorKind: string(auction.KindInternal),
			Message:   "internal error",
		})
		return
	}
	impl.logger.Debug("Request rejected", slog.String("op", op), slog.String("kind", string(kind)), slog.Any("error", err))
	c.AbortWithStatusJSON(status, ErrorResponse{
		ErrorKind: string(kind),
		Message:   err.Error(),
	})
}

// badRequest 回應無法解析的請求
func badRequest(c *gin.Context, err error) {
	var message string
	if err != nil {
		message = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		ErrorKind: string(auction.KindValidation),
		Message:   message,
	})
}

var errInvalidID = errors.New("invalid id")
