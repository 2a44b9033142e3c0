package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"

	"gavel/auction"
)

// newRequestRouter 依 OpenAPI 文件建立路由比對器，不比對 servers 中的 host
func newRequestRouter(swagger *openapi3.T) (routers.Router, error) {
	swagger.Servers = nil
	return gorillamux.NewRouter(swagger)
}

// RequestValidator 依 OpenAPI 文件驗證路徑參數、查詢參數與 body
// security 由 AuthMiddleware 處理，這裡不重複檢查
func (impl *ServerImpl) RequestValidator() gin.HandlerFunc {
	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}
	return func(c *gin.Context) {
		route, pathParams, err := impl.requestRouter.FindRoute(c.Request)
		if err != nil {
			impl.logger.Error("Route not found in openapi spec",
				slog.String("method", c.Request.Method),
				slog.String("path", c.FullPath()),
				slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
				ErrorKind: string(auction.KindNotFound),
				Message:   "route not found",
			})
			return
		}
		err = openapi3filter.ValidateRequest(c.Request.Context(), &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		})
		if err != nil {
			badRequest(c, validationError(err))
			return
		}
		c.Next()
	}
}

// validationError 只保留錯誤訊息的第一行，schema 的細節不回傳給呼叫者
func validationError(err error) error {
	message, _, _ := strings.Cut(err.Error(), "\n")
	return errors.New(strings.TrimSpace(message))
}
