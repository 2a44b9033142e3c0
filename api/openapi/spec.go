// Package openapi 提供 HTTP 介面的 OpenAPI 文件，路由與請求驗證都以這份文件為準
package openapi

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var rawSpec []byte

// RawSpec 回傳內嵌的 OpenAPI 文件原始內容
func RawSpec() []byte {
	return rawSpec
}

// GetSwagger 載入並驗證內嵌的 OpenAPI 文件，每次呼叫都回傳新的副本
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(rawSpec)
	if err != nil {
		return nil, fmt.Errorf("fail to load openapi spec, err=%w", err)
	}
	if err := swagger.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("fail to validate openapi spec, err=%w", err)
	}
	return swagger, nil
}
