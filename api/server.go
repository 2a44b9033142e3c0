package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/routers"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"
	"github.com/samber/lo"

	"gavel/adapters/sse"
	"gavel/api/openapi"
	"gavel/auction"
)

// AuctionService 是 HTTP 介面需要的拍賣操作，由 auction.Engine 實作
type AuctionService interface {
	OpenListing(ctx context.Context, req auction.NewListing) (auction.Listing, error)
	PlaceBid(ctx context.Context, req auction.PlaceBidRequest) (auction.BidReceipt, error)
	BuyNow(ctx context.Context, listingID uuid.UUID, bidderID string, requestTime time.Time) (auction.Listing, error)
	SellerOverride(ctx context.Context, listingID uuid.UUID, callerID string) (auction.Listing, error)
	Snapshot(ctx context.Context, listingID uuid.UUID) (auction.State, error)
	IsOutbid(ctx context.Context, listingID uuid.UUID, viewerID string) (bool, error)
	Bids(ctx context.Context, listingID uuid.UUID) ([]auction.Bid, error)
	Bid(ctx context.Context, bidID uuid.UUID) (auction.Bid, error)
}

type serverOptions struct {
	logger *slog.Logger
}

type ServerOption func(*serverOptions)

// WithServerLogger 設置日誌記錄器
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

type ServerImpl struct {
	service       AuctionService
	sseManager    sse.IConnectionManager[auction.Event]
	requestRouter routers.Router
	logger        *slog.Logger

	config ServerConfig
}

func NewServer(service AuctionService, sseManager sse.IConnectionManager[auction.Event], config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"
	if service == nil || sseManager == nil {
		return nil, fmt.Errorf("[%s] service and sse manager are required", op)
	}
	if config.Auth.PublicKey == nil && config.Auth.Verifier == nil {
		return nil, fmt.Errorf("[%s] auth public key or token verifier is required", op)
	}

	// 默認選項
	options := serverOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	if config.Stream.KeepAlive <= 0 {
		config.Stream.KeepAlive = 30 * time.Second
	}
	if config.Stream.WriteTimeout <= 0 {
		config.Stream.WriteTimeout = 10 * time.Second
	}

	swagger, err := openapi.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	requestRouter, err := newRequestRouter(swagger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create request router, err=%w", op, err)
	}

	return &ServerImpl{
		service:       service,
		sseManager:    sseManager,
		requestRouter: requestRouter,
		logger:        options.logger.With(slog.String("caller", "Server")),
		config:        config,
	}, nil
}

// RegisterHandlers 註冊所有路由，每個路由都與 api/openapi/openapi.yaml 中的一個 operation 對應
// 需要身分的路由先驗證 token，再依 OpenAPI 文件驗證請求
func (impl *ServerImpl) RegisterHandlers(router gin.IRouter) {
	auth := impl.AuthMiddleware()
	validate := impl.RequestValidator()

	listings := router.Group("/listings")
	listings.POST("", auth, validate, impl.PostListing)
	listings.GET("/:listingID", validate, impl.GetListing)
	listings.GET("/:listingID/bids", validate, impl.GetListingBids)
	listings.POST("/:listingID/bids", auth, validate, impl.PostListingBids)
	listings.POST("/:listingID/buy-now", auth, validate, impl.PostListingBuyNow)
	listings.POST("/:listingID/override", auth, validate, impl.PostListingOverride)
	listings.GET("/:listingID/outbid", auth, validate, impl.GetListingOutbid)
	listings.GET("/:listingID/events", validate, impl.GetListingEvents)
	listings.GET("/:listingID/ws", validate, impl.GetListingWebSocket)

	router.GET("/bids/:bidID", validate, impl.GetBid)
}

// 請求 body 的欄位與必填條件定義在 OpenAPI 文件中，由 RequestValidator 檢查

type CreateListingRequest struct {
	StartingPrice int64     `json:"startingPrice"`
	ReservePrice  *int64    `json:"reservePrice"`
	BuyNowPrice   *int64    `json:"buyNowPrice"`
	MinIncrement  int64     `json:"minIncrement"`
	Deadline      time.Time `json:"deadline"`
}

type PlaceBidRequest struct {
	Amount      int64      `json:"amount"`
	RequestTime *time.Time `json:"requestTime"`
}

type BuyNowRequest struct {
	RequestTime *time.Time `json:"requestTime"`
}

type BidsResponse struct {
	Bids []auction.Bid `json:"bids"`
}

type OutbidResponse struct {
	Outbid bool `json:"outbid"`
}

// pathID 以 OpenAPI 的 simple style 綁定路徑參數
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	var id uuid.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		badRequest(c, fmt.Errorf("%w: %s", errInvalidID, name))
		return uuid.Nil, false
	}
	return id, true
}

// Open a listing for bidding
// (POST /listings)
func (impl *ServerImpl) PostListing(c *gin.Context) {
	const op = "PostListing"
	var body CreateListingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	listing, err := impl.service.OpenListing(c.Request.Context(), auction.NewListing{
		SellerID:      caller(c),
		StartingPrice: body.StartingPrice,
		ReservePrice:  body.ReservePrice,
		BuyNowPrice:   body.BuyNowPrice,
		MinIncrement:  body.MinIncrement,
		Deadline:      body.Deadline,
	})
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.Header("Location", "/listings/"+listing.ID.String())
	c.JSON(http.StatusCreated, listing)
}

// Get the full state of a listing
// (GET /listings/{listingID})
func (impl *ServerImpl) GetListing(c *gin.Context) {
	const op = "GetListing"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	state, err := impl.service.Snapshot(c.Request.Context(), listingID)
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// List bids of a listing in sequence order
// (GET /listings/{listingID}/bids)
func (impl *ServerImpl) GetListingBids(c *gin.Context) {
	const op = "GetListingBids"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	bids, err := impl.service.Bids(c.Request.Context(), listingID)
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, BidsResponse{Bids: lo.Ternary(bids == nil, []auction.Bid{}, bids)})
}

// Place a bid on a listing
// (POST /listings/{listingID}/bids)
func (impl *ServerImpl) PostListingBids(c *gin.Context) {
	const op = "PostListingBids"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	var body PlaceBidRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	receipt, err := impl.service.PlaceBid(c.Request.Context(), auction.PlaceBidRequest{
		ListingID:   listingID,
		BidderID:    caller(c),
		Amount:      body.Amount,
		RequestTime: lo.FromPtr(body.RequestTime),
	})
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// Buy a listing at its buy-now price
// (POST /listings/{listingID}/buy-now)
func (impl *ServerImpl) PostListingBuyNow(c *gin.Context) {
	const op = "PostListingBuyNow"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	var body BuyNowRequest
	// body 是選填的
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}
	listing, err := impl.service.BuyNow(c.Request.Context(), listingID, caller(c), lo.FromPtr(body.RequestTime))
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// Close a listing early in favour of the leading bidder
// (POST /listings/{listingID}/override)
func (impl *ServerImpl) PostListingOverride(c *gin.Context) {
	const op = "PostListingOverride"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	listing, err := impl.service.SellerOverride(c.Request.Context(), listingID, caller(c))
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// Check whether the caller has been outbid
// (GET /listings/{listingID}/outbid)
func (impl *ServerImpl) GetListingOutbid(c *gin.Context) {
	const op = "GetListingOutbid"
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	outbid, err := impl.service.IsOutbid(c.Request.Context(), listingID, caller(c))
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, OutbidResponse{Outbid: outbid})
}

// Get a single bid
// (GET /bids/{bidID})
func (impl *ServerImpl) GetBid(c *gin.Context) {
	const op = "GetBid"
	bidID, ok := pathID(c, "bidID")
	if !ok {
		return
	}
	bid, err := impl.service.Bid(c.Request.Context(), bidID)
	if err != nil {
		impl.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}
