package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"aggregator/internal/models"
	"aggregator/internal/service"
)

type OrderHandler struct {
	Best   *service.BestOrderService
	Rollup *service.RollupService
	Events *service.EventService
}

func (h *OrderHandler) Register(r *gin.Engine) {
	assets := r.Group("/api/assets")
	assets.GET("/:assetId/best-listing", h.bestListing)
	assets.GET("/:assetId/best-offer", h.bestOffer)

	r.GET("/api/collections/:chainId/:contract/rollup", h.collectionRollup)
	r.POST("/api/orders/import", h.importOrder)
}

type bestOrderView struct {
	AssetID  string          `json:"asset_id"`
	OrderID  uint64          `json:"order_id"`
	PerPrice decimal.Decimal `json:"per_price"`
	Platform int             `json:"platform"`
	EndTime  int64           `json:"end_time"`
	Currency string          `json:"currency"`
}

func (h *OrderHandler) bestListing(c *gin.Context) {
	cached, ok := h.lookup(c)
	if !ok {
		return
	}
	if cached == nil || cached.BestListingOrderID == nil {
		Error(c, http.StatusNotFound, "no live listing for asset")
		return
	}
	view := bestOrderView{
		AssetID:  cached.AssetID,
		OrderID:  *cached.BestListingOrderID,
		PerPrice: *cached.BestListingPerPrice,
		Currency: cached.BestListingSymbol,
	}
	if cached.BestListingPlatform != nil {
		view.Platform = *cached.BestListingPlatform
	}
	if cached.BestListingEndTime != nil {
		view.EndTime = *cached.BestListingEndTime
	}
	Ok(c, view)
}

func (h *OrderHandler) bestOffer(c *gin.Context) {
	cached, ok := h.lookup(c)
	if !ok {
		return
	}
	if cached == nil || cached.BestOfferOrderID == nil {
		Error(c, http.StatusNotFound, "no live offer for asset")
		return
	}
	view := bestOrderView{
		AssetID:  cached.AssetID,
		OrderID:  *cached.BestOfferOrderID,
		PerPrice: *cached.BestOfferPerPrice,
		Currency: cached.BestOfferSymbol,
	}
	if cached.BestOfferPlatform != nil {
		view.Platform = *cached.BestOfferPlatform
	}
	if cached.BestOfferEndTime != nil {
		view.EndTime = *cached.BestOfferEndTime
	}
	Ok(c, view)
}

func (h *OrderHandler) lookup(c *gin.Context) (*models.AssetBestOrder, bool) {
	if h.Best == nil {
		Error(c, http.StatusInternalServerError, "index unavailable")
		return nil, false
	}
	assetID := strings.TrimSpace(c.Param("assetId"))
	if assetID == "" {
		Error(c, http.StatusBadRequest, "asset id is required")
		return nil, false
	}
	cached, err := h.Best.BestOrders(c.Request.Context(), assetID)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return cached, true
}

func (h *OrderHandler) collectionRollup(c *gin.Context) {
	if h.Rollup == nil {
		Error(c, http.StatusInternalServerError, "rollups unavailable")
		return
	}
	chainID, err := strconv.ParseInt(c.Param("chainId"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid chain id")
		return
	}
	contract := strings.TrimSpace(c.Param("contract"))
	if contract == "" {
		Error(c, http.StatusBadRequest, "contract is required")
		return
	}
	rollup, err := h.Rollup.Rollup(c.Request.Context(), chainID, contract)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rollup == nil {
		Error(c, http.StatusNotFound, "collection not tracked")
		return
	}
	Ok(c, rollup)
}

type importOrderRequest struct {
	ChainID         int64  `json:"chain_id" binding:"required"`
	ProtocolAddress string `json:"protocol_address" binding:"required"`
	OrderHash       string `json:"order_hash" binding:"required"`
}

func (h *OrderHandler) importOrder(c *gin.Context) {
	if h.Events == nil {
		Error(c, http.StatusInternalServerError, "importer unavailable")
		return
	}
	var req importOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Events.ForceImportOrder(c.Request.Context(), req.ChainID, req.ProtocolAddress, req.OrderHash); err != nil {
		Error(c, http.StatusBadGateway, err.Error())
		return
	}
	Ok(c, gin.H{"imported": true})
}
