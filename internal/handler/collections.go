package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"aggregator/internal/models"
	"aggregator/internal/repository"
)

type CollectionHandler struct {
	Repo repository.Repository
}

func (h *CollectionHandler) Register(r *gin.Engine) {
	group := r.Group("/api/collections")
	group.GET("", h.list)
	group.POST("", h.upsert)
}

func (h *CollectionHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable")
		return
	}
	items, err := h.Repo.ListWatchedCollections(c.Request.Context(), false)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(c, items)
}

type upsertCollectionRequest struct {
	Slug            string `json:"slug" binding:"required"`
	ChainID         int64  `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	Selected        *bool  `json:"selected"`
}

// upsert adds a collection to the watch set or flips its selection.
// The next reload cycle picks the change up.
func (h *CollectionHandler) upsert(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable")
		return
	}
	var req upsertCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error())
		return
	}
	slug := strings.TrimSpace(req.Slug)
	existing, err := h.Repo.GetWatchedCollectionBySlug(c.Request.Context(), slug)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	item := models.WatchedCollection{Slug: slug, Selected: true}
	if existing != nil {
		item = *existing
	}
	if req.ChainID > 0 {
		item.ChainID = req.ChainID
	}
	if strings.TrimSpace(req.ContractAddress) != "" {
		item.ContractAddress = strings.ToLower(strings.TrimSpace(req.ContractAddress))
	}
	if req.Selected != nil {
		item.Selected = *req.Selected
	}
	if err := h.Repo.UpsertWatchedCollection(c.Request.Context(), &item); err != nil {
		Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(c, item)
}
