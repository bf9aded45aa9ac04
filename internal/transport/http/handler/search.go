package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/stockorder/internal/upstream"
	"github.com/gin-gonic/gin"
)

type catalog interface {
	Search(ctx context.Context, query string, filters upstream.SearchFilters) (upstream.SearchResult, error)
	GetCredits(ctx context.Context) (upstream.Credits, error)
}

// SearchHandler passes catalog lookups straight through to the upstream API.
type SearchHandler struct {
	catalog catalog
	logger  *slog.Logger
}

func NewSearchHandler(c catalog, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{catalog: c, logger: logger.With("component", "search_handler")}
}

type searchQuery struct {
	Q     string `form:"q"     binding:"required,max=512"`
	Page  int    `form:"page"  binding:"omitempty,min=1"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Type  string `form:"type"  binding:"omitempty,oneof=photo vector illustration video music"`
}

type searchResponse struct {
	Results []upstream.SearchItem `json:"results"`
	Total   int                   `json:"total"`
}

type creditsResponse struct {
	Balance float64 `json:"balance"`
}

func (h *SearchHandler) Search(ctx *gin.Context) {
	var q searchQuery
	if err := ctx.ShouldBindQuery(&q); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.catalog.Search(ctx.Request.Context(), q.Q, upstream.SearchFilters{
		Page:  q.Page,
		Limit: q.Limit,
		Type:  q.Type,
	})
	if err != nil {
		writeError(ctx, h.logger, "search", err)
		return
	}

	items := res.Results
	if items == nil {
		items = []upstream.SearchItem{}
	}
	ctx.JSON(http.StatusOK, searchResponse{Results: items, Total: res.Total})
}

func (h *SearchHandler) Credits(ctx *gin.Context) {
	credits, err := h.catalog.GetCredits(ctx.Request.Context())
	if err != nil {
		writeError(ctx, h.logger, "get credits", err)
		return
	}
	ctx.JSON(http.StatusOK, creditsResponse{Balance: credits.Balance})
}
