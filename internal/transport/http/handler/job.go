package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/ErlanBelekov/stockorder/internal/parser"
	"github.com/ErlanBelekov/stockorder/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
)

const ownerKey = middleware.UserIDKey

// orderService is the orchestrator surface the HTTP API drives.
type orderService interface {
	Submit(ctx context.Context, id domain.ParsedIdentifier, opts orchestrator.SubmitOptions) (string, error)
	SubmitAIPrompt(ctx context.Context, p domain.Prompt, opts orchestrator.SubmitOptions) (string, error)
	GetJob(handle string) (domain.OrderJob, error)
	List() []domain.OrderJob
	Cancel(handle string) error
	Refresh(ctx context.Context, handle string) (domain.OrderJob, error)
	Subscribe(handle string) (<-chan domain.OrderJob, func(), error)
	GetDownloadLink(ctx context.Context, handle string) (domain.DownloadRef, error)
}

type identifierParser interface {
	Parse(raw string) domain.ParsedIdentifier
	ParseBatch(text string) []domain.ParsedIdentifier
}

type JobHandler struct {
	orders orderService
	parser identifierParser
	sites  parser.SiteLookup
	logger *slog.Logger
}

func NewJobHandler(orders orderService, p identifierParser, sites parser.SiteLookup, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		orders: orders,
		parser: p,
		sites:  sites,
		logger: logger.With("component", "job_handler"),
	}
}

type parseRequest struct {
	Text string `json:"text" binding:"required,max=65536"`
}

type parseResponse struct {
	Identifiers []domain.ParsedIdentifier `json:"identifiers"`
}

type submitOrderRequest struct {
	Input string `json:"input" binding:"required,max=2048"`
}

type submitResponse struct {
	Handle     string                   `json:"handle"`
	Identifier *domain.ParsedIdentifier `json:"identifier,omitempty"`
}

type batchLineResult struct {
	Identifier domain.ParsedIdentifier `json:"identifier"`
	Handle     string                  `json:"handle,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Kind       domain.ErrorKind        `json:"kind,omitempty"`
}

type batchResponse struct {
	Results  []batchLineResult `json:"results"`
	Accepted int               `json:"accepted"`
}

type submitAIRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Style  string `json:"style"`
	Size   string `json:"size"`
}

type listResponse struct {
	Jobs []domain.OrderJob `json:"jobs"`
}

// Parse classifies every line of text without submitting anything.
func (h *JobHandler) Parse(ctx *gin.Context) {
	var req parseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ids := parser.ApplySiteConfig(h.parser.ParseBatch(req.Text), h.sites)
	ctx.JSON(http.StatusOK, parseResponse{Identifiers: ids})
}

func (h *JobHandler) SubmitOrder(ctx *gin.Context) {
	var req submitOrderRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := h.parser.Parse(req.Input)
	handle, err := h.orders.Submit(ctx.Request.Context(), id, h.submitOptions(ctx))
	if err != nil {
		writeError(ctx, h.logger, "submit order", err)
		return
	}

	ctx.JSON(http.StatusCreated, submitResponse{Handle: handle, Identifier: &id})
}

// SubmitBatch submits each line on its own. One bad line never affects the others.
func (h *JobHandler) SubmitBatch(ctx *gin.Context) {
	var req parseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := h.submitOptions(ctx)
	ids := h.parser.ParseBatch(req.Text)
	resp := batchResponse{Results: make([]batchLineResult, 0, len(ids))}
	for _, id := range ids {
		res := batchLineResult{Identifier: id}
		handle, err := h.orders.Submit(ctx.Request.Context(), id, opts)
		if err != nil {
			res.Kind = domain.KindOf(err)
			res.Error = err.Error()
			if res.Kind == domain.KindNone {
				writeError(ctx, h.logger, "submit batch", err)
				return
			}
		} else {
			res.Handle = handle
			resp.Accepted++
		}
		resp.Results = append(resp.Results, res)
	}

	ctx.JSON(http.StatusOK, resp)
}

func (h *JobHandler) SubmitAI(ctx *gin.Context) {
	var req submitAIRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.orders.SubmitAIPrompt(ctx.Request.Context(), domain.Prompt{
		Text:  req.Prompt,
		Style: req.Style,
		Size:  req.Size,
	}, h.submitOptions(ctx))
	if err != nil {
		writeError(ctx, h.logger, "submit ai job", err)
		return
	}

	ctx.JSON(http.StatusCreated, submitResponse{Handle: handle})
}

func (h *JobHandler) List(ctx *gin.Context) {
	owner := ctx.GetString(ownerKey)
	jobs := h.orders.List()
	out := make([]domain.OrderJob, 0, len(jobs))
	for _, j := range jobs {
		if visible(j, owner) {
			out = append(out, j)
		}
	}
	ctx.JSON(http.StatusOK, listResponse{Jobs: out})
}

func (h *JobHandler) GetByHandle(ctx *gin.Context) {
	job, ok := h.load(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, job)
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	job, ok := h.load(ctx)
	if !ok {
		return
	}
	if err := h.orders.Cancel(job.Handle); err != nil {
		writeError(ctx, h.logger, "cancel job", err)
		return
	}
	job, err := h.orders.GetJob(job.Handle)
	if err != nil {
		writeError(ctx, h.logger, "cancel job", err)
		return
	}
	ctx.JSON(http.StatusOK, job)
}

func (h *JobHandler) Refresh(ctx *gin.Context) {
	job, ok := h.load(ctx)
	if !ok {
		return
	}
	job, err := h.orders.Refresh(ctx.Request.Context(), job.Handle)
	if err != nil {
		writeError(ctx, h.logger, "refresh job", err)
		return
	}
	ctx.JSON(http.StatusOK, job)
}

func (h *JobHandler) Download(ctx *gin.Context) {
	job, ok := h.load(ctx)
	if !ok {
		return
	}
	ref, err := h.orders.GetDownloadLink(ctx.Request.Context(), job.Handle)
	if err != nil {
		writeError(ctx, h.logger, "get download link", err)
		return
	}
	ctx.JSON(http.StatusOK, ref)
}

// Events streams job snapshots as server-sent events until the job is
// terminal or the client disconnects.
func (h *JobHandler) Events(ctx *gin.Context) {
	job, ok := h.load(ctx)
	if !ok {
		return
	}
	updates, unsubscribe, err := h.orders.Subscribe(job.Handle)
	if err != nil {
		writeError(ctx, h.logger, "subscribe job", err)
		return
	}
	defer unsubscribe()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.Stream(func(_ io.Writer) bool {
		select {
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			ctx.SSEvent("job", snap)
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

// load fetches the job named in the path and hides jobs owned by someone else.
func (h *JobHandler) load(ctx *gin.Context) (domain.OrderJob, bool) {
	handle := strings.TrimSpace(ctx.Param("handle"))
	job, err := h.orders.GetJob(handle)
	if err == nil && !visible(job, ctx.GetString(ownerKey)) {
		err = &domain.Error{Kind: domain.KindUnknownHandle, Handle: handle}
	}
	if err != nil {
		writeError(ctx, h.logger, "get job", err)
		return domain.OrderJob{}, false
	}
	return job, true
}

func (h *JobHandler) submitOptions(ctx *gin.Context) orchestrator.SubmitOptions {
	return orchestrator.SubmitOptions{Owner: ctx.GetString(ownerKey)}
}

// visible reports whether owner may see job. Without auth every job is visible.
func visible(job domain.OrderJob, owner string) bool {
	return owner == "" || job.Owner == owner
}
