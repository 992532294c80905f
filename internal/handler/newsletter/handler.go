package newsletter

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/newsletter-api/internal/middleware"
	"github.com/jwalitptl/newsletter-api/internal/model"
	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
	"github.com/jwalitptl/newsletter-api/pkg/httputil"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type Publisher interface {
	PublishIssue(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey, content model.IssueContent) (*model.SavedResponse, error)
}

type Handler struct {
	service Publisher
}

func NewHandler(service Publisher) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	newsletters := r.Group("/admin/newsletters")
	{
		newsletters.POST("", h.PublishIssue)
	}
}

type publishIssueRequest struct {
	Title          string `json:"title" binding:"required"`
	TextContent    string `json:"text_content" binding:"required"`
	HTMLContent    string `json:"html_content" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// PublishIssue answers with whatever response the first execution for the
// key produced, byte for byte.
func (h *Handler) PublishIssue(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(errors.New("missing owner")))
		return
	}

	var req publishIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	rawKey := c.GetHeader(HeaderIdempotencyKey)
	if rawKey == "" {
		rawKey = req.IdempotencyKey
	}
	key, err := model.NewIdempotencyKey(rawKey)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	resp, err := h.service.PublishIssue(c.Request.Context(), ownerID, key, model.IssueContent{
		Title:       req.Title,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
	})
	if err != nil {
		_ = c.Error(err)
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithRaw(c, resp.StatusCode, resp.Header(), resp.Body)
}
