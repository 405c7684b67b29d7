package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/forgehub/internal/actorctx"
	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/domain/webhook"
	"github.com/geocoder89/forgehub/internal/redisstore"
	webhookengine "github.com/geocoder89/forgehub/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type webhookRequest struct {
	URL     string               `json:"url" binding:"required,url"`
	Events  []string             `json:"events" binding:"required,min=1"`
	Active  *bool                `json:"active,omitempty"`
	Secret  string               `json:"secret,omitempty"`
	Filters webhook.Filters      `json:"filters,omitempty"`
	Retry   *webhook.RetryConfig `json:"retry,omitempty"`
}

type WebhooksHandler struct {
	repo   *redisstore.WebhooksRepo
	engine *webhookengine.Engine
}

func NewWebhooksHandler(repo *redisstore.WebhooksRepo, engine *webhookengine.Engine) *WebhooksHandler {
	return &WebhooksHandler{repo: repo, engine: engine}
}

// POST /webhooks — register(endpoint, events, filters).
func (h *WebhooksHandler) Create(ctx *gin.Context) {
	var req webhookRequest
	if !BindJSON(ctx, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	retry := webhook.DefaultRetryConfig()
	if req.Retry != nil {
		retry = *req.Retry
	}

	now := time.Now().UTC()
	operator, _ := actorctx.UserIDFrom(ctx.Request.Context())
	reg := webhook.Registration{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Events:    req.Events,
		Active:    active,
		Secret:    req.Secret,
		Filters:   req.Filters,
		Retry:     retry,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: operator,
		UpdatedBy: operator,
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Create(cctx, reg); err != nil {
		RespondInternal(ctx, "Could not register webhook")
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"success": true, "data": reg})
}

// GET /webhooks
func (h *WebhooksHandler) List(ctx *gin.Context) {
	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	regs, err := h.repo.List(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not list webhooks")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": regs})
}

// GET /webhooks/:id
func (h *WebhooksHandler) Get(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	reg, err := h.repo.Get(cctx, id)
	if err != nil {
		RespondNotFound(ctx, "Webhook not found")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": reg})
}

// PUT /webhooks/:id
func (h *WebhooksHandler) Update(ctx *gin.Context) {
	id := ctx.Param("id")

	var req webhookRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	existing, err := h.repo.Get(cctx, id)
	if err != nil {
		RespondNotFound(ctx, "Webhook not found")
		return
	}

	existing.URL = req.URL
	existing.Events = req.Events
	existing.Secret = req.Secret
	existing.Filters = req.Filters
	if req.Active != nil {
		existing.Active = *req.Active
	}
	if req.Retry != nil {
		existing.Retry = *req.Retry
	}
	existing.UpdatedAt = time.Now().UTC()
	if operator, ok := actorctx.UserIDFrom(ctx.Request.Context()); ok {
		existing.UpdatedBy = operator
	}

	if err := h.repo.Update(cctx, existing); err != nil {
		RespondInternal(ctx, "Could not update webhook")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": existing})
}

// DELETE /webhooks/:id
func (h *WebhooksHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Delete(cctx, id); err != nil {
		RespondInternal(ctx, "Could not delete webhook")
		return
	}
	ctx.Status(http.StatusNoContent)
}

// GET /webhooks/:id/deliveries
func (h *WebhooksHandler) Deliveries(ctx *gin.Context) {
	id := ctx.Param("id")
	limit := int64(parseIntDefault(ctx.Query("limit"), 50))

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	rows, err := h.repo.ListDeliveries(cctx, id, limit)
	if err != nil {
		RespondInternal(ctx, "Could not fetch deliveries")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// POST /webhooks/:id/test — builds a synthetic event of this endpoint's
// first subscribed type (job_submitted if it lists none) and hands it to
// engine.Dispatch. The normal active/events/filters checks apply: every
// active registration subscribed to that type whose filters pass receives
// it, and this endpoint does not if it is inactive or its filters reject
// the synthetic event.
func (h *WebhooksHandler) Test(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	reg, err := h.repo.Get(cctx, id)
	if err != nil {
		RespondNotFound(ctx, "Webhook not found")
		return
	}

	evtType := event.JobSubmitted
	if len(reg.Events) > 0 {
		evtType = event.Type(reg.Events[0])
	}

	synthetic := event.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		JobID:     "test-" + uuid.NewString(),
		Data:      nil,
	}

	if err := h.engine.Dispatch(cctx, synthetic); err != nil {
		RespondInternal(ctx, "Could not dispatch test delivery")
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"event_id": synthetic.ID}})
}
