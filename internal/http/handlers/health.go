package handlers

import "github.com/gin-gonic/gin"

type HealthHandler struct {
	readyCheck func() error
}

// NewHealthHandler wires an optional readiness probe (a Redis ping, in
// this service); a nil check means always ready.
func NewHealthHandler(readyCheck func() error) *HealthHandler {
	return &HealthHandler{readyCheck: readyCheck}
}

func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(200, gin.H{"status": "ok"})
}

func (h *HealthHandler) Readyz(ctx *gin.Context) {
	if h.readyCheck != nil {
		if err := h.readyCheck(); err != nil {
			ctx.JSON(503, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	ctx.JSON(200, gin.H{"status": "ready"})
}
