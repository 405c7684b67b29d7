package handlers

import (
	"log"
	"net/http"

	"github.com/geocoder89/forgehub/internal/auth"
	"github.com/geocoder89/forgehub/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type MonitorHandler struct {
	hub  *hub.Hub
	auth *auth.Manager
}

func NewMonitorHandler(h *hub.Hub, authMgr *auth.Manager) *MonitorHandler {
	return &MonitorHandler{hub: h, auth: authMgr}
}

// Upgrade handles GET /ws/monitor?token=..., admitting the connection via
// the query-string token, then dispatches the discriminated message
// protocol (subscribe, heartbeat, resync_request, request_snapshot) until
// the socket closes.
func (h *MonitorHandler) Upgrade(ctx *gin.Context) {
	if h.auth != nil {
		token := ctx.Query("token")
		if token == "" {
			RespondError(ctx, http.StatusUnauthorized, "missing_token", "token query parameter is required", nil)
			return
		}
		if _, err := h.auth.VerifyAccessToken(token); err != nil {
			RespondError(ctx, http.StatusUnauthorized, "invalid_token", "token is invalid or expired", nil)
			return
		}
	}

	conn, err := monitorUpgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Printf("monitor: upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	h.hub.Register(id, conn)
	defer h.hub.Unregister(id)

	reqCtx := ctx.Request.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := hub.ParseIncoming(raw)
		if err != nil {
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.hub.Subscribe(id, msg.Topics, msg.Filters)
		case "heartbeat":
			h.hub.Heartbeat(id)
		case "resync_request":
			_ = h.hub.Resync(reqCtx, id, msg.SinceTimestamp, msg.MaxEvents)
		case "request_snapshot":
			_ = h.hub.Snapshot(reqCtx, id)
		}
	}
}
