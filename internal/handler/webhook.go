package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/events"
	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/store"
)

// WebhookHandler ingests gateway event reports. Delivery from the gateway is
// fire-and-forget, so ingestion never returns an error to the sender for
// anything recoverable.
type WebhookHandler struct {
	events     *events.Store
	requestLog *store.RequestLog
}

func NewWebhookHandler(eventStore *events.Store, requestLog *store.RequestLog) *WebhookHandler {
	return &WebhookHandler{events: eventStore, requestLog: requestLog}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook/network_event", h.NetworkEvent)
}

func (h *WebhookHandler) NetworkEvent(c *gin.Context) {
	var ev model.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.AppID == "" || ev.Data.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id and request_id are required"})
		return
	}

	rec := h.events.Apply(ev.AppID, ev)

	// Persistence is best effort; the in-memory view already advanced and the
	// gateway will not redeliver.
	if err := h.requestLog.Record(c.Request.Context(), ev.AppID, rec); err != nil {
		logx.LoggerWithRequestID(c.Request.Context()).Warn("failed to persist network request",
			"component", "webhook", "app_id", ev.AppID, "request_id", rec.ID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
