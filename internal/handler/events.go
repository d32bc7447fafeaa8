package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wardenbox/warden/internal/events"
	"github.com/wardenbox/warden/internal/lifecycle"
	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/store"
)

// EventsHandler serves the per-instance network request feed, both as
// queryable history and as a live WebSocket stream.
type EventsHandler struct {
	events     *events.Store
	requestLog *store.RequestLog
	drainState *lifecycle.DrainManager
}

func NewEventsHandler(eventStore *events.Store, requestLog *store.RequestLog, drainState *lifecycle.DrainManager) *EventsHandler {
	return &EventsHandler{events: eventStore, requestLog: requestLog, drainState: drainState}
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/instances/:app/requests", h.ListRequests)
	r.GET("/instances/:app/requests/pending", h.PendingRequests)
	r.GET("/instances/:app/events/stream", h.Stream)
}

// ListRequests returns the current run's requests from memory, falling back
// to the persisted log when the in-memory state is empty (e.g. after a
// control-plane restart).
func (h *EventsHandler) ListRequests(c *gin.Context) {
	appID := c.Param("app")

	requests := h.events.List(appID)
	if len(requests) == 0 {
		persisted, err := h.requestLog.List(c.Request.Context(), appID, 200)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		requests = persisted
	}
	if requests == nil {
		requests = []model.NetworkRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *EventsHandler) PendingRequests(c *gin.Context) {
	ids := h.events.PendingIDs(c.Param("app"))
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": ids})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled by middleware
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 64
)

// Stream pushes every request update for an instance over a WebSocket. The
// history is replayed first so clients start from a consistent snapshot.
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.drainState != nil && h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
		return
	}

	appID := c.Param("app")
	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "event_stream", "app_id", appID)

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade to websocket: " + err.Error()})
		return
	}
	defer ws.Close()

	release := func() {}
	if h.drainState != nil {
		release = h.drainState.TrackStream()
	}
	defer release()

	// Subscribe before replaying history so a concurrent update lands on the
	// live feed even if it raced the replay. The client may see such an
	// update twice, but never misses it.
	updates := make(chan model.NetworkRequest, streamBuffer)
	unsubscribe := h.events.Subscribe(appID, func(rec model.NetworkRequest) {
		select {
		case updates <- rec:
		default:
			// Slow consumer; it will catch up from persisted history.
		}
	})
	defer unsubscribe()

	for _, rec := range h.events.List(appID) {
		if err := writeStreamRecord(ws, rec); err != nil {
			return
		}
	}

	// Reader goroutine surfaces client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case rec := <-updates:
			if err := writeStreamRecord(ws, rec); err != nil {
				logger.Debug("event stream closed", "error", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeStreamRecord(ws *websocket.Conn, rec model.NetworkRequest) error {
	_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return ws.WriteJSON(rec)
}
