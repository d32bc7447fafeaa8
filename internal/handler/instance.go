package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/orchestrator"
	"github.com/wardenbox/warden/internal/policy"
	"github.com/wardenbox/warden/internal/store"
)

// InstanceHandler exposes sandbox lifecycle and policy operations, keyed by
// owning app id.
type InstanceHandler struct {
	manager       *orchestrator.Manager
	configStore   *store.ConfigStore
	instanceStore *store.InstanceStore
	operatorAuth  gin.HandlerFunc
}

func NewInstanceHandler(manager *orchestrator.Manager, configStore *store.ConfigStore, instanceStore *store.InstanceStore, operatorAuth gin.HandlerFunc) *InstanceHandler {
	if operatorAuth == nil {
		operatorAuth = func(c *gin.Context) { c.Next() }
	}
	return &InstanceHandler{manager: manager, configStore: configStore, instanceStore: instanceStore, operatorAuth: operatorAuth}
}

func (h *InstanceHandler) RegisterRoutes(r *gin.RouterGroup) {
	instances := r.Group("/instances")
	{
		instances.GET("/:app", h.Get)
		instances.POST("/:app/start", h.Start)
		instances.POST("/:app/stop", h.Stop)
		instances.POST("/:app/send", h.Send)
		instances.POST("/:app/approve", h.operatorAuth, h.Approve)
		instances.POST("/:app/deny", h.operatorAuth, h.Deny)
		instances.POST("/:app/patterns", h.AddPattern)
		instances.POST("/:app/patterns/sync", h.SyncPatterns)
		instances.DELETE("/:app/patterns/:id", h.RemovePattern)
		instances.GET("/:app/gateway/status", h.GatewayStatus)
		instances.GET("/:app/status-history", h.StatusHistory)
		instances.PUT("/:app/config", h.SaveConfig)
		instances.GET("/:app/config", h.GetConfig)
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrConfigInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrRequestNotPending):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *InstanceHandler) Get(c *gin.Context) {
	inst, err := h.manager.Get(c.Request.Context(), c.Param("app"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *InstanceHandler) Start(c *gin.Context) {
	inst, err := h.manager.Start(c.Request.Context(), c.Param("app"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *InstanceHandler) Stop(c *gin.Context) {
	if err := h.manager.Stop(c.Request.Context(), c.Param("app")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *InstanceHandler) Send(c *gin.Context) {
	var req model.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.manager.Send(c.Request.Context(), c.Param("app"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *InstanceHandler) Approve(c *gin.Context) {
	var req model.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Approve(c.Request.Context(), c.Param("app"), &req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID, "status": "approved"})
}

func (h *InstanceHandler) Deny(c *gin.Context) {
	var req model.DenyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Deny(c.Request.Context(), c.Param("app"), &req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID, "status": "denied"})
}

func (h *InstanceHandler) AddPattern(c *gin.Context) {
	var req model.AddPatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.AddPattern(c.Request.Context(), c.Param("app"), &req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

// RemovePattern deletes a persisted user pattern by id. A running gateway
// keeps its compiled copy until the next start; removal takes effect on the
// next policy snapshot.
func (h *InstanceHandler) RemovePattern(c *gin.Context) {
	appID := c.Param("app")

	cfg, err := h.configStore.Load(c.Request.Context(), appID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !cfg.Allowlist.RemoveUser(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pattern not found"})
		return
	}
	if err := h.configStore.Save(c.Request.Context(), appID, cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// SyncPatterns merges a batch of user patterns from the owning project's
// configuration into the persisted document.
func (h *InstanceHandler) SyncPatterns(c *gin.Context) {
	var req struct {
		Patterns []policy.Pattern `json:"patterns" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, err := h.manager.SyncPatterns(c.Request.Context(), c.Param("app"), req.Patterns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowlist": merged.Allowlist.User})
}

func (h *InstanceHandler) GatewayStatus(c *gin.Context) {
	status, err := h.manager.GatewayStatus(c.Request.Context(), c.Param("app"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *InstanceHandler) StatusHistory(c *gin.Context) {
	hist, err := h.instanceStore.ListStatusHistory(c.Request.Context(), c.Param("app"), 50)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": hist})
}

func (h *InstanceHandler) SaveConfig(c *gin.Context) {
	var cfg model.SandboxConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.configStore.Save(c.Request.Context(), c.Param("app"), &cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (h *InstanceHandler) GetConfig(c *gin.Context) {
	cfg, err := h.configStore.Load(c.Request.Context(), c.Param("app"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
