package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

// Control is the gateway's control surface, served on a separate port so
// the proxy listener never exposes it to the agent.
type Control struct {
	engine     *Engine
	adminToken string
}

func NewControl(engine *Engine, adminToken string) *Control {
	return &Control{engine: engine, adminToken: adminToken}
}

// RegisterRoutes registers the control routes.
func (ct *Control) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	authed := r.Group("/")
	authed.Use(ct.AuthMiddleware())
	authed.GET("/status", ct.GetStatus)
	authed.GET("/pending", ct.ListPending)
	authed.POST("/add_pattern", ct.AddPattern)
	authed.POST("/approve", ct.Approve)
	authed.POST("/deny", ct.Deny)
}

// AuthMiddleware checks the bearer admin token minted at instance start.
func (ct *Control) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "gateway_control")

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			logger.Warn("missing admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		if token != ct.adminToken {
			logger.Warn("invalid admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (ct *Control) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ct.engine.Status())
}

func (ct *Control) ListPending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": ct.engine.Pending()})
}

func (ct *Control) AddPattern(c *gin.Context) {
	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "gateway_control")

	var req model.AddPatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	added, err := ct.engine.AddPattern(req.Pattern, policy.PatternType(req.PatternType), policy.SourceUser)
	if err != nil {
		logger.Warn("rejected pattern push", "pattern", req.Pattern, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logger.Info("pattern added", "pattern", added.Pattern, "pattern_type", added.Type)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pattern": added})
}

func (ct *Control) Approve(c *gin.Context) {
	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "gateway_control")

	var req model.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	resolved, err := ct.engine.Approve(req.RequestID, req.Pattern, policy.PatternType(req.PatternType))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !resolved {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not pending"})
		return
	}

	logger.Info("request approved", "request_id", req.RequestID, "pattern", req.Pattern)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": req.RequestID, "result": "approved"})
}

func (ct *Control) Deny(c *gin.Context) {
	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "gateway_control")

	var req model.DenyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if !ct.engine.Deny(req.RequestID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not pending"})
		return
	}

	logger.Info("request denied", "request_id", req.RequestID)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": req.RequestID, "result": "denied"})
}
