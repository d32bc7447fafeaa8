package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/events"
	"github.com/wardenbox/warden/internal/handler"
	"github.com/wardenbox/warden/internal/k8s"
	"github.com/wardenbox/warden/internal/lifecycle"
	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/orchestrator"
	"github.com/wardenbox/warden/internal/security"
	"github.com/wardenbox/warden/internal/store"
)

func main() {
	logger, closeLogger, err := logx.Init("warden-server")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	dbPath := filepath.Join(dataDir, "warden.db")

	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()
	slog.Info("database initialized", "component", "store")

	cfg := orchestrator.LoadConfig()

	tokenCipher, err := security.NewTokenCipherFromEnv()
	if err != nil {
		log.Fatalf("Failed to load token encryption key: %v", err)
	}

	var operatorCred *security.OperatorCredential
	if operatorCred, err = security.LoadOperatorFromEnv(); err != nil {
		slog.Warn("operator credential not configured, approval endpoints disabled", "component", "security", "error", err)
		operatorCred = nil
	}

	k8sClient, err := k8s.NewClient(cfg.KubeconfigPath, cfg.Namespace)
	if err != nil {
		log.Fatalf("Failed to create k8s client: %v", err)
	}

	ctx := context.Background()
	if err := k8sClient.EnsureNamespace(ctx); err != nil {
		log.Fatalf("Failed to ensure namespace: %v", err)
	}
	slog.Info("sandbox namespace ensured", "component", "k8s", "namespace", k8sClient.Namespace())

	netPolicyMgr := k8s.NewNetworkPolicyManager(k8sClient)
	if err := netPolicyMgr.EnsureBasePolicies(ctx); err != nil {
		slog.Warn("failed to ensure base network policies", "component", "k8s", "error", err)
	} else {
		slog.Info("base network policies ensured", "component", "k8s")
	}

	configStore := store.NewConfigStore()
	instanceStore := store.NewInstanceStore()
	requestLog := store.NewRequestLog()
	eventStore := events.NewStore()

	manager := orchestrator.NewManager(k8sClient, configStore, instanceStore, requestLog, eventStore, tokenCipher, cfg)

	drainState := lifecycle.NewDrainManager()

	instanceHandler := handler.NewInstanceHandler(manager, configStore, instanceStore, handler.OperatorAuth(operatorCred))
	webhookHandler := handler.NewWebhookHandler(eventStore, requestLog)
	eventsHandler := handler.NewEventsHandler(eventStore, requestLog, drainState)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	instanceHandler.RegisterRoutes(api)
	webhookHandler.RegisterRoutes(api)
	eventsHandler.RegisterRoutes(api)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	shutdownTimeout := 30 * time.Second
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			shutdownTimeout = d
		}
	}

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// Send can block on in-sandbox approval waits, so no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down API server...")

	drainState.StartDraining()
	time.Sleep(2 * time.Second)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := drainState.WaitStreams(drainCtx); err != nil {
		log.Printf("API drained with timeout, remaining active streams: %d", drainState.ActiveStreams())
	}

	log.Println("API server stopped")
}
