package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/gateway"
	"github.com/wardenbox/warden/internal/logx"
)

func main() {
	logger, closeLogger, err := logx.Init("warden-gateway")
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

	config := gateway.LoadConfig()

	snapshot, err := gateway.LoadPolicySnapshot(config.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load policy snapshot: %v", err)
	}
	slog.Info("policy snapshot loaded", "component", "gateway",
		"app_id", snapshot.AppID,
		"allow_all", snapshot.AllowAllNetwork,
		"unknown_action", snapshot.UnknownAction,
		"user_patterns", len(snapshot.UserPatterns),
		"auto_patterns", len(snapshot.AutoPatterns))

	reporter := gateway.NewReporter(config.WebhookURL, snapshot.AppID)
	engine := gateway.NewEngine(snapshot, reporter)

	// Proxy listener for agent traffic. Plain net/http, no gin: CONNECT
	// tunneling needs direct access to the underlying connection.
	proxySrv := &http.Server{
		Addr:        ":" + config.ProxyPort,
		Handler:     gateway.NewProxy(engine, nil),
		IdleTimeout: 60 * time.Second,
	}

	// Control listener for the control plane.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("gateway_control"))
	gateway.NewControl(engine, config.AdminToken).RegisterRoutes(r)

	controlSrv := &http.Server{
		Addr:        ":" + config.ControlPort,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("proxy listener starting", "component", "gateway", "port", config.ProxyPort)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Proxy listener failed: %v", err)
		}
	}()
	go func() {
		slog.Info("control listener starting", "component", "gateway", "port", config.ControlPort)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Control listener failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	// Pending approval waits die with the process; the control plane treats
	// an unreachable gateway as a stopped instance.
	if err := controlSrv.Shutdown(ctx); err != nil {
		log.Printf("Control listener forced to shutdown: %v", err)
	}
	if err := proxySrv.Shutdown(ctx); err != nil {
		log.Printf("Proxy listener forced to shutdown: %v", err)
	}

	log.Println("Gateway stopped")
}
