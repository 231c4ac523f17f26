package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coderoom/internal/api"
	"coderoom/internal/config"
	"coderoom/internal/db"
	"coderoom/internal/repository"
	"coderoom/internal/services/collaboration"
	"coderoom/internal/services/execution"
	"coderoom/internal/services/rooms"
	"coderoom/internal/telemetry"
)

// chatStore is what both the hub and the history endpoint need.
type chatStore interface {
	rooms.ChatStore
	api.ChatHistory
}

func main() {
	log.Println("🚀 Starting coderoom server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("coderoom", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Storage: Postgres when enabled, otherwise rooms live only while they
	// have members.
	var (
		files rooms.FileStore
		chat  chatStore
	)
	if cfg.DatabaseEnabled {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		files = repository.NewFileRepository(database.DB)
		chat = repository.NewChatRepository(database.DB)
	} else {
		log.Println("⚠️  DATABASE_ENABLED not set, keeping rooms in memory")
		files = repository.NewMemoryFileStore()
		chat = repository.NewMemoryChatStore()
	}

	// Replication relay, fanned out through Redis when configured.
	var fanout collaboration.Fanout
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rf, err := collaboration.NewRedisFanout(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fanout = rf
	}
	sessionManager := collaboration.NewSessionManager(fanout)
	sessionManager.Start()
	wsHandler := collaboration.NewWebSocketHandler(sessionManager)

	// Code execution
	var (
		pool     *execution.Pool
		executor rooms.Executor
		queue    api.ExecutionQueue
	)
	if cfg.SandboxURL != "" {
		pool = execution.NewPool(execution.NewHTTPRunner(cfg.SandboxURL), cfg.ExecWorkers, cfg.ExecQueueSize, cfg.ExecTimeout)
		pool.Start()
		executor, queue = pool, pool
	} else {
		log.Println("⚠️  SANDBOX_URL not set, code execution disabled")
	}

	hub := rooms.NewHub(files, chat, executor)

	handler := api.NewHandler(chat, hub, wsHandler, queue)
	router := api.SetupRoutes(handler)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/rooms                 - Room event socket")
		log.Printf("   GET    /ws/doc/:room?file=:path  - Replication channel")
		log.Printf("   GET    /api/rooms/:id/chat       - Chat history")
		log.Printf("   GET    /api/rooms/:id/files      - File tree")
		log.Printf("   GET    /api/health               - Health")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// and the relay close them.
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	hub.Shutdown()
	sessionManager.Shutdown()
	if pool != nil {
		pool.Shutdown()
	}

	log.Println("✓ Server shutdown complete")
}
