package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vellum-app/vellum-server/internal/collab"
	"github.com/vellum-app/vellum-server/internal/config"
	"github.com/vellum-app/vellum-server/internal/content"
	"github.com/vellum-app/vellum-server/internal/server"
	"github.com/vellum-app/vellum-server/internal/storage"
	"github.com/vellum-app/vellum-server/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Redis: session store, locks and the transport stream
	kv, err := storage.NewRedisKV(&storage.RedisKVConfig{URL: cfg.RedisURL, MaxRetries: 3})
	if err != nil {
		log.Fatalf("Failed to create Redis adapter: %v", err)
	}
	if err := kv.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// PostgreSQL: durable documents and public shares
	pgConfig := storage.DefaultStorageConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pg := storage.NewPostgresAdapter(pgConfig)
	if err := pg.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	hub := transport.NewHub(kv.Client(), cfg.RedisStreamName)

	svc := collab.NewService(
		collab.NewSessionRepo(kv),
		collab.NewLockManager(kv),
		pg,
		pg,
		content.NewReader(cfg.ContentRoot),
		hub,
	)

	srv := server.New(cfg, hub, svc)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Printf("🚀 Vellum collaboration server starting on %s", addr)
		log.Printf("📊 Health check: http://%s/health", addr)
		log.Printf("🔌 WebSocket: ws://%s/ws", addr)

		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("📛 Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Forced shutdown: %v", err)
	}
	pg.Disconnect(shutdownCtx)
	kv.Disconnect(shutdownCtx)

	log.Println("✅ Server shut down")
}
