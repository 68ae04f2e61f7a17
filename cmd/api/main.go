package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/js0980420/finance-crm-zeabur-sub003/internal/app"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/cache"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/config"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the read cache")
		readCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer readCache.Close()
		service = app.NewWithCache(cfg, dataStore, readCache)
	} else {
		log.Printf("Read cache disabled (REDIS_URL not set)")
		service = app.New(cfg, dataStore)
	}

	go service.RunRetention(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.TokenSecret)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long polls hold the response open up to MaxPollTimeout; the write
		// timeout must outlast them.
		WriteTimeout: cfg.MaxPollTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Sync API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
