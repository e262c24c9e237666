package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"canvaskeep/api/internal/app"
	"canvaskeep/api/internal/audit"
	"canvaskeep/api/internal/config"
	"canvaskeep/api/internal/preview"
	"canvaskeep/api/internal/search"
	"canvaskeep/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	var sink audit.Sink = audit.NopSink{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := audit.NewRedisSink(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		log.Printf("Audit events streaming to Redis")
	}

	var previews *preview.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		previews, err = preview.New(preview.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("preview storage failed: %v", err)
		}
		log.Printf("Version previews stored in bucket %s", cfg.MinioBucket)
	}

	var service *app.Service
	if previews != nil {
		service = app.New(cfg, dataStore, searchService, sink, previews, nil)
	} else {
		service = app.New(cfg, dataStore, searchService, sink, nil, nil)
	}

	if cfg.Dev {
		log.Printf("Running in dev mode, autosave interval %s, debounce %s", cfg.AutosaveInterval, cfg.AutosaveDebounce)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.Dev)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("CanvasKeep API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
