package main

import (
	"context"
	"log"
	"os"
	"time"

	"hwahaego/internal/api"
	"hwahaego/internal/codes"
	"hwahaego/internal/config"
	"hwahaego/internal/mediation"
	"hwahaego/internal/redis"
	"hwahaego/internal/service/ai"
	"hwahaego/internal/sessions"
	"hwahaego/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("HWAHAEGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("HWAHAEGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}

	// Persistence is optional: without a database the engines run in
	// degraded mode, skipping transcript storage and code validation.
	var (
		store   *storage.ConversationStore
		codeSvc *codes.Service
	)
	if len(cfg.Databases) == 0 {
		log.Printf("no database configured, transcripts will not be persisted")
	} else {
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		store = storage.NewConversationStore(db)

		var cache *redis.Client
		if cfg.Redis.Host != "" {
			cache, err = redis.NewClient(cfg)
			if err != nil {
				log.Printf("redis unavailable, validating codes without cache: %v", err)
				cache = nil
			} else {
				defer cache.Close()
			}
		}

		codeTTL := time.Duration(cfg.BasicConfig.CodeTTL) * time.Minute
		codeSvc = codes.NewService(db, cache, codeTTL)

		cleanCtx, cleanCancel := context.WithCancel(context.Background())
		defer cleanCancel()
		cleanInterval := time.Duration(cfg.BasicConfig.CodeCleanInterval) * time.Minute
		codeSvc.StartCleaner(cleanCtx, cleanInterval)
	}

	exchanger, err := ai.NewService(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init ai service: %v", err)
	}

	registry := sessions.NewRegistry(func() *mediation.Engine {
		var s mediation.Store
		if store != nil {
			s = store
		}
		return mediation.New(exchanger, s)
	})

	handlers := api.NewHandler(registry, codeSvc, store)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
