package main

import (
	"log"

	"sketchsync/internal/config"
	"sketchsync/internal/database"
	"sketchsync/internal/hub"
	"sketchsync/internal/presence"
	"sketchsync/internal/server"
	"sketchsync/internal/store"
)

func main() {
	cfg := config.Load()

	// Board persistence: Postgres when configured, memory otherwise.
	var st store.Store
	dbCfg := database.LoadConfig()
	if dbCfg.Host != "" {
		db, err := database.Connect(dbCfg)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		st = store.NewGorm(db)
		log.Printf("connected to postgres at %s:%s", dbCfg.Host, dbCfg.Port)
	} else {
		st = store.NewMemory()
		log.Println("no DB_HOST configured, board state is in-memory only")
	}

	// Cross-instance presence: optional.
	var pres *presence.Manager
	if cfg.Redis.Addr != "" {
		var err error
		pres, err = presence.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer pres.Close()
		log.Printf("connected to redis at %s", cfg.Redis.Addr)
	}

	h := hub.New(st, pres, hub.Config{
		LockTTL:           cfg.Collab.LockTTL,
		SyncChunkSize:     cfg.Collab.SyncChunkSize,
		InboxSize:         cfg.Collab.RoomInboxSize,
		HeartbeatInterval: cfg.Collab.HeartbeatInterval,
	})

	srv := server.New(cfg, h, st)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
