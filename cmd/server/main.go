package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danielhooper/sketchroom/internal/config"
	"github.com/danielhooper/sketchroom/internal/kvstore"
	"github.com/danielhooper/sketchroom/internal/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	srv := server.New(cfg.ListenAddr, kvstore.NewRedis(rdb),
		server.WithHeartbeatInterval(time.Duration(cfg.HeartbeatInterval)),
		server.WithRoomTTL(time.Duration(cfg.RoomTTL)),
		server.WithRateLimit(cfg.RateLimit.Max, time.Duration(cfg.RateLimit.Window)),
	)

	log.Printf("Starting sketchroom server on %s", cfg.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
