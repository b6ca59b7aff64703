package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nirmalarya/autograph-sub004/internal/config"
	"github.com/nirmalarya/autograph-sub004/internal/httpapi"
	"github.com/nirmalarya/autograph-sub004/internal/offline"
	"github.com/nirmalarya/autograph-sub004/internal/op"
	"github.com/nirmalarya/autograph-sub004/internal/pubsub"
	"github.com/nirmalarya/autograph-sub004/internal/room"
	"github.com/nirmalarya/autograph-sub004/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bus room.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		log.Println("Connected to Redis, cross-process fan-out enabled.")
		bus = pubsub.NewRedisBus(ctx, rdb)
		defer rdb.Close()
	} else {
		log.Println("REDIS_ADDR not set, running single-process.")
	}

	var archiver room.Archiver
	var queue offline.Store = offline.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer dbpool.Close()
		pg := offline.NewPGStore(dbpool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Connected to PostgreSQL, persistence enabled.")
		archiver = pg
		queue = pg
	} else {
		log.Println("DATABASE_URL not set, using in-memory offline queue.")
	}

	rooms := room.NewManager(ctx, room.Config{
		Capacity:            cfg.RoomCapacity,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatMisses:     cfg.HeartbeatMisses,
		GracePeriod:         cfg.RoomGracePeriod,
		CursorFlushInterval: cfg.CursorFlushInterval,
		QualityWindow:       cfg.QualityWindow,
	}, archiver, bus)

	synchronizer := offline.NewSynchronizer(queue, func(ctx context.Context, o op.Operation) error {
		_, err := rooms.Submit(ctx, o, "")
		return err
	}, cfg.OfflineMaxRetries)

	wsServer := ws.NewServer(rooms, synchronizer)
	api := httpapi.New(rooms, queue)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Router(wsServer.Handle),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Autograph realtime server starting on %s...", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
