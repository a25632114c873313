package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabedit/access"
	"collabedit/broadcast"
	"collabedit/cache"
	"collabedit/config"
	"collabedit/core"
	"collabedit/doccache"
	"collabedit/docstore"
	"collabedit/engine"
	"collabedit/persist"
	"collabedit/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := core.ConfigureLogger(cfg.LogDev, cfg.LogLevel); err != nil {
		core.Fatal("failed to configure logger", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		core.Fatal("failed to connect to mongodb", zap.Error(err))
	}
	collection := mongoClient.Database(cfg.MongoDB).Collection("documents")
	store, err := docstore.NewMongoStore(ctx, collection)
	if err != nil {
		core.Fatal("failed to initialize document store", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		core.Fatal("failed to connect to redis", zap.Error(err))
	}

	backend, err := newCacheBackend(cfg, redisClient)
	if err != nil {
		core.Fatal("failed to initialize cache backend", zap.Error(err))
	}
	docCache := doccache.New(backend, store, cfg.CacheTTL())

	eng := engine.New(&engine.Options{HistoryLimit: cfg.HistoryMaxOps})

	bus, err := broadcast.NewRedisBus(redisClient, "collabedit:ch:")
	if err != nil {
		core.Fatal("failed to initialize broadcast bus", zap.Error(err))
	}
	fabric, err := broadcast.NewFabric(bus, eng)
	if err != nil {
		core.Fatal("failed to initialize broadcast fabric", zap.Error(err))
	}

	checker := access.NewChecker(store, docCache, cfg.AdminUserID)
	flusher := persist.NewFlusher(store, docCache, checker, cfg.FlushInterval())

	srv := server.New(eng, fabric, docCache, checker, flusher, &server.Options{
		DocEventsPerSecond:     rate.Limit(cfg.EventRatePerSecond.Document),
		GeneralEventsPerSecond: rate.Limit(cfg.EventRatePerSecond.General),
		ConnectionsPerMinute:   cfg.ConnectionRatePerMinute,
		HandshakeTimeout:       cfg.LoadTimeout(),
		LoadTimeout:            cfg.LoadTimeout(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		core.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("instance_id", fabric.InstanceID()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			core.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	core.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting traffic, disconnect sessions, then flush every dirty
	// buffer before the store goes away.
	httpServer.Shutdown(shutdownCtx)
	srv.Close()
	if err := flusher.Close(shutdownCtx); err != nil {
		core.Error("failed to flush persistence buffers", zap.Error(err))
	}
	eng.Close()
	fabric.Close()
	bus.Close()
	backend.Close()
	if err := store.Close(shutdownCtx); err != nil {
		core.Error("failed to close document store", zap.Error(err))
	}
	redisClient.Close()
	core.Info("shutdown complete")
}

func newCacheBackend(cfg *config.Config, redisClient *redis.Client) (cache.Cache[*doccache.Entry], error) {
	opts := &cache.Options{DefaultTTL: cfg.CacheTTL(), MaxItems: 10000}
	switch cfg.CacheBackend {
	case config.BackendRedis:
		return cache.NewRedisCache[*doccache.Entry](redisClient, "collabedit:doc:", opts)
	case config.BackendBadger:
		return cache.NewBadgerCache[*doccache.Entry](cfg.BadgerPath, opts)
	default:
		return cache.NewMemoryCache[*doccache.Entry](opts), nil
	}
}
