package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jphacks/os-2521/blink"
	"github.com/jphacks/os-2521/bridge"
	brokerpkg "github.com/jphacks/os-2521/broker"
	"github.com/jphacks/os-2521/config"
	"github.com/jphacks/os-2521/hub"
	"github.com/jphacks/os-2521/intake"
	"github.com/jphacks/os-2521/meeting"
	"github.com/jphacks/os-2521/metrics"
	"github.com/jphacks/os-2521/server"
	"github.com/jphacks/os-2521/sse"
	"github.com/jphacks/os-2521/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "meeting-rest")
	slog.SetDefault(log)

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// The ephemeral state store. The Redis broker shares this client.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Error("failed to connect to Redis", "addr", cfg.Redis.Addr(), "error", err)
		os.Exit(1)
	}
	pingCancel()
	defer redisClient.Close()
	log.Info("connected to Redis", "addr", cfg.Redis.Addr())

	store := meeting.NewRedisStore(redisClient)

	var messageBroker brokerpkg.Broker
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = brokerpkg.NewRedisBroker(redisClient)
	case "kafka":
		var err error
		messageBroker, err = brokerpkg.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID, log)
		if err != nil {
			log.Error("failed to create Kafka broker", "error", err)
			os.Exit(1)
		}
	default:
		// Caught by config validation; checked again as a safeguard.
		log.Error("invalid broker type", "type", cfg.Broker.Type)
		os.Exit(1)
	}
	defer messageBroker.Close()
	log.Info("message broker initialized", "type", messageBroker.Type())

	sessionHub := hub.New(store, log.With("component", "hub"))
	eventIntake := intake.New(store, messageBroker, nil, log.With("component", "intake"))

	var validator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		validator = websocket.NewJWTValidator(&cfg.Auth, redisClient, log.With("component", "auth"))
		log.Info("handshake authentication enabled")
	}

	wsHandler := websocket.NewHandler(sessionHub, validator, &cfg.Auth, &cfg.WebSocket, log.With("component", "websocket"))
	sseHandler := sse.NewHandler(messageBroker, time.Duration(cfg.SSE.HeartbeatInterval)*time.Second, log.With("component", "sse"))

	handlers := &server.Handlers{
		Store:       store,
		Intake:      eventIntake,
		Hub:         sessionHub,
		Detector:    blink.NewStubDetector(time.Now().UnixNano()),
		RequestMode: server.RequestMode(strings.ToLower(cfg.Rest.RequestMode)),
		Log:         log.With("component", "http"),
	}
	srv := server.New(&cfg.Server, handlers, sseHandler.ServeHTTP, http.HandlerFunc(wsHandler.HandleWebSocket), log.With("component", "http"))

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, log.With("component", "metrics"))
	}

	// The bridge runs for the process lifetime, re-emitting broker events
	// into the socket groups.
	eventBridge := bridge.New(messageBroker, sessionHub, log.With("component", "bridge"))
	go func() {
		if err := eventBridge.Run(ctx); err != nil {
			log.Error("bridge terminated", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("server terminated", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	cancel()
}
