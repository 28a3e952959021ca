package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"collabsync/backend/config"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/httpapi"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/persistence"
	"collabsync/backend/internal/ratelimit"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

func newLogger(cfg *config.CollabConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production() || strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newVerifier(cfg *config.CollabConfig) auth.Verifier {
	if cfg.Auth.Path != "" {
		return auth.NewRemoteVerifier(cfg.Auth.Path, cfg.Auth.Timeout)
	}
	return auth.NewJWTVerifier(cfg.Auth.JWTSecret)
}

func newPresence(ctx context.Context, cfg *config.CollabConfig, log *slog.Logger) (cache.PresenceCache, func()) {
	if len(cfg.Redis.Addrs) == 0 {
		log.Info("redis not configured, presence disabled")
		return nil, func() {}
	}
	// single address gives a plain client, several a cluster client
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, presence disabled", slog.Any("err", err))
		_ = rdb.Close()
		return nil, func() {}
	}
	return cache.NewRedisPresence(rdb), func() { _ = rdb.Close() }
}

func newEvents(cfg *config.CollabConfig, log *slog.Logger) (collab.EventPublisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return collab.NopPublisher{}, func() {}
	}
	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Warn("kafka unavailable, document events disabled", slog.Any("err", err))
		return collab.NopPublisher{}, func() {}
	}
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
		log,
	)
	return dispatcher, func() {
		dispatcher.Close()
		_ = producer.Close()
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenMySQL(store.MySQLOptions{
		DSN:          cfg.Mysql.DSN,
		MaxOpenConns: cfg.Mysql.MaxOpenConns,
		MaxIdleConns: cfg.Mysql.MaxIdleConns,
		ConnMaxLife:  cfg.Mysql.ConnMaxLife,
	})
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	documents := store.NewDocumentStore(db)
	if cfg.Mysql.AutoMigrate {
		if err := documents.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	collector := metrics.NewCollector()
	adapter := persistence.NewAdapter(documents, persistence.Options{
		LoadTimeout:   cfg.Collab.LoadTimeout,
		SaveTimeout:   cfg.Collab.SaveTimeout,
		SlowOperation: cfg.Collab.SlowOperation,
	}, collector, log)

	presence, closePresence := newPresence(ctx, cfg, log)
	defer closePresence()
	events, closeEvents := newEvents(cfg, log)
	defer closeEvents()

	registry := collab.NewRegistry(
		crdt.UpdateLog{MaxUpdateSize: cfg.Collab.MaxUpdateBytes},
		adapter,
		collab.WithEvents(events),
		collab.WithLogger(log),
		collab.WithMetrics(collector),
	)
	collector.TrackRooms(registry.Len)

	scheduler := collab.NewScheduler(registry, collab.SchedulerOptions{
		Tick:         cfg.Collab.AutosaveTick,
		SaveInterval: cfg.Collab.SaveInterval,
		Parallelism:  cfg.Collab.SaveParallelism,
		SaveTimeout:  cfg.Collab.SaveTimeout,
	}, log)
	scheduler.Start()

	manager := ws.NewManager(ws.ManagerDeps{
		Registry: registry,
		Docs:     adapter,
		Verifier: newVerifier(cfg),
		Limits:   ratelimit.NewSet(cfg.RateLimits()),
		Presence: presence,
		Metrics:  collector,
		LoadSem:  collab.NewSemaphoreControl(cfg.Collab.MaxConcurrentIO),
		Log:      log,
	}, ws.Options{
		SendBuffer:      cfg.Collab.SendBuffer,
		MaxMessageBytes: cfg.Collab.MaxMessageBytes,
		WriteWait:       cfg.Collab.WriteWait,
		PongWait:        cfg.Collab.PongWait,
		PresenceTTL:     cfg.Collab.PresenceTTL,
		AllowedOrigins:  cfg.Collab.AllowedOrigins,
		Production:      cfg.Production(),
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Sockets:        manager,
		Metrics:        collector,
		Presence:       presence,
		AllowedOrigins: cfg.Collab.AllowedOrigins,
		Log:            log,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("collab server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Collab.ShutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("err", err))
	}
	scheduler.Stop()
	if err := manager.CloseAll(shutdownCtx); err != nil {
		log.Warn("closing connections", slog.Any("err", err))
	}
	if err := registry.FlushAll(shutdownCtx); err != nil {
		log.Error("final flush incomplete", slog.Any("err", err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("collab server exited", slog.Any("err", err))
		os.Exit(1)
	}
}
