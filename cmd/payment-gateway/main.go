package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/audit"
	"github.com/AnuragDani/payment-gateway/internal/cache"
	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/database"
	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/orders"
	"github.com/AnuragDani/payment-gateway/internal/processor"
	"github.com/AnuragDani/payment-gateway/internal/tokens"
	"github.com/AnuragDani/payment-gateway/internal/webhook"
	ws "github.com/AnuragDani/payment-gateway/internal/websocket"
)

const serviceName = "payment-gateway"

func main() {
	log := logger.New(serviceName)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DatabasePool.MaxOpenConns,
		MaxIdleConns:    cfg.DatabasePool.MaxIdleConns,
		ConnMaxLifetime: cfg.DatabasePool.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("failed to connect to database", "url", config.MaskConnectionString(cfg.DatabaseURL), "error", err)
	}
	defer db.Close()

	if err := database.MigrateUp(db); err != nil {
		log.Fatal("failed to migrate database", "error", err)
	}

	// Connect to Redis
	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	// Operations feed
	hub := ws.NewHub(log.With("component", "ws-hub"))
	go hub.Run(ctx)

	sinks := []events.Sink{hub}
	if cfg.EventsWebhookURL != "" {
		sinks = append(sinks, events.NewPublisher(cfg.EventsWebhookURL))
	}
	fanout := events.NewFanout(log.With("component", "events"), sinks...)

	var archiver audit.Archiver = audit.NopArchiver{}
	if cfg.Audit.Enabled() {
		s3Archiver, err := audit.NewS3Archiver(ctx, cfg.Audit)
		if err != nil {
			log.Fatal("failed to configure audit archive", "error", err)
		}
		archiver = s3Archiver
		log.Info("audit archive enabled", "bucket", cfg.Audit.Bucket)
	}

	client := processor.NewClient(cfg.ProcessorURL, processor.Credentials{
		CompanyID: cfg.ProcessorCompanyID,
		APIKey:    cfg.ProcessorAPIKey,
	}, cfg.ProcessorTimeout, cfg.Gateway.Currencies)

	handler := newHandler(cfg, components{
		Ledger:    ledger.NewPostgresStore(db.Conn),
		Tokens:    tokens.NewPostgresStore(db.Conn),
		Orders:    orders.NewPostgresStore(db.Conn),
		Inbox:     webhook.NewPostgresInbox(db.Conn),
		Processor: client,
		Claims:    redisClient,
		Responses: redisClient,
		Archiver:  archiver,
		Notifier:  fanout,
		Hub:       hub,
		Checks: map[string]func(ctx context.Context) error{
			"database": db.Ping,
			"redis":    redisClient.Ping,
		},
		Details: map[string]func() interface{}{
			"database_pool": func() interface{} { return db.Stats() },
		},
	}, log)

	// Processor calls may take up to the processor timeout, so the write
	// timeout must outlast it.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProcessorTimeout + 15*time.Second,
	}

	go func() {
		log.Info("payment gateway listening",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"processor_url", cfg.ProcessorURL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	handler.sweeper.Start()

	<-ctx.Done()

	log.Info("shutting down server")
	handler.sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	fanout.Wait()

	log.Info("server exiting")
}
