package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinic/ticketing-service/internal/billing"
	"clinic/ticketing-service/internal/config"
	"clinic/ticketing-service/internal/database"
	"clinic/ticketing-service/internal/directory"
	"clinic/ticketing-service/internal/dispatch"
	"clinic/ticketing-service/internal/httpapi"
	"clinic/ticketing-service/internal/hub"
	"clinic/ticketing-service/internal/notify"
	"clinic/ticketing-service/internal/scheduler"
	"clinic/ticketing-service/internal/store"
	"clinic/ticketing-service/internal/store/postgres"
	"clinic/ticketing-service/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("ticketing-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := database.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := database.Migrate(pool); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
	}

	queueStore := postgres.NewStore(pool)
	broadcastHub := hub.New()

	var lookup directory.Lookup = directory.NopLookup{}
	if cfg.DirectoryURL != "" {
		lookup = directory.NewHTTPLookup(cfg.DirectoryURL, 5*time.Second)
	}
	var refunder billing.RefundRequester = billing.LogRefunder{}
	if cfg.BillingURL != "" {
		refunder = billing.NewHTTPRefunder(cfg.BillingURL, cfg.BillingToken, 5*time.Second)
	}

	dispatcher := dispatch.New(queueStore, broadcastHub, lookup, refunder, dispatch.Options{
		ExpiryPolicy: store.ExpiryPolicy{
			CutoverHour: cfg.CutoverHour,
			MaxOpen:     time.Duration(cfg.MaxOpenHours) * time.Hour,
		},
	})

	handler := httpapi.NewHandler(dispatcher)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:         cfg.RateLimitPerMinute,
		IPBurst:             cfg.RateLimitBurst,
		DepartmentPerMinute: cfg.DepartmentRateLimitPerMinute,
		DepartmentBurst:     cfg.DepartmentRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", httpapi.RealtimeHandler("/realtime", broadcastHub))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "ticketing-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("ticketing-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	if cfg.AutoCloseInterval > 0 {
		go scheduler.New(dispatcher, cfg.AutoCloseInterval).Run(ctx)
	}

	if cfg.NotifyInterval > 0 {
		provider := notify.NewProvider(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken)
		worker := notify.NewWorker(queueStore, broadcastHub, notify.Config{
			BatchSize: cfg.NotifyBatchSize,
			Provider:  provider,
		})
		go notify.Start(ctx, cfg.NotifyInterval, worker)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
