package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/donateflow/simplepay-gateway/internal/cache"
	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/events"
	"github.com/donateflow/simplepay-gateway/internal/gateway"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/simplepay"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

func main() {
	// Local development convenience; ignored when no .env file exists.
	godotenv.Load()

	cfg := config.Load()

	log := logger.New("gateway")
	if cfg.Gateway.Debug {
		log = logger.NewDebug("gateway")
	}
	defer log.Sync()

	if cfg.Gateway.MerchantID == "" || cfg.Gateway.SecretKey == "" {
		log.Fatal("SIMPLEPAY_MERCHANT_ID and SIMPLEPAY_SECRET_KEY must be configured")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatal("failed to ensure schema", "error", err)
	}

	replayGuard, err := cache.NewNotificationCache(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to Redis", "error", err)
	}
	defer replayGuard.Close()

	client := simplepay.NewClient(cfg.Gateway, cfg.RequestTimeout)
	publisher := events.NewPublisher(cfg.EventCallbackURL)
	lifecycle := gateway.NewLifecycle(client, client.Signer(), db, cfg.Gateway, cfg.ReturnBaseURL, publisher, log)

	server := &Server{
		lifecycle:   lifecycle,
		db:          db,
		replayGuard: replayGuard,
		events:      publisher,
		logger:      log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", server.healthCheck).Methods("GET")
	r.HandleFunc("/payments", server.createPayment).Methods("POST")
	r.HandleFunc("/subscriptions", server.createSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/cancel", server.cancelSubscription).Methods("POST")
	r.HandleFunc("/orders/{id}", server.getOrder).Methods("GET")
	r.HandleFunc("/orders/{id}/refund", server.refundOrder).Methods("POST")
	r.HandleFunc("/simplepay/return", server.handleBrowserReturn).Methods("GET")
	r.HandleFunc("/simplepay/redirect", server.handleOffsiteReturn).Methods("GET")
	r.HandleFunc("/simplepay/ipn", server.handleNotification).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "port", cfg.Port, "sandbox", cfg.Gateway.Sandbox)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", "error", err)
	}

	log.Info("server exiting")
}
