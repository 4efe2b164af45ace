package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/events"
	"github.com/donateflow/simplepay-gateway/internal/gateway"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/simplepay"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

func main() {
	godotenv.Load()

	cfg := config.Load()

	log := logger.New("renewal-scheduler")
	if cfg.Gateway.Debug {
		log = logger.NewDebug("renewal-scheduler")
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

	client := simplepay.NewClient(cfg.Gateway, cfg.RequestTimeout)
	publisher := events.NewPublisher(cfg.EventCallbackURL)
	lifecycle := gateway.NewLifecycle(client, client.Signer(), db, cfg.Gateway, cfg.ReturnBaseURL, publisher, log)

	executor := NewExecutor(lifecycle, publisher, log)
	scheduler := NewScheduler(db, executor, cfg.Scheduler, log)
	scheduler.Start()

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(db, scheduler)).Methods("GET")
	r.HandleFunc("/trigger", triggerHandler(scheduler, log)).Methods("POST")
	r.HandleFunc("/status", statusHandler(scheduler)).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
	}

	go func() {
		log.Info("renewal scheduler listening", "port", cfg.Port, "enabled", cfg.Scheduler.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", "error", err)
	}

	log.Info("scheduler exiting")
}

func healthHandler(db *store.DB, scheduler *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "healthy"
		if err := db.Ping(); err != nil {
			dbStatus = "unhealthy"
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service":   "renewal-scheduler",
			"status":    "healthy",
			"running":   scheduler.IsRunning(),
			"timestamp": time.Now(),
			"dependencies": map[string]string{
				"database": dbStatus,
			},
		})
	}
}

func triggerHandler(scheduler *Scheduler, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()

		result, err := scheduler.TriggerManual(ctx)
		if err != nil {
			log.Error("manual trigger failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trigger failed"})
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func statusHandler(scheduler *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"running":     scheduler.IsRunning(),
			"last_result": scheduler.LastResult(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
