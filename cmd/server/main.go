package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/marketfair/settlements/internal/config"
	"github.com/marketfair/settlements/internal/database"
	"github.com/marketfair/settlements/internal/handlers"
	mW "github.com/marketfair/settlements/internal/middleware"
	"github.com/marketfair/settlements/internal/provider"
	"github.com/marketfair/settlements/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	// Stores
	db := database.MustConnect()
	defer db.Close()

	if err := database.EnsureSchema(db); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Services
	settlementCfg := config.LoadSettlementConfig()
	providerClient := provider.NewHTTPClient(config.LoadProviderConfig())

	ledger := services.NewLedgerStore(db)
	credits := services.NewCreditIntentStore(db)
	reconciler := services.NewCreditReconciler(db, ledger)
	intents := services.NewPaymentIntentRepository(db, ledger)
	settlements := services.NewSettlementService(ledger, intents, providerClient, redisClient, settlementCfg.EventQueue)

	handler := handlers.NewSettlementHandler(settlements, intents, ledger, credits, reconciler)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/settlements", handler.CreateSettlement)
			r.Get("/settlements/{intentId}", handler.GetSettlement)
			r.Post("/settlements/{intentId}/capture", handler.CaptureSettlement)
			r.Post("/settlements/{intentId}/refund", handler.RefundSettlement)
			r.Post("/settlements/{intentId}/reverse", handler.ReverseSettlement)

			r.Get("/owners/{ownerType}/{ownerId}/balance", handler.GetBalance)
			r.Get("/owners/{ownerType}/{ownerId}/ledger", handler.GetHistory)

			r.Post("/credits", handler.EnqueueCredit)
			r.Post("/reconcile", handler.Reconcile)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
