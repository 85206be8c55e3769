package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrow-service/config"
	"escrow-service/internal/api"
	"escrow-service/internal/broker"
	"escrow-service/internal/models"
	"escrow-service/internal/payment"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/util"
	"escrow-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// backingStore is everything the service needs from persistence.
type backingStore interface {
	service.TransactionStore
	service.ReviewStore
	service.ProcessedEventStore
	service.ProductStore
	worker.ChatStore
	worker.NotificationStore
	api.Pinger
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting escrow service")

	tp, err := util.InitTracer("escrow-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var db backingStore
	var redisClient *redisclient.Client

	switch cfg.Server.StoreDriver {
	case "memory":
		ms := store.NewMemoryStore()
		seedDevData(ms)
		db = ms
		log.Println("Using in-memory store")

	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		log.Println("Database connected")

		if cfg.Database.AutoMigrate {
			if err := store.Migrate(context.Background(), pg.GetDB().DB, "up"); err != nil {
				log.Fatalf("Failed to migrate database: %v", err)
			}
			log.Println("Database migrated")
		}
		db = pg

		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis connected")
	}

	chatRecorder := worker.NewChatRecorder(db)
	adminNotifier := worker.NewAdminNotifier(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var publisher service.EventPublisher
	var stops []func() error

	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		log.Println("Kafka producer initialized")
		publisher = broker.NewEventPublisher(producer, cfg.Kafka.TopicChat, cfg.Kafka.TopicNotifications)

		chatConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChat, cfg.Kafka.ConsumerGroup)
		chatWorker := worker.NewChatWorker(chatConsumer, chatRecorder)
		go func() {
			if err := chatWorker.Start(workerCtx); err != nil {
				log.Printf("Chat worker error: %v", err)
			}
		}()

		notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup+"-notifications")
		notificationWorker := worker.NewNotificationWorker(notificationConsumer, adminNotifier)
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil {
				log.Printf("Notification worker error: %v", err)
			}
		}()

		stops = append(stops, chatWorker.Stop, notificationWorker.Stop)
	} else {
		publisher = worker.NewInlinePublisher(chatRecorder, adminNotifier)
		log.Println("Kafka disabled, delivering events in-process")
	}

	gateway := payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	fees := service.NewFeeCalculator(cfg.Business.FeeRate, cfg.Business.MinimumFee)
	checkout := service.CheckoutConfig{
		Currency:   cfg.Stripe.Currency,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
		LockTTL:    time.Duration(cfg.Business.CheckoutLockSeconds) * time.Second,
	}
	dedupTTL := time.Duration(cfg.Business.WebhookDedupTTLHour) * time.Hour

	var catalog *service.CatalogClient
	var escrowService *service.EscrowService
	var paymentService *service.PaymentService
	if redisClient != nil {
		catalog = service.NewCatalogClient(db, redisClient, time.Duration(cfg.Business.PriceCacheSeconds)*time.Second)
		escrowService = service.NewEscrowService(db, catalog, gateway, publisher, fees, checkout).WithLocker(redisClient)
		paymentService = service.NewPaymentService(gateway, escrowService, db, redisClient, dedupTTL).
			WithClaimTTL(time.Duration(cfg.Business.WebhookClaimSeconds) * time.Second)
	} else {
		catalog = service.NewCatalogClient(db, nil, 0)
		escrowService = service.NewEscrowService(db, catalog, gateway, publisher, fees, checkout)
		paymentService = service.NewPaymentService(gateway, escrowService, db, nil, dedupTTL)
	}
	reviewService := service.NewReviewService(db)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(escrowService, paymentService, reviewService, cfg.Business.ConflictRetries).
		WithReadinessCheck("store", db)
	if redisClient != nil {
		handler.WithReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	for _, stop := range stops {
		if err := stop(); err != nil {
			log.Printf("Worker stop error: %v", err)
		}
	}

	log.Println("Server exited")
}

// seedDevData gives the in-memory mode a marketplace to click through.
func seedDevData(ms *store.MemoryStore) {
	now := time.Now().UTC()
	ms.PutUser(&models.User{ID: "dev-buyer", Email: "buyer@example.com", DisplayName: "Dev Buyer", CreatedAt: now})
	ms.PutUser(&models.User{ID: "dev-seller", Email: "seller@example.com", DisplayName: "Dev Seller", CreatedAt: now})
	ms.PutUser(&models.User{ID: "dev-admin", Email: "agent@example.com", DisplayName: "Escrow Agent", IsAdmin: true, CreatedAt: now})
	ms.PutProduct(&models.Product{
		ID:        "dev-channel",
		SellerID:  "dev-seller",
		Name:      "Cooking channel, 120k subscribers",
		Price:     decimal.NewFromInt(40),
		CreatedAt: now,
	})
}
