// Package main provides the main entry point for the Oryx settlement service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/oryxmarket/oryx/app/dispatch"
	"github.com/oryxmarket/oryx/app/handlers"
	"github.com/oryxmarket/oryx/app/middleware"
	"github.com/oryxmarket/oryx/app/router"
	"github.com/oryxmarket/oryx/app/scheduler"
	"github.com/oryxmarket/oryx/app/services"
	businessflow "github.com/oryxmarket/oryx/business_flow"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/repository"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	log.Println("Starting Oryx settlement service...")

	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize application
	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Graceful shutdown of the HTTP surface first so no new callbacks are
	// accepted while the workers drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	// Stop background workers (settlement bridge, basket sweeper, cache monitor)
	for _, fn := range app.stopFuncs {
		fn()
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pooling
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test the connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity.
// Returns a nil client when caching is disabled; ProductCache treats a nil
// client as a permanent miss.
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB if provided in config
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if client == nil {
		return cancel
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeNotifier wires the bot gateway notifier, or a stdout mock when no
// gateway is configured
func initializeNotifier(cfg config.GatewayConfig) services.Notifier {
	if cfg.BaseURL == "" {
		log.Println("No gateway configured, outcome notifications go to the log")
		return services.NewMockNotifier()
	}
	return services.NewGatewayNotifier(cfg.BaseURL, cfg.OperatorChatID, cfg.Timeout)
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()

	// Initialize database
	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	cancel := startCacheHealthMonitor(context.Background(), rc, cfg.Cache.DefaultTTL)
	stopFuncs = append(stopFuncs, cancel)

	// Initialize repositories
	customerRepo := repository.NewCustomerRepository(db)
	productRepo := repository.NewProductRepository(db)
	basketRepo := repository.NewBasketRepository(db)
	depositRepo := repository.NewPendingDepositRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)
	discountRepo := repository.NewDiscountCodeRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	transactor := repository.NewGormTransactor(db)

	// Initialize services
	notifier := initializeNotifier(cfg.Gateway)
	provider := services.NewNOWPaymentsClient(cfg.Payments.BaseURL, cfg.Payments.APIKey, cfg.Payments.RequestTimeout)
	productCache := services.NewProductCache(rc, cfg.Cache.DefaultTTL)

	// Initialize token service
	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	log.Printf("Token service initialized with issuer: %s, audience: %s", cfg.JWT.Issuer, cfg.JWT.Audience)

	// Initialize flows
	checkoutFlow := businessflow.NewCheckoutFlow(
		productRepo,
		basketRepo,
		depositRepo,
		walletRepo,
		customerRepo,
		discountRepo,
		auditRepo,
		provider,
		productCache,
		transactor,
		cfg.Payments,
		cfg.Basket,
	)

	reconciliationFlow := businessflow.NewReconciliationFlow(
		depositRepo,
		productRepo,
		basketRepo,
		walletRepo,
		customerRepo,
		purchaseRepo,
		transactionRepo,
		discountRepo,
		auditRepo,
		notifier,
		productCache,
		transactor,
		cfg.Payments,
	)

	// Settlement bridge: callbacks are applied one at a time so out-of-order
	// redeliveries for the same payment never race each other.
	bridge := dispatch.NewBridge(cfg.Payments.BridgeQueueSize, cfg.Payments.BridgeTimeout)
	stopBridge := bridge.Start(context.Background())
	stopFuncs = append(stopFuncs, stopBridge)

	// Reservation expiry sweeper
	sweeper := scheduler.NewBasketSweeper(
		basketRepo,
		productRepo,
		depositRepo,
		auditRepo,
		transactor,
		cfg.Basket.TTL,
		cfg.Basket.SweepInterval,
	)
	stopSweeper := sweeper.Start(context.Background())
	stopFuncs = append(stopFuncs, stopSweeper)

	// Initialize handlers
	basketHandler := handlers.NewBasketHandler(checkoutFlow)
	paymentHandler := handlers.NewPaymentHandler(checkoutFlow)
	webhookHandler := handlers.NewWebhookHandler(reconciliationFlow, bridge, cfg.Payments)

	// Initialize auth middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenService)

	// Initialize router
	appRouter := router.NewFiberRouter(
		basketHandler,
		paymentHandler,
		webhookHandler,
		authMiddleware,
		cfg,
	)

	fiberRouter := appRouter.(*router.FiberRouter)
	application := &Application{
		router:    fiberRouter,
		config:    cfg,
		server:    fiberRouter.GetApp(),
		stopFuncs: stopFuncs,
	}

	return application, nil
}
