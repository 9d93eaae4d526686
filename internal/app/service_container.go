package app

import (
	"context"
	"fmt"
	"strings"

	"payswap-backend/internal/chain"
	"payswap-backend/internal/clients"
	"payswap-backend/internal/config"
	"payswap-backend/internal/db"
	"payswap-backend/internal/handlers"
	"payswap-backend/internal/middleware"
	"payswap-backend/internal/repository"
	"payswap-backend/internal/services"
	"payswap-backend/internal/webhook"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer owns every long-lived component of the process.
type ServiceContainer struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger

	// Repositories
	PaymentRepo  repository.PaymentRepository
	ReceiptRepo  repository.ReceiptRepository
	SwapJobRepo  repository.SwapJobRepository
	IdentityRepo repository.IdentityRepository

	// External clients
	KeyClient     *clients.KeyClient
	CustodyClient *clients.CustodyClient
	BlobClient    *clients.BlobClient
	Publisher     clients.EventPublisher
	ReceiptReader *chain.ReceiptReader

	// Core services
	PushService   *services.WebSocketPushService
	Verifier      *webhook.Verifier
	Normalizer    *webhook.Normalizer
	Ledger        *services.PaymentLedger
	ReceiptWriter *services.ReceiptWriter
	Scheduler     *services.AutoSwapScheduler
	WorkerPool    *services.AutoSwapWorkerPool
	Ingestor      *services.Ingestor
	LookupService *services.LookupService

	// HTTP
	WebhookHandler   *handlers.WebhookHandler
	PaymentHandler   *handlers.PaymentHandler
	HealthHandler    *handlers.HealthHandler
	WebSocketHandler *handlers.WebSocketHandler
	AuthMiddleware   *middleware.AuthMiddleware
	LocalhostOnly    *middleware.LocalhostOnly
}

// NewServiceContainer wires repositories, clients, services and handlers
// on top of an open database.
func NewServiceContainer(cfg *config.Config, conn *gorm.DB, log *logrus.Logger) (*ServiceContainer, error) {
	c := &ServiceContainer{Config: cfg, DB: conn, Logger: log}

	log.Info("📦 Initializing repositories...")
	c.PaymentRepo = repository.NewPaymentRepository(conn)
	c.ReceiptRepo = repository.NewReceiptRepository(conn)
	c.SwapJobRepo = repository.NewSwapJobRepository(conn)
	c.IdentityRepo = repository.NewIdentityRepository(conn)

	if err := c.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := c.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	c.initHandlers()

	log.Info("✅ Service container initialized")
	return c, nil
}

func (c *ServiceContainer) initClients() error {
	cfg := c.Config
	c.KeyClient = clients.NewKeyClient(cfg.Webhook)
	c.BlobClient = clients.NewBlobClient(cfg.BlobStore, c.Logger)
	c.ReceiptReader = chain.NewReceiptReader(cfg.Chains.RPC)

	if cfg.AutoSwap.Enabled {
		custody, err := clients.NewCustodyClient(cfg.Custody)
		if err != nil {
			return err
		}
		c.CustodyClient = custody
	}

	c.Publisher = clients.NoopPublisher{}
	if cfg.NATS.Enabled {
		nc, err := clients.NewNATSClient(cfg.NATS, c.Logger)
		if err != nil {
			// Events are a side channel; ingestion runs without them.
			c.Logger.WithError(err).Warn("⚠️ NATS unavailable, domain events disabled")
		} else {
			c.Publisher = nc
		}
	}
	return nil
}

func (c *ServiceContainer) initServices() error {
	cfg := c.Config
	log := c.Logger

	c.PushService = services.NewWebSocketPushService(log)
	c.Verifier = webhook.NewVerifier(c.KeyClient, webhook.NewKeyCache(), log)
	c.Normalizer = webhook.NewNormalizer(cfg.Assets.TokenIDs, cfg.Assets.Ambiguous)
	c.Ledger = services.NewPaymentLedger(c.PaymentRepo, c.IdentityRepo, cfg.IsChainSupported, c.Publisher, c.PushService, log)
	c.ReceiptWriter = services.NewReceiptWriter(c.ReceiptRepo, c.PaymentRepo, c.BlobClient, cfg.Chains.Explorers, log)
	c.Scheduler = services.NewAutoSwapScheduler(c.SwapJobRepo, cfg.AutoSwap, log)
	c.Ingestor = services.NewIngestor(c.Verifier, c.Normalizer, c.Ledger, c.ReceiptWriter, c.Scheduler, log)
	c.LookupService = services.NewLookupService(c.IdentityRepo, c.PaymentRepo, c.ReceiptRepo, c.BlobClient.URL)

	if !cfg.AutoSwap.Enabled {
		return nil
	}
	quoter, err := chain.NewFixedRateQuoter(cfg.AutoSwap.QuoteRate, 18, cfg.AutoSwap.TargetTokenDecimals)
	if err != nil {
		return fmt.Errorf("autoswap.quoteRate: %w", err)
	}

	deps := services.AutoSwapDeps{
		Jobs:       c.SwapJobRepo,
		Payments:   c.PaymentRepo,
		Identities: c.IdentityRepo,
		Custody:    c.CustodyClient,
		Quoter:     quoter,
		Receipts:   c.ReceiptWriter,
		Publisher:  c.Publisher,
		Notifier:   c.PushService,
	}
	if len(cfg.Chains.RPC) > 0 {
		deps.Outcomes = c.ReceiptReader
	}
	pool, err := services.NewAutoSwapWorkerPool(deps, cfg.AutoSwap, strings.ToUpper(cfg.Custody.FeeLevel), log)
	if err != nil {
		return err
	}
	c.WorkerPool = pool
	return nil
}

func (c *ServiceContainer) initHandlers() {
	c.WebhookHandler = handlers.NewWebhookHandler(c.Ingestor, c.Config.Webhook, c.Logger)
	c.PaymentHandler = handlers.NewPaymentHandler(c.LookupService, c.Logger)
	c.HealthHandler = handlers.NewHealthHandler(func(ctx context.Context) error { return db.Ping(c.DB) })
	c.WebSocketHandler = handlers.NewWebSocketHandler(c.PushService)
	c.AuthMiddleware = middleware.NewAuthMiddleware(c.Logger, c.Config.Auth.JWTSecret)
	c.LocalhostOnly = middleware.NewLocalhostOnly(c.Logger, c.Config.Admin.AllowedIPs)
}

// StartWorkers launches the AutoSwap pool when it is enabled.
func (c *ServiceContainer) StartWorkers(ctx context.Context) {
	if c.WorkerPool == nil {
		c.Logger.Info("⏸️ AutoSwap disabled, worker pool not started")
		return
	}
	c.WorkerPool.Start(ctx)
}

// Close stops workers first so in-flight settlements finish before the
// publisher and database go away.
func (c *ServiceContainer) Close() {
	if c.WorkerPool != nil {
		c.WorkerPool.Stop()
	}
	if c.PushService != nil {
		c.PushService.Close()
	}
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.ReceiptReader != nil {
		c.ReceiptReader.Close()
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
