package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"crypto-payment-watcher-go/internal/api"
	"crypto-payment-watcher-go/internal/assets"
	"crypto-payment-watcher-go/internal/chain"
	"crypto-payment-watcher-go/internal/database"
	"crypto-payment-watcher-go/internal/fulfillment"
	"crypto-payment-watcher-go/internal/invoice"
	"crypto-payment-watcher-go/internal/listener"
	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/notifier"
	"crypto-payment-watcher-go/internal/pricing"
	"crypto-payment-watcher-go/internal/rpcpool"
	"crypto-payment-watcher-go/internal/transport"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService   *database.Service
	Registry    *assets.Registry
	Router      *chain.Router
	Pricing     *pricing.Service
	Notifier    notifier.Notifier
	Invoices    *invoice.Service
	Fulfillment *fulfillment.Engine
	Listener    *listener.InvoiceListener
	Api         *api.OrderService
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires the store, chain adapters, collaborators, poller and API
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Loading assets", zap.String("file", cfg.Listener.AssetsFile))
	registry, err := assets.LoadRegistry(cfg.Listener.AssetsFile)
	if err != nil {
		dbService.Close()
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	client, err := transport.NewClient(cfg.Chain.HttpTimeout, cfg.Chain.ExplorerRateLimit)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	router, err := chain.NewRouter(registry.Networks(), chain.Deps{
		Http: client,
		Pool: rpcpool.Config{
			Cooldown:    cfg.Chain.RpcCooldown,
			HeightTtl:   cfg.Chain.RpcBlockCacheTtl,
			CallTimeout: cfg.Chain.HttpTimeout,
			HttpClient:  client.HttpClient(),
		},
		TipCacheTtl: cfg.Chain.UtxoTipCacheTtl,
	})
	if err != nil {
		dbService.Close()
		return nil, fmt.Errorf("failed to build chain adapters: %w", err)
	}

	prices, err := pricing.NewService(cfg.Pricing, client)
	if err != nil {
		router.Close()
		dbService.Close()
		return nil, err
	}

	var n notifier.Notifier = notifier.NewLogNotifier()
	if cfg.Notifier.WebhookUrl != "" || cfg.Notifier.AdminWebhookUrl != "" {
		n = notifier.NewWebhookNotifier(cfg.Notifier, client)
	}

	invoices := invoice.NewService(cfg.Invoice, dbService, registry, prices, router, n)
	engine := fulfillment.NewEngine(dbService, n)
	invoiceListener := listener.NewInvoiceListener(listener.InvoiceListenerConfig{
		Store:           dbService,
		Registry:        registry,
		Finder:          router,
		Engine:          engine,
		Notifier:        n,
		PollingInterval: cfg.Listener.PollingInterval,
	})
	orderService := api.NewOrderService(cfg.Api, dbService, invoices, invoiceListener, engine)

	return &Services{
		DbService:   dbService,
		Registry:    registry,
		Router:      router,
		Pricing:     prices,
		Notifier:    n,
		Invoices:    invoices,
		Fulfillment: engine,
		Listener:    invoiceListener,
		Api:         orderService,
	}, nil
}

// InitializeDatabaseOnly initializes just the database service
// Useful for operator tools like key import and reports
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.Router != nil {
		cs.Router.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
