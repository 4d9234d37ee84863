package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"crypto-payment-watcher-go/internal/common"
	"crypto-payment-watcher-go/internal/config"
	"crypto-payment-watcher-go/internal/database"
	"crypto-payment-watcher-go/internal/models"

	"go.uber.org/zap"
)

func printHistory(ctx context.Context, dbService *database.Service, orderId int64, logger *zap.Logger) {
	events, err := dbService.OrderHistory(ctx, orderId)
	if err != nil {
		logger.Error("Failed to load order history", zap.Int64("order_id", orderId), zap.Error(err))
		return
	}
	common.PrintHistory(orderId, events)
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Only show orders of this user (optional)")
	statusFlag := flag.String("status", "", "Only show orders with this status (optional)")
	orderFlag := flag.Int64("order", 0, "Show the status history of one order (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	snapshot, err := dbService.Snapshot(ctx)
	if err != nil {
		logger.Fatal("Failed to read orders", zap.Error(err))
	}

	common.PrintHeader("ORDER REPORT", common.WideWidth)
	common.PrintInventory(common.InventoryStats(snapshot))

	var orders []*models.Order
	byStatus := make(map[models.OrderStatus]int)
	for _, o := range snapshot.SortedOrders() {
		byStatus[o.Status]++
		if *userFlag != "" && o.UserId != *userFlag {
			continue
		}
		if *statusFlag != "" && string(o.Status) != *statusFlag {
			continue
		}
		orders = append(orders, o)
	}

	now := time.Now()
	common.PrintSection(fmt.Sprintf("Orders (%d)", len(orders)))
	for i, o := range orders {
		common.PrintOrder(o, i == len(orders)-1, now)
	}

	if *orderFlag > 0 {
		printHistory(ctx, dbService, *orderFlag, logger)
	}

	summary := fmt.Sprintf("SUMMARY: %d orders, %d awaiting payment, %d fulfilled, %d paid without key",
		len(snapshot.Orders),
		byStatus[models.StatusAwaitingPayment],
		byStatus[models.StatusFulfilled],
		byStatus[models.StatusPaidNoKey])
	common.PrintFooter(summary, common.WideWidth)
}
