/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/common"
	"crypto-payment-watcher-go/internal/config"
	"crypto-payment-watcher-go/internal/store"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	file := flag.String("file", "", "Path to the keys file (required)")
	format := flag.String("format", "", "Keys file format: txt or json (default: from file extension)")
	productCode := flag.String("product", "", "Product code for keys that do not name one")
	days := flag.Int("days", 0, "Duration in days for keys that do not name one")
	flag.Parse()

	if *file == "" {
		fmt.Println("Usage: importkeys --file keys.txt --product vpn --days 30")
		os.Exit(1)
	}
	if *format == "" {
		*format = strings.TrimPrefix(strings.ToLower(filepath.Ext(*file)), ".")
	}
	if *format == "txt" && (*productCode == "" || *days <= 0) {
		logger.Fatal("--product and --days are required for txt files")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatal("Failed to read keys file", zap.String("file", *file), zap.Error(err))
	}
	entries, err := parseKeys(data, *format, *productCode, *days)
	if err != nil {
		logger.Fatal("Failed to parse keys file", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var stats importStats
	var pools []common.PoolStats
	err = dbService.Transact(ctx, func(l *store.Ledger) error {
		var err error
		stats, err = addKeys(l, entries, time.Now())
		if err != nil {
			return err
		}
		pools = common.InventoryStats(l)
		return nil
	})
	if err != nil {
		logger.Fatal("Failed to import keys", zap.Error(err))
	}

	common.PrintHeader("KEY IMPORT", common.DefaultWidth)
	fmt.Printf("Added:      %d\n", stats.added)
	fmt.Printf("Duplicates: %d\n", stats.duplicates)
	fmt.Printf("Invalid:    %d\n", stats.invalid)
	common.PrintInventory(pools)
	waiting := 0
	for _, p := range pools {
		waiting += p.Waiting
	}
	if waiting > 0 {
		fmt.Printf("\n%d paid orders are waiting for keys and will be fulfilled at the next watcher start\n", waiting)
	}
	common.PrintFooter(fmt.Sprintf("Imported %d of %d keys", stats.added, len(entries)), common.DefaultWidth)

	logger.Info("Key import completed",
		zap.Int("added", stats.added),
		zap.Int("duplicates", stats.duplicates),
		zap.Int("invalid", stats.invalid))
}
