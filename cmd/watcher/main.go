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
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto-payment-watcher-go/internal/api"
	"crypto-payment-watcher-go/internal/common"
	"crypto-payment-watcher-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	assetsFile := flag.String("assets", "", "Path to assets.yaml (default: ASSETS_FILE or assets.yaml)")
	noApi := flag.Bool("no-api", false, "Run the invoice poller without the HTTP API")
	flag.Parse()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *assetsFile != "" {
		cfg.Listener.AssetsFile = *assetsFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting crypto payment watcher")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.Listener.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start invoice listener", zap.Error(err))
	}

	var server *api.Server
	if !*noApi {
		server = api.NewServer(cfg.Api.ListenAddr, services.Api.Router())
		if err := server.Start(); err != nil {
			services.Listener.Stop()
			zap.L().Fatal("Failed to start HTTP API", zap.Error(err))
		}
	}

	for _, asset := range services.Registry.Assets() {
		networks := make([]string, 0, len(asset.Networks))
		for _, n := range asset.Networks {
			networks = append(networks, n.Code)
		}
		zap.L().Info("Accepting asset",
			zap.String("asset", asset.Code),
			zap.Strings("networks", networks))
	}

	zap.L().Info("Watcher running",
		zap.Int("networks", len(services.Registry.Networks())),
		zap.Int("products", len(services.Registry.Products())),
		zap.Duration("polling_interval", cfg.Listener.PollingInterval))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("HTTP API shutdown incomplete", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		services.Listener.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Watcher stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
