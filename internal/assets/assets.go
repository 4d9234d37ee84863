package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crypto-payment-watcher-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	DefaultRpcBlockRange       = 1000
	DefaultRpcBlockRangeNative = 1200
)

var (
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrUnknownProduct = errors.New("unknown product")
)

var defaultDecimals = map[string]int32{
	"BTC":  8,
	"LTC":  8,
	"ETH":  18,
	"BNB":  18,
	"TRX":  6,
	"USDT": 6,
	"USDC": 6,
	"SHIB": 18,
	"TON":  9,
	"SOL":  9,
}

var defaultPriceIds = map[string]string{
	"BTC":  "bitcoin",
	"LTC":  "litecoin",
	"ETH":  "ethereum",
	"BNB":  "binancecoin",
	"TRX":  "tron",
	"USDT": "tether",
	"USDC": "usd-coin",
	"SHIB": "shiba-inu",
	"TON":  "the-open-network",
	"SOL":  "solana",
}

var stablecoins = map[string]bool{"USDT": true, "USDC": true}

type NetworkConfig struct {
	Code                string   `yaml:"code"`
	Title               string   `yaml:"title"`
	Type                string   `yaml:"type"`
	Address             string   `yaml:"address"`
	Decimals            *int32   `yaml:"decimals"`
	InvoiceDecimals     *int32   `yaml:"invoice_decimals"`
	Confirmations       int64    `yaml:"confirmations"`
	ApiBase             string   `yaml:"api_base"`
	ApiKey              string   `yaml:"api_key"`
	ChainId             int64    `yaml:"chain_id"`
	Contract            string   `yaml:"contract"`
	RpcUrl              string   `yaml:"rpc_url"`
	RpcUrls             []string `yaml:"rpc_urls"`
	RpcBlockRange       uint64   `yaml:"rpc_block_range"`
	RpcBlockRangeNative uint64   `yaml:"rpc_block_range_native"`
}

type AssetConfig struct {
	Code         string          `yaml:"code"`
	Title        string          `yaml:"title"`
	Decimals     *int32          `yaml:"decimals"`
	PriceId      string          `yaml:"price_id"`
	FixedUsdRate string          `yaml:"fixed_usd_rate"`
	Networks     []NetworkConfig `yaml:"networks"`
}

type DurationConfig struct {
	Days   int               `yaml:"days"`
	Prices map[string]string `yaml:"prices"`
}

type ProductConfig struct {
	Code      string           `yaml:"code"`
	Title     string           `yaml:"title"`
	Durations []DurationConfig `yaml:"durations"`
}

type AssetsConfig struct {
	Assets   []AssetConfig   `yaml:"assets"`
	Products []ProductConfig `yaml:"products"`
}

// LoadAssetConfig reads and parses the assets file, resolved against the working directory
func LoadAssetConfig(assetsFile string) (*AssetsConfig, error) {
	var assetsPath string
	if filepath.IsAbs(assetsFile) {
		assetsPath = assetsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		assetsPath = filepath.Join(wd, assetsFile)
	}

	data, err := os.ReadFile(assetsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", assetsFile, err)
	}

	return ParseAssetConfig(data)
}

func ParseAssetConfig(data []byte) (*AssetsConfig, error) {
	var config AssetsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse assets config: %w", err)
	}

	for i, asset := range config.Assets {
		if strings.TrimSpace(asset.Code) == "" {
			return nil, fmt.Errorf("asset at index %d missing code", i)
		}
		for j, network := range asset.Networks {
			if strings.TrimSpace(network.Code) == "" {
				return nil, fmt.Errorf("asset %s network at index %d missing code", asset.Code, j)
			}
		}
	}
	for i, product := range config.Products {
		if strings.TrimSpace(product.Code) == "" {
			return nil, fmt.Errorf("product at index %d missing code", i)
		}
	}

	return &config, nil
}

// NormalizeAssets applies defaults and precision rules to the configured assets.
// Networks with an unknown protocol type are dropped; assets left without networks are dropped.
func NormalizeAssets(configs []AssetConfig) ([]models.Asset, error) {
	result := make([]models.Asset, 0, len(configs))
	seen := make(map[string]bool)

	for _, ac := range configs {
		code := strings.ToUpper(strings.TrimSpace(ac.Code))
		if seen[code] {
			return nil, fmt.Errorf("duplicate asset %s", code)
		}
		seen[code] = true

		decimals := defaultDecimals[code]
		if ac.Decimals != nil {
			decimals = *ac.Decimals
		}
		if decimals < 0 {
			return nil, fmt.Errorf("asset %s has negative decimals", code)
		}

		asset := models.Asset{
			Code:     code,
			Title:    ac.Title,
			Decimals: decimals,
			PriceId:  ac.PriceId,
		}
		if asset.Title == "" {
			asset.Title = code
		}
		if asset.PriceId == "" {
			asset.PriceId = defaultPriceIds[code]
		}

		switch {
		case ac.FixedUsdRate != "":
			rate, err := decimal.NewFromString(ac.FixedUsdRate)
			if err != nil {
				return nil, fmt.Errorf("asset %s has invalid fixed_usd_rate %q: %w", code, ac.FixedUsdRate, err)
			}
			asset.FixedUsdRate = &rate
		case stablecoins[code]:
			rate := decimal.NewFromInt(1)
			asset.FixedUsdRate = &rate
		}

		networkCodes := make(map[string]bool)
		for _, nc := range ac.Networks {
			network, ok := normalizeNetwork(code, decimals, nc)
			if !ok {
				continue
			}
			if networkCodes[network.Code] {
				return nil, fmt.Errorf("asset %s has duplicate network %s", code, network.Code)
			}
			networkCodes[network.Code] = true
			asset.Networks = append(asset.Networks, network)
		}

		if len(asset.Networks) == 0 {
			zap.L().Warn("Asset has no usable networks, skipping", zap.String("asset", code))
			continue
		}
		result = append(result, asset)
	}

	return result, nil
}

func normalizeNetwork(assetCode string, assetDecimals int32, nc NetworkConfig) (models.Network, bool) {
	protocol := models.Protocol(strings.ToLower(strings.TrimSpace(nc.Type)))
	if !protocol.Valid() {
		zap.L().Warn("Unsupported network type, skipping",
			zap.String("asset", assetCode),
			zap.String("network", nc.Code),
			zap.String("type", nc.Type))
		return models.Network{}, false
	}

	decimals := assetDecimals
	if nc.Decimals != nil && *nc.Decimals >= 0 {
		decimals = *nc.Decimals
	}

	invoiceDecimals := decimals
	if nc.InvoiceDecimals != nil {
		invoiceDecimals = *nc.InvoiceDecimals
	}
	if invoiceDecimals > decimals {
		invoiceDecimals = decimals
	}
	if invoiceDecimals < 0 {
		invoiceDecimals = 0
	}

	confirmations := nc.Confirmations
	if confirmations < 1 {
		confirmations = 1
	}

	var rpcUrls []string
	for _, u := range append([]string{nc.RpcUrl}, nc.RpcUrls...) {
		u = strings.TrimSpace(u)
		if u != "" {
			rpcUrls = append(rpcUrls, u)
		}
	}

	blockRange := nc.RpcBlockRange
	if blockRange == 0 {
		blockRange = DefaultRpcBlockRange
	}
	nativeRange := nc.RpcBlockRangeNative
	if nativeRange == 0 {
		nativeRange = nc.RpcBlockRange
	}
	if nativeRange == 0 {
		nativeRange = DefaultRpcBlockRangeNative
	}

	code := strings.ToUpper(strings.TrimSpace(nc.Code))
	title := nc.Title
	if title == "" {
		title = code
	}

	return models.Network{
		Code:                code,
		Title:               title,
		AssetCode:           assetCode,
		Type:                protocol,
		Address:             strings.TrimSpace(nc.Address),
		Decimals:            decimals,
		InvoiceDecimals:     invoiceDecimals,
		Confirmations:       confirmations,
		ApiBase:             strings.TrimRight(strings.TrimSpace(nc.ApiBase), "/"),
		ApiKey:              nc.ApiKey,
		ChainId:             nc.ChainId,
		Contract:            strings.TrimSpace(nc.Contract),
		RpcUrls:             rpcUrls,
		RpcBlockRange:       blockRange,
		RpcBlockRangeNative: nativeRange,
	}, true
}

// NormalizeProducts converts the configured price list
func NormalizeProducts(configs []ProductConfig) ([]models.Product, error) {
	result := make([]models.Product, 0, len(configs))
	for _, pc := range configs {
		product := models.Product{Code: pc.Code, Title: pc.Title}
		for _, dc := range pc.Durations {
			if dc.Days <= 0 {
				return nil, fmt.Errorf("product %s has invalid duration %d", pc.Code, dc.Days)
			}
			duration := models.ProductDuration{Days: dc.Days, Prices: make(map[string]decimal.Decimal)}
			for currency, raw := range dc.Prices {
				price, err := decimal.NewFromString(raw)
				if err != nil {
					return nil, fmt.Errorf("product %s has invalid %s price %q: %w", pc.Code, currency, raw, err)
				}
				duration.Prices[strings.ToUpper(currency)] = price
			}
			product.Durations = append(product.Durations, duration)
		}
		result = append(result, product)
	}
	return result, nil
}
