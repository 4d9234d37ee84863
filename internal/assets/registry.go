package assets

import (
	"fmt"
	"strings"

	"crypto-payment-watcher-go/internal/models"
)

// Registry is a read-only lookup over the configured assets, networks and products
type Registry struct {
	assets   []models.Asset
	byCode   map[string]int
	products map[string]models.Product
}

func NewRegistry(assets []models.Asset, products []models.Product) *Registry {
	r := &Registry{
		assets:   assets,
		byCode:   make(map[string]int, len(assets)),
		products: make(map[string]models.Product, len(products)),
	}
	for i, a := range assets {
		r.byCode[a.Code] = i
	}
	for _, p := range products {
		r.products[p.Code] = p
	}
	return r
}

// LoadRegistry loads and normalizes the assets file
func LoadRegistry(assetsFile string) (*Registry, error) {
	cfg, err := LoadAssetConfig(assetsFile)
	if err != nil {
		return nil, err
	}
	return buildRegistry(cfg)
}

func buildRegistry(cfg *AssetsConfig) (*Registry, error) {
	normalized, err := NormalizeAssets(cfg.Assets)
	if err != nil {
		return nil, err
	}
	products, err := NormalizeProducts(cfg.Products)
	if err != nil {
		return nil, err
	}
	return NewRegistry(normalized, products), nil
}

func (r *Registry) Assets() []models.Asset {
	return r.assets
}

// Networks returns every configured network across all assets
func (r *Registry) Networks() []models.Network {
	var result []models.Network
	for _, a := range r.assets {
		result = append(result, a.Networks...)
	}
	return result
}

func (r *Registry) Asset(code string) (models.Asset, error) {
	i, ok := r.byCode[strings.ToUpper(code)]
	if !ok {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, code)
	}
	return r.assets[i], nil
}

// Resolve returns the asset and one of its networks
func (r *Registry) Resolve(assetCode, networkCode string) (models.Asset, models.Network, error) {
	asset, err := r.Asset(assetCode)
	if err != nil {
		return models.Asset{}, models.Network{}, err
	}
	network, ok := asset.Network(strings.ToUpper(networkCode))
	if !ok {
		return models.Asset{}, models.Network{}, fmt.Errorf("%w: %s/%s", ErrUnknownNetwork, assetCode, networkCode)
	}
	return asset, network, nil
}

func (r *Registry) Product(code string) (models.Product, error) {
	p, ok := r.products[code]
	if !ok {
		return models.Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, code)
	}
	return p, nil
}

func (r *Registry) Products() []models.Product {
	result := make([]models.Product, 0, len(r.products))
	for _, p := range r.products {
		result = append(result, p)
	}
	return result
}
