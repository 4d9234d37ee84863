package models

import "time"

// InventoryKey is a license key in the available pool
type InventoryKey struct {
	Id          string    `json:"id"`
	Key         string    `json:"key"`
	ProductCode string    `json:"product_code"`
	Days        int       `json:"days"`
	AddedAt     time.Time `json:"added_at"`
}

// Matches reports whether the key can fulfill an order for product and days
func (k InventoryKey) Matches(productCode string, days int) bool {
	return k.ProductCode == productCode && k.Days == days
}

// UsedKey is a license key bound to the order it was issued for
type UsedKey struct {
	InventoryKey
	OrderId int64     `json:"order_id"`
	UsedAt  time.Time `json:"used_at"`
}
