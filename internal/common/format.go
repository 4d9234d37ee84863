package common

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"crypto-payment-watcher-go/internal/models"
	"crypto-payment-watcher-go/internal/store"
)

const (
	DefaultWidth = 80
	WideWidth    = 100

	sectionWidth = 78
)

// PoolStats summarizes one key pool
type PoolStats struct {
	Pool      string
	Available int
	Used      int
	// Waiting counts paid orders that found the pool empty
	Waiting int
}

func PoolName(productCode string, days int) string {
	return fmt.Sprintf("%s %dd", productCode, days)
}

// InventoryStats counts keys and PAID_NO_KEY orders per pool, sorted by pool name
func InventoryStats(l *store.Ledger) []PoolStats {
	byPool := make(map[string]*PoolStats)
	get := func(productCode string, days int) *PoolStats {
		pool := PoolName(productCode, days)
		s, ok := byPool[pool]
		if !ok {
			s = &PoolStats{Pool: pool}
			byPool[pool] = s
		}
		return s
	}

	for _, k := range l.Available {
		get(k.ProductCode, k.Days).Available++
	}
	for _, k := range l.Used {
		get(k.ProductCode, k.Days).Used++
	}
	for _, o := range l.Orders {
		if o.Status == models.StatusPaidNoKey {
			get(o.ProductCode, o.Days).Waiting++
		}
	}

	result := make([]PoolStats, 0, len(byPool))
	for _, s := range byPool {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Pool < result[j].Pool })
	return result
}

func PrintHeader(title string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", width))
}

func PrintFooter(message string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintSection opens a box-drawn list
func PrintSection(title string) {
	fmt.Printf("\n┌─ %s\n", title)
	fmt.Println("├" + strings.Repeat("─", sectionWidth))
}

func PrintInventory(stats []PoolStats) {
	PrintSection(fmt.Sprintf("Key inventory (%d pools)", len(stats)))
	for i, s := range stats {
		line := fmt.Sprintf("%s %-20s available: %5d  used: %5d", itemPrefix(i == len(stats)-1), s.Pool, s.Available, s.Used)
		if s.Waiting > 0 {
			line += fmt.Sprintf("  waiting: %d", s.Waiting)
		}
		fmt.Println(line)
	}
}

// PrintOrder prints one order line and, for wallet invoices, a payment detail line
func PrintOrder(o *models.Order, isLast bool, now time.Time) {
	fmt.Printf("%s #%-6d %-18s %-10s %s %dd  %s %s\n",
		itemPrefix(isLast),
		o.Id,
		o.Status,
		o.UserId,
		o.ProductCode,
		o.Days,
		o.FiatAmount.StringFixed(2),
		o.FiatCurrency)

	if detail := paymentDetail(o, now); detail != "" {
		fmt.Printf("%s  %s\n", detailPrefix(isLast), detail)
	}
}

func paymentDetail(o *models.Order, now time.Time) string {
	p := o.Payment
	if p == nil || p.AmountAtomic == nil {
		return ""
	}
	detail := fmt.Sprintf("%s %s/%s", p.AmountText, p.Asset, p.Network)
	if o.Status == models.StatusAwaitingPayment {
		detail += fmt.Sprintf(", %d min left", p.MinutesLeft(now))
	}
	if p.TxId != "" {
		detail += ", tx " + p.TxId
	}
	return detail
}

func PrintHistory(orderId int64, events []models.OrderEvent) {
	PrintSection(fmt.Sprintf("History of order #%d", orderId))
	for i, e := range events {
		from := string(e.FromStatus)
		if from == "" {
			from = "(new)"
		}
		fmt.Printf("%s %s  %s -> %s\n", itemPrefix(i == len(events)-1), e.CreatedAt.Format("2006-01-02 15:04:05"), from, e.ToStatus)
	}
}

func itemPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

func detailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}
