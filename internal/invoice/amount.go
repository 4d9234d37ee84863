package invoice

import (
	"fmt"
	"math/big"

	"crypto-payment-watcher-go/internal/models"

	"github.com/shopspring/decimal"
)

// ScaleFactor converts invoice precision amounts to on-chain precision
func ScaleFactor(decimals, invoiceDecimals int32) *big.Int {
	diff := decimals - invoiceDecimals
	if diff <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
}

// DecimalToAtomic rounds value to decimals places and returns it in atomic units
func DecimalToAtomic(value decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}
	return value.Round(decimals).Shift(decimals).BigInt(), nil
}

// FormatAtomic renders an atomic amount as a decimal string without trailing zeros
func FormatAtomic(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ReservedAmounts collects the invoice precision amounts held by open invoices. Amounts of
// invoices issued with another invoice precision are normalized from their on-chain value;
// on-chain values that are not a whole multiple of the scale factor cannot collide and are skipped.
func ReservedAmounts(open []*models.Order, decimals, invoiceDecimals int32) map[string]struct{} {
	reserved := make(map[string]struct{}, len(open))
	scale := ScaleFactor(decimals, invoiceDecimals)
	for _, o := range open {
		p := o.Payment
		if p == nil {
			continue
		}
		if p.InvoiceAmountAtomic != nil && p.InvoiceDecimals == invoiceDecimals {
			reserved[p.InvoiceAmountAtomic.String()] = struct{}{}
			continue
		}
		if p.AmountAtomic == nil {
			continue
		}
		quotient, remainder := new(big.Int).QuoRem(p.AmountAtomic, scale, new(big.Int))
		if remainder.Sign() != 0 {
			continue
		}
		reserved[quotient.String()] = struct{}{}
	}
	return reserved
}
