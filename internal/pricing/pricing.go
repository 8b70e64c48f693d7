// Package pricing 计算报价与实际扣款金额。
// 金额一律用最小货币单位，比例费用四舍五入，与前台展示的口径一致。
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidLine = errors.New("invalid line item")

// Rates 是服务费与增值税费率（0.10 表示 10%）。
type Rates struct {
	ServiceCharge decimal.Decimal
	VAT           decimal.Decimal
}

// DefaultRates: 10% 服务费，16% VAT。
func DefaultRates() Rates {
	return Rates{
		ServiceCharge: decimal.RequireFromString("0.10"),
		VAT:           decimal.RequireFromString("0.16"),
	}
}

// Line 是参与计价的一行。
type Line struct {
	UnitPrice int64
	Quantity  int
}

// Breakdown 报价明细。
type Breakdown struct {
	Subtotal      int64
	ServiceCharge int64
	VAT           int64
	DeliveryFee   int64
	Total         int64
}

// Quote 计算 subtotal + round(subtotal*service) + round(subtotal*vat) + deliveryFee。
func Quote(lines []Line, deliveryFee int64, rates Rates) (Breakdown, error) {
	if deliveryFee < 0 {
		return Breakdown{}, fmt.Errorf("delivery fee must be >= 0, got %d", deliveryFee)
	}
	subtotal := decimal.Zero
	for i, l := range lines {
		if l.Quantity <= 0 {
			return Breakdown{}, fmt.Errorf("%w: line %d quantity must be > 0", ErrInvalidLine, i)
		}
		if l.UnitPrice < 0 {
			return Breakdown{}, fmt.Errorf("%w: line %d unit price must be >= 0", ErrInvalidLine, i)
		}
		subtotal = subtotal.Add(decimal.NewFromInt(l.UnitPrice).Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	service := roundHalfUp(subtotal.Mul(rates.ServiceCharge))
	vat := roundHalfUp(subtotal.Mul(rates.VAT))
	fee := decimal.NewFromInt(deliveryFee)

	return Breakdown{
		Subtotal:      subtotal.IntPart(),
		ServiceCharge: service.IntPart(),
		VAT:           vat.IntPart(),
		DeliveryFee:   deliveryFee,
		Total:         subtotal.Add(service).Add(vat).Add(fee).IntPart(),
	}, nil
}

// 这里的金额不会为负，Round(0) 远离零取整即四舍五入。
func roundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}
