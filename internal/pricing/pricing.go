// Package pricing derives all money fields of an invoice from its cart
// lines. It is pure arithmetic: no I/O, no clock, no randomness.
package pricing

import (
	"math"

	"billkart/backend/internal/domain"
)

// epsilon compensates float artifacts (e.g. 2.675*100 = 267.49999...)
// before rounding at the cent boundary.
const epsilon = 1e-9

// Round2 rounds to 2 decimals, half up at the cent. Rounding happens after
// every aggregation step, not once at the end; multi-line carts with odd
// cent splits reconcile to the displayed line items only this way.
func Round2(x float64) float64 {
	return math.Round((x+epsilon)*100) / 100
}

type LineTotals struct {
	LineSubTotal  float64
	LineCostTotal float64
	LineProfit    float64
}

func ComputeLine(cost, sell float64, qty int) LineTotals {
	return LineTotals{
		LineSubTotal:  Round2(sell * float64(qty)),
		LineCostTotal: Round2(cost * float64(qty)),
		LineProfit:    Round2((sell - cost) * float64(qty)),
	}
}

// ComputeDiscount accepts the discount as given: negative values and
// percentages above 100 pass through unclamped.
func ComputeDiscount(subTotal float64, discount domain.Discount) float64 {
	if discount.Mode == domain.DiscountModePercent {
		return Round2(subTotal * discount.Value / 100)
	}
	return Round2(discount.Value)
}

type Totals struct {
	SubTotal                  float64
	DiscountAmount            float64
	GrandTotal                float64
	ProfitTotalBeforeDiscount float64
	ProfitTotalAfterDiscount  float64
}

// ComputeTotals aggregates already-computed line snapshots into invoice
// totals. An empty line list yields all-zero totals; rejecting empty carts
// is the engine's job, not the calculator's.
func ComputeTotals(items []domain.InvoiceLineItem, discount domain.Discount) Totals {
	var subTotal, profitBefore float64
	for _, item := range items {
		subTotal += item.LineSubTotal
		profitBefore += item.LineProfit
	}
	subTotal = Round2(subTotal)
	profitBefore = Round2(profitBefore)

	discountAmount := ComputeDiscount(subTotal, discount)

	return Totals{
		SubTotal:                  subTotal,
		DiscountAmount:            discountAmount,
		GrandTotal:                Round2(subTotal - discountAmount),
		ProfitTotalBeforeDiscount: profitBefore,
		ProfitTotalAfterDiscount:  Round2(profitBefore - discountAmount),
	}
}

// MarginPercent reports sell price markup over cost, 0 when cost is not set.
func MarginPercent(cost, sell float64) float64 {
	if cost <= 0 {
		return 0
	}
	return Round2((sell - cost) / cost * 100)
}

// SellPriceForMargin derives a sell price from cost and a target margin.
func SellPriceForMargin(cost, marginPercent float64) float64 {
	return Round2(cost * (1 + marginPercent/100))
}
