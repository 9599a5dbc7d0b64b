// Package pricing converts token counts into USD cost.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/models"
)

var perMillion = decimal.NewFromInt(1_000_000)

// Table holds per-model prices with a fallback for unknown models.
type Table struct {
	prices   map[string]models.ModelPricing
	fallback models.ModelPricing
}

// New builds a price table. fallback is used for models not listed.
func New(fallback models.ModelPricing, prices []models.ModelPricing) *Table {
	t := &Table{
		prices:   make(map[string]models.ModelPricing, len(prices)),
		fallback: fallback,
	}
	for _, p := range prices {
		t.prices[p.Model] = p
	}
	return t
}

// Price returns the pricing for model and whether it was explicitly listed.
func (t *Table) Price(model string) (models.ModelPricing, bool) {
	p, ok := t.prices[model]
	if !ok {
		return t.fallback, false
	}
	return p, true
}

// Cost returns the USD cost of a request with the given token counts.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	p, _ := t.Price(model)
	in := p.InputCost.Mul(decimal.NewFromInt(inputTokens))
	out := p.OutputCost.Mul(decimal.NewFromInt(outputTokens))
	return in.Add(out).Div(perMillion)
}
