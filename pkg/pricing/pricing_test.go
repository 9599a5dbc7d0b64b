package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atlas-chat/atlas/pkg/models"
)

func TestCost(t *testing.T) {
	table := New(
		models.ModelPricing{Model: "default", InputCost: decimal.NewFromInt(3), OutputCost: decimal.NewFromInt(15)},
		[]models.ModelPricing{
			{Model: "gpt-4o-mini", InputCost: decimal.RequireFromString("0.15"), OutputCost: decimal.RequireFromString("0.60")},
		},
	)

	tests := []struct {
		name   string
		model  string
		in     int64
		out    int64
		expect string
	}{
		{"listed model", "gpt-4o-mini", 1_000_000, 1_000_000, "0.75"},
		{"small request", "gpt-4o-mini", 1000, 500, "0.00045"},
		{"fallback", "unknown-model", 2000, 1000, "0.021"},
		{"zero tokens", "gpt-4o-mini", 0, 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Cost(tt.model, tt.in, tt.out)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expect)), "got %s, want %s", got, tt.expect)
		})
	}
}

func TestPrice(t *testing.T) {
	table := New(models.ModelPricing{Model: "default"}, []models.ModelPricing{{Model: "a"}})

	_, ok := table.Price("a")
	assert.True(t, ok)

	p, ok := table.Price("b")
	assert.False(t, ok)
	assert.Equal(t, "default", p.Model)
}
