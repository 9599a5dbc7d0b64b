// Package tiers resolves subscription tier names to their static limits.
package tiers

import (
	"github.com/samber/lo"

	"github.com/atlas-chat/atlas/pkg/models"
)

// Registry is an immutable lookup of tier definitions keyed by name.
type Registry struct {
	tiers map[string]models.TierDefinition
	order []string
}

// New builds a Registry from the configured tier table. Later definitions
// with the same name replace earlier ones.
func New(defs []models.TierDefinition) *Registry {
	r := &Registry{tiers: make(map[string]models.TierDefinition, len(defs))}
	for _, d := range defs {
		if _, ok := r.tiers[d.Name]; !ok {
			r.order = append(r.order, d.Name)
		}
		d.EligibleModels = append([]string(nil), d.EligibleModels...)
		r.tiers[d.Name] = d
	}
	return r
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (models.TierDefinition, bool) {
	d, ok := r.tiers[name]
	return d, ok
}

// Resolve returns the definition for name, falling back to the free tier
// for unknown or empty names.
func (r *Registry) Resolve(name string) models.TierDefinition {
	if d, ok := r.tiers[name]; ok {
		return d
	}
	return r.tiers[models.TierFree]
}

// IsPaid reports whether name is a known paid tier.
func (r *Registry) IsPaid(name string) bool {
	d, ok := r.tiers[name]
	return ok && d.Paid
}

// PaidTiers returns the names of all paid tiers in configuration order.
func (r *Registry) PaidTiers() []string {
	return lo.Filter(r.order, func(name string, _ int) bool {
		return r.tiers[name].Paid
	})
}

// All returns every definition in configuration order.
func (r *Registry) All() []models.TierDefinition {
	return lo.Map(r.order, func(name string, _ int) models.TierDefinition {
		return r.tiers[name]
	})
}

// IsModelEligible reports whether the tier may use model. Unknown tiers are
// treated as free.
func (r *Registry) IsModelEligible(tier, model string) bool {
	return lo.Contains(r.Resolve(tier).EligibleModels, model)
}

// DefaultModel is the first eligible model of the tier.
func (r *Registry) DefaultModel(tier string) string {
	m, _ := lo.First(r.Resolve(tier).EligibleModels)
	return m
}
