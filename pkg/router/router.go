package router

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/atlas-chat/atlas/pkg/config"
)

// Provider wire formats.
const (
	FormatOpenAI    = "openai"
	FormatAnthropic = "anthropic"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Format returns the wire format spoken by the route's provider.
func (r Route) Format() string {
	return ProviderFormat(r.Provider)
}

// ProviderFormat returns "anthropic" for Anthropic providers and "openai" otherwise.
func ProviderFormat(p config.ProviderConfig) string {
	if p.Type == FormatAnthropic {
		return FormatAnthropic
	}
	return FormatOpenAI
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    []config.RouteConfig
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{
		providers: cfg.Providers,
		byName: lo.SliceToMap(cfg.Providers, func(p config.ProviderConfig) (string, config.ProviderConfig) {
			return p.Name, p
		}),
		routes: cfg.Router.Routes,
	}
}

// Providers returns the configured provider names in order.
func (r *Router) Providers() []string {
	return lo.Map(r.providers, func(p config.ProviderConfig, _ int) string { return p.Name })
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise the first provider speaking the model's native format is used,
// falling back to the first provider.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			provider, ok := r.byName[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	want := nativeFormat(requestedModel)
	provider, ok := lo.Find(r.providers, func(p config.ProviderConfig) bool {
		return ProviderFormat(p) == want
	})
	if !ok {
		provider = r.providers[0]
	}
	return []Route{{Provider: provider, Model: requestedModel}}, nil
}

func nativeFormat(model string) string {
	if strings.HasPrefix(model, "claude") {
		return FormatAnthropic
	}
	return FormatOpenAI
}
