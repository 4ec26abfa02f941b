package gateway

import (
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("unknown payment provider")

// Registry resolves the configured active provider for new payments and a
// specific provider by ID for webhook routing (a webhook always names its own
// provider). The active provider is injected at construction so tests can
// substitute a deterministic one per instance.
type Registry struct {
	active   Provider
	gateways map[Provider]Gateway
}

func NewRegistry(active Provider) *Registry {
	return &Registry{
		active:   active,
		gateways: make(map[Provider]Gateway),
	}
}

func (r *Registry) Register(g Gateway) {
	r.gateways[g.Provider()] = g
}

// Active returns the gateway new payments are routed through.
func (r *Registry) Active() (Gateway, error) {
	return r.Get(r.active)
}

func (r *Registry) Get(p Provider) (Gateway, error) {
	g, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return g, nil
}
