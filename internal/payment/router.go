package payment

import (
	"fmt"
	"sort"
	"sync"
)

// Router picks the gateway for a payment method.
type Router struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{gateways: make(map[string]Gateway)}
}

// Register routes method to g, replacing any earlier gateway.
func (r *Router) Register(method string, g Gateway) *Router {
	r.mu.Lock()
	r.gateways[method] = g
	r.mu.Unlock()
	return r
}

// For returns the gateway for method.
func (r *Router) For(method string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return g, nil
}

// Methods lists the routed methods, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
