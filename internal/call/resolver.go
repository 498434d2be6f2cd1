package call

import (
	"context"
	"time"

	"github.com/atyenoria/nkmedia/internal/media"
)

// Destination is one place an invite can be sent.
type Destination struct {
	Dest    string
	Wait    time.Duration // delay before launching this invite
	Ring    time.Duration // ring window, capped at MaxRing
	SDPType media.SDPType
}

// Resolver expands a callee string into destination descriptors. A
// resolver that cannot contribute returns (nil, false) and the chain
// falls through to the next one.
type Resolver interface {
	Resolve(ctx context.Context, service, callee string) ([]Destination, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, service, callee string) ([]Destination, bool)

func (f ResolverFunc) Resolve(ctx context.Context, service, callee string) ([]Destination, bool) {
	return f(ctx, service, callee)
}

// Chain runs resolvers in order, accumulating every contribution. Plugins
// register here to add destinations for callee formats they understand.
type Chain struct {
	resolvers []Resolver
}

// NewChain creates a resolver chain. Most specific resolvers first.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// Append adds a resolver at the end of the chain.
func (c *Chain) Append(r Resolver) {
	c.resolvers = append(c.resolvers, r)
}

// Resolve collects the ordered destination list for the callee.
func (c *Chain) Resolve(ctx context.Context, service, callee string) []Destination {
	var out []Destination
	for _, r := range c.resolvers {
		if dests, ok := r.Resolve(ctx, service, callee); ok {
			out = append(out, dests...)
		}
	}
	return out
}
