package resilience

import (
	"context"

	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
)

// ExtractChain implements [extract.Provider] with automatic failover across
// multiple extraction backends. Each backend has its own circuit breaker.
type ExtractChain struct {
	chain *Chain[extract.Provider]
}

// Compile-time interface assertion.
var _ extract.Provider = (*ExtractChain)(nil)

// NewExtractChain creates an [ExtractChain] with primary as the preferred
// backend.
func NewExtractChain(primary extract.Provider, primaryName string, cfg ChainConfig) *ExtractChain {
	return &ExtractChain{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers an additional extraction provider as a fallback.
func (c *ExtractChain) AddFallback(name string, provider extract.Provider) {
	c.chain.AddFallback(name, provider)
}

// Extract runs the extraction against the first healthy backend.
func (c *ExtractChain) Extract(ctx context.Context, transcript string, schema []forms.FieldSchema) (map[string]any, error) {
	return Try(c.chain, func(p extract.Provider) (map[string]any, error) {
		return p.Extract(ctx, transcript, schema)
	})
}
