package resilience

import (
	"context"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/provider/stt"
)

// STTChain implements [stt.Provider] with automatic failover across multiple
// transcription backends. Each backend has its own circuit breaker.
type STTChain struct {
	chain *Chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTChain)(nil)

// NewSTTChain creates an [STTChain] with primary as the preferred backend.
func NewSTTChain(primary stt.Provider, primaryName string, cfg ChainConfig) *STTChain {
	return &STTChain{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription provider as a fallback.
func (c *STTChain) AddFallback(name string, provider stt.Provider) {
	c.chain.AddFallback(name, provider)
}

// Transcribe sends the clip to the first healthy backend.
func (c *STTChain) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	return Try(c.chain, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, clip)
	})
}
