// Package mock provides a mock extraction provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
)

// ExtractCall records a single Extract invocation.
type ExtractCall struct {
	Transcript string
	Schema     []forms.FieldSchema
}

// Provider is a mock extract.Provider that returns canned results and records
// every call. Safe for concurrent use.
type Provider struct {
	// Result is returned from Extract when Err is nil.
	Result map[string]any

	// Err, if set, is returned from Extract.
	Err error

	mu    sync.Mutex
	calls []ExtractCall
}

var _ extract.Provider = (*Provider)(nil)

// Extract implements extract.Provider.
func (p *Provider) Extract(ctx context.Context, transcript string, schema []forms.FieldSchema) (map[string]any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ExtractCall{Transcript: transcript, Schema: schema})
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Result, nil
}

// Calls returns a copy of all recorded Extract invocations.
func (p *Provider) Calls() []ExtractCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExtractCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of recorded Extract invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
