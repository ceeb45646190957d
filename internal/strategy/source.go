// Package strategy defines where trade intents come from. Sources are
// fixed implementations wired at startup; the trading loop drains them
// once per cycle.
package strategy

import (
	"context"
	"sync"

	"github.com/quantfoundry/tradepilot/internal/types"
)

// Source produces trade intents for the trading loop. ProduceIntents is
// called once per cycle and must return quickly; a source with nothing to
// say returns an empty slice.
type Source interface {
	// Name identifies the source in logs and events.
	Name() string
	ProduceIntents(ctx context.Context) ([]types.TradeIntent, error)
}

// QueueSource is an externally fed intent queue. The ops surface and tests
// push intents in; each ProduceIntents call drains everything queued since
// the last one.
type QueueSource struct {
	name    string
	mu      sync.Mutex
	pending []types.TradeIntent
}

// NewQueueSource creates an empty queue source.
func NewQueueSource(name string) *QueueSource {
	return &QueueSource{name: name}
}

// Name implements Source.
func (s *QueueSource) Name() string {
	return s.name
}

// Push validates and enqueues an intent for the next cycle.
func (s *QueueSource) Push(intent types.TradeIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, intent)

	return nil
}

// Len returns the number of queued intents.
func (s *QueueSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// ProduceIntents implements Source. It drains the queue.
func (s *QueueSource) ProduceIntents(ctx context.Context) ([]types.TradeIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.pending
	s.pending = nil

	return drained, nil
}

// CompositeSource concatenates the intents of several sources in order.
// One failing source does not suppress the others; its error is returned
// alongside whatever the rest produced.
type CompositeSource struct {
	sources []Source
}

// NewCompositeSource creates a source that drains each given source in turn.
func NewCompositeSource(sources ...Source) *CompositeSource {
	return &CompositeSource{sources: sources}
}

// Name implements Source.
func (s *CompositeSource) Name() string {
	return "composite"
}

// ProduceIntents implements Source.
func (s *CompositeSource) ProduceIntents(ctx context.Context) ([]types.TradeIntent, error) {
	var (
		out     []types.TradeIntent
		lastErr error
	)

	for _, source := range s.sources {
		intents, err := source.ProduceIntents(ctx)
		if err != nil {
			lastErr = err

			continue
		}

		out = append(out, intents...)
	}

	return out, lastErr
}

var _ Source = (*QueueSource)(nil)

var _ Source = (*CompositeSource)(nil)
