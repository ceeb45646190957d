// Package reporter emits structured events for external consumers
// (notifiers, dashboards, audit trails). Delivery is fire-and-forget: the
// trading core never blocks on, or fails because of, a reporter.
package reporter

import (
	"sync"
	"time"

	"github.com/quantfoundry/tradepilot/internal/logger"
	"go.uber.org/zap"
)

type EventKind string

const (
	EventTradeApproved     EventKind = "trade_approved"
	EventTradeRejected     EventKind = "trade_rejected"
	EventOrderFilled       EventKind = "order_filled"
	EventPositionClosed    EventKind = "position_closed"
	EventRiskLimitBreached EventKind = "risk_limit_breached"
	EventRebalanceExecuted EventKind = "rebalance_executed"
	EventDCAExecuted       EventKind = "dca_executed"
	EventEngineStarted     EventKind = "engine_started"
	EventEngineStopped     EventKind = "engine_stopped"
)

// Event carries enough context to reconstruct the decision that produced it.
type Event struct {
	Kind      EventKind `json:"kind"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	PnL       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// Reporter consumes events. Implementations must not block.
type Reporter interface {
	Publish(event Event)
}

// LogReporter writes every event to the structured log.
type LogReporter struct {
	log *logger.Logger
}

// NewLogReporter creates a reporter backed by the given logger.
func NewLogReporter(log *logger.Logger) *LogReporter {
	return &LogReporter{log: log}
}

// Publish implements Reporter.
func (r *LogReporter) Publish(event Event) {
	r.log.Info("event",
		zap.String("kind", string(event.Kind)),
		zap.String("symbol", event.Symbol),
		zap.String("reason", event.Reason),
		zap.Float64("quantity", event.Quantity),
		zap.Float64("price", event.Price),
		zap.Float64("pnl", event.PnL),
		zap.Time("timestamp", event.Timestamp),
	)
}

// MultiReporter fans events out to several reporters.
type MultiReporter struct {
	reporters []Reporter
}

// NewMultiReporter creates a reporter that forwards to all given reporters.
func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

// Publish implements Reporter.
func (r *MultiReporter) Publish(event Event) {
	for _, reporter := range r.reporters {
		reporter.Publish(event)
	}
}

// CollectingReporter buffers events in memory. Used in tests and by the
// status server to expose recent activity.
type CollectingReporter struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewCollectingReporter creates a reporter retaining at most limit events
// (0 means unbounded).
func NewCollectingReporter(limit int) *CollectingReporter {
	return &CollectingReporter{
		events: nil,
		limit:  limit,
	}
}

// Publish implements Reporter.
func (r *CollectingReporter) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the buffered events.
func (r *CollectingReporter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// EventsOfKind returns buffered events matching the given kind.
func (r *CollectingReporter) EventsOfKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event

	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

var _ Reporter = (*LogReporter)(nil)

var _ Reporter = (*MultiReporter)(nil)

var _ Reporter = (*CollectingReporter)(nil)
