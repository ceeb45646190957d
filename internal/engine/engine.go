// Package engine defines the trading loop contract. The loop is the only
// component that orchestrates the others: it drains signal sources, gates
// intents through risk, executes approved trades, manages exits, and ticks
// the rebalancer.
package engine

import (
	"context"
	"time"

	"github.com/quantfoundry/tradepilot/internal/risk"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/schema"
)

// Lifecycle callback types for trading loop phases.
// Callbacks returning an error can abort execution.

// OnLoopStartCallback is called once the loop finished startup recovery and
// is about to run its first cycle.
type OnLoopStartCallback func(symbols []string, resumedPositions int) error

// OnLoopStopCallback is called when the loop stops (always called via defer).
type OnLoopStopCallback func(err error)

// OnIntentRejectedCallback is called when the risk manager rejects an intent.
type OnIntentRejectedCallback func(intent types.TradeIntent, decision risk.Decision)

// OnOrderFilledCallback is called when a submitted order reaches a fill.
type OnOrderFilledCallback func(order types.Order) error

// OnPositionClosedCallback is called when the exit manager fully closes a
// position.
type OnPositionClosedCallback func(position types.Position)

// OnCycleCallback is called at the end of every completed cycle.
type OnCycleCallback func(stats CycleStats)

// OnErrorCallback is called when a non-fatal error occurs during a cycle.
type OnErrorCallback func(err error)

// TradingLoopCallbacks holds all lifecycle callback functions for the
// trading loop. All fields are pointers; nil means no callback is invoked.
type TradingLoopCallbacks struct {
	// OnLoopStart is called after startup recovery, before the first cycle.
	OnLoopStart *OnLoopStartCallback

	// OnLoopStop is called when the loop stops (always called via defer).
	OnLoopStop *OnLoopStopCallback

	// OnIntentRejected is called when the risk manager rejects an intent.
	OnIntentRejected *OnIntentRejectedCallback

	// OnOrderFilled is called when a submitted order reaches a fill.
	OnOrderFilled *OnOrderFilledCallback

	// OnPositionClosed is called when a position is fully closed.
	OnPositionClosed *OnPositionClosedCallback

	// OnCycle is called at the end of every completed cycle.
	OnCycle *OnCycleCallback

	// OnError is called when a non-fatal error occurs.
	OnError *OnErrorCallback
}

// CycleStats summarizes one completed loop cycle.
type CycleStats struct {
	Cycle           int       `json:"cycle"`
	IntentsSeen     int       `json:"intents_seen"`
	IntentsApproved int       `json:"intents_approved"`
	IntentsRejected int       `json:"intents_rejected"`
	PositionsClosed int       `json:"positions_closed"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Status is the loop's externally visible state, served by the ops surface.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	Cycles    int       `json:"cycles"`
	Gateway   string    `json:"gateway"`
	Symbols   []string  `json:"symbols"`
}

// TradingLoop runs the signal -> risk -> execution -> exit -> rebalance
// cycle until the context is cancelled or a fatal error occurs.
type TradingLoop interface {
	// Run blocks until the context is cancelled or a fatal error occurs.
	// Cancellation triggers graceful shutdown: intake stops immediately,
	// in-flight orders get a bounded window to reach a terminal status,
	// and, when configured, all open positions are flattened.
	Run(ctx context.Context, callbacks TradingLoopCallbacks) error

	// Status returns a snapshot of the loop state.
	Status() Status
}

// GetStatusSchema returns the JSON schema of the Status payload.
func GetStatusSchema() (string, error) {
	return schema.ToJSONSchema(&Status{})
}
