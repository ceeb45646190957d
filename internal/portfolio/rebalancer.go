// Package portfolio keeps asset allocation on target. It emits trade
// intents for two concerns: recurring fixed-notional buys (dollar-cost
// averaging) and drift correction back toward the configured target
// fractions. Everything it emits goes through the risk gate like any
// other intent.
package portfolio

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

// StrategyID tags every intent the rebalancer emits.
const StrategyID = "rebalancer"

// Schedule is a recurring fixed-notional buy for one symbol.
type Schedule struct {
	Symbol   string        `yaml:"symbol" json:"symbol" validate:"required"`
	Notional float64       `yaml:"notional" json:"notional" validate:"required,gt=0"`
	Interval time.Duration `yaml:"interval" json:"interval" validate:"required"`
}

// Targets maps symbols to their target fraction of total equity.
type Targets map[string]float64

// Validate checks every fraction is in (0, 1] and the total does not
// exceed 1.
func (t Targets) Validate() error {
	var sum float64

	for symbol, fraction := range t {
		if fraction <= 0 || fraction > 1 {
			return errors.Newf(errors.ErrCodeInvalidAllocation,
				"target fraction for %s must be in (0, 1], got %f", symbol, fraction)
		}

		sum += fraction
	}

	if sum > 1.0+1e-9 {
		return errors.Newf(errors.ErrCodeInvalidAllocation,
			"target fractions sum to %f, must not exceed 1.0", sum)
	}

	return nil
}

// scheduleState tracks when a schedule is next due.
type scheduleState struct {
	schedule Schedule
	nextDue  time.Time
}

// Rebalancer emits accumulation and drift-correction intents on each tick.
type Rebalancer struct {
	targets   Targets
	tolerance float64
	log       *logger.Logger

	mu        sync.Mutex
	schedules []*scheduleState
}

// NewRebalancer creates a rebalancer. tolerance is the absolute allocation
// drift (as a fraction of equity) a symbol may show before a corrective
// intent is emitted. start anchors the first due time of every schedule.
func NewRebalancer(targets Targets, tolerance float64, schedules []Schedule, start time.Time, log *logger.Logger) (*Rebalancer, error) {
	if err := targets.Validate(); err != nil {
		return nil, err
	}

	if tolerance <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidAllocation, "tolerance must be positive, got %f", tolerance)
	}

	states := make([]*scheduleState, 0, len(schedules))

	for _, schedule := range schedules {
		if schedule.Symbol == "" || schedule.Notional <= 0 || schedule.Interval <= 0 {
			return nil, errors.Newf(errors.ErrCodeInvalidAllocation,
				"invalid accumulation schedule for %q", schedule.Symbol)
		}

		states = append(states, &scheduleState{
			schedule: schedule,
			nextDue:  start.Add(schedule.Interval),
		})
	}

	return &Rebalancer{
		targets:   targets,
		tolerance: tolerance,
		log:       log,
		schedules: states,
	}, nil
}

// Tick returns the intents due at now given the current portfolio state:
// due accumulation buys first, then at most one corrective intent per
// drifted symbol. A schedule that fell behind catches up one buy per tick
// rather than bursting.
func (r *Rebalancer) Tick(ctx context.Context, now time.Time, snapshot types.PortfolioSnapshot) []types.TradeIntent {
	intents := r.dueAccumulations(now)
	intents = append(intents, r.driftCorrections(now, snapshot)...)

	return intents
}

func (r *Rebalancer) dueAccumulations(now time.Time) []types.TradeIntent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var intents []types.TradeIntent

	for _, state := range r.schedules {
		if now.Before(state.nextDue) {
			continue
		}

		intents = append(intents, types.TradeIntent{
			Symbol:     state.schedule.Symbol,
			Side:       types.OrderSideBuy,
			Kind:       types.IntentKindAccumulation,
			Notional:   state.schedule.Notional,
			StrategyID: StrategyID,
			CreatedAt:  now,
		})

		state.nextDue = state.nextDue.Add(state.schedule.Interval)

		r.log.Info("accumulation buy due",
			zap.String("symbol", state.schedule.Symbol),
			zap.Float64("notional", state.schedule.Notional),
			zap.Time("next_due", state.nextDue),
		)
	}

	return intents
}

func (r *Rebalancer) driftCorrections(now time.Time, snapshot types.PortfolioSnapshot) []types.TradeIntent {
	if snapshot.Equity <= 0 {
		return nil
	}

	// Deterministic order keeps logs and tests stable.
	symbols := make([]string, 0, len(r.targets))
	for symbol := range r.targets {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	var intents []types.TradeIntent

	for _, symbol := range symbols {
		target := r.targets[symbol]
		current := snapshot.ExposureBySymbol[symbol] / snapshot.Equity
		drift := current - target

		if drift > -r.tolerance && drift < r.tolerance {
			continue
		}

		side := types.OrderSideBuy
		if drift > 0 {
			side = types.OrderSideSell
		}

		notional := drift * snapshot.Equity
		if notional < 0 {
			notional = -notional
		}

		intents = append(intents, types.TradeIntent{
			Symbol:     symbol,
			Side:       side,
			Kind:       types.IntentKindRebalance,
			Notional:   notional,
			StrategyID: StrategyID,
			CreatedAt:  now,
		})

		r.log.Info("allocation drift beyond tolerance",
			zap.String("symbol", symbol),
			zap.Float64("current_fraction", current),
			zap.Float64("target_fraction", target),
			zap.String("side", string(side)),
			zap.Float64("notional", notional),
		)
	}

	return intents
}
