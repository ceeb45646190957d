package types

import "github.com/quantfoundry/tradepilot/pkg/errors"

type ExitRuleKind string

const (
	ExitRuleStopLoss     ExitRuleKind = "stop_loss"
	ExitRuleTakeProfit   ExitRuleKind = "take_profit"
	ExitRuleTrailingStop ExitRuleKind = "trailing_stop"
)

// ExitRule is attached to a position and decides when it should be closed.
// StopLoss and TakeProfit carry an absolute trigger price. TrailingStop
// carries a trail distance and a high-water mark that only moves in the
// favorable direction.
type ExitRule struct {
	Kind ExitRuleKind `yaml:"kind" json:"kind"`
	// TriggerPrice is the absolute price level for stop loss / take profit.
	TriggerPrice float64 `yaml:"trigger_price" json:"trigger_price"`
	// TrailDistance is the retracement from the high-water mark that fires
	// a trailing stop.
	TrailDistance float64 `yaml:"trail_distance" json:"trail_distance"`
	// HighWaterMark is the best price observed since the rule was attached.
	// For long positions it is the highest price, for shorts the lowest.
	HighWaterMark float64 `yaml:"high_water_mark" json:"high_water_mark"`
}

// Validate checks the rule parameters for the given kind.
func (r *ExitRule) Validate() error {
	switch r.Kind {
	case ExitRuleStopLoss, ExitRuleTakeProfit:
		if r.TriggerPrice <= 0 {
			return errors.Newf(errors.ErrCodeInvalidExitRule, "%s requires a positive trigger price", r.Kind)
		}
	case ExitRuleTrailingStop:
		if r.TrailDistance <= 0 {
			return errors.New(errors.ErrCodeInvalidExitRule, "trailing stop requires a positive trail distance")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidExitRule, "unknown exit rule kind %q", r.Kind)
	}

	return nil
}

// Observe updates the trailing high-water mark with a new price. The mark
// never retreats: for long positions it only ratchets up, for shorts only
// down. Other rule kinds are untouched.
func (r *ExitRule) Observe(price float64, long bool) {
	if r.Kind != ExitRuleTrailingStop {
		return
	}

	if r.HighWaterMark == 0 {
		r.HighWaterMark = price

		return
	}

	if long && price > r.HighWaterMark {
		r.HighWaterMark = price
	}

	if !long && price < r.HighWaterMark {
		r.HighWaterMark = price
	}
}

// ShouldFire reports whether the rule triggers at the given price.
// Observe must be called before ShouldFire within the same tick so the
// trailing mark reflects the latest favorable move.
func (r *ExitRule) ShouldFire(price float64, long bool) bool {
	switch r.Kind {
	case ExitRuleStopLoss:
		if long {
			return price <= r.TriggerPrice
		}

		return price >= r.TriggerPrice

	case ExitRuleTakeProfit:
		if long {
			return price >= r.TriggerPrice
		}

		return price <= r.TriggerPrice

	case ExitRuleTrailingStop:
		if r.HighWaterMark == 0 {
			return false
		}

		if long {
			return price <= r.HighWaterMark-r.TrailDistance
		}

		return price >= r.HighWaterMark+r.TrailDistance
	}

	return false
}
