package exchange

import (
	"math"

	"github.com/quantfoundry/tradepilot/pkg/errors"
)

// SymbolFilters are the venue constraints an order quantity must satisfy.
// Zero values mean the constraint is absent.
type SymbolFilters struct {
	// StepSize is the quantity increment (LOT_SIZE step).
	StepSize float64 `json:"step_size" yaml:"step_size"`
	// MinQuantity is the smallest tradable quantity.
	MinQuantity float64 `json:"min_quantity" yaml:"min_quantity"`
	// MinNotional is the smallest allowed order value (price * quantity).
	MinNotional float64 `json:"min_notional" yaml:"min_notional"`
	// TickSize is the price increment.
	TickSize float64 `json:"tick_size" yaml:"tick_size"`
}

// RoundQuantity floors qty to the step size. Returns 0 when the rounded
// quantity falls below the minimum.
func (f SymbolFilters) RoundQuantity(qty float64) float64 {
	if qty <= 0 {
		return 0
	}

	if f.StepSize > 0 {
		qty = math.Floor(qty/f.StepSize) * f.StepSize
		// trim float residue from the division
		precision := 0
		if f.StepSize < 1 {
			precision = int(math.Round(-math.Log10(f.StepSize)))
		}

		multiplier := math.Pow10(precision)
		qty = math.Floor(qty*multiplier+0.5) / multiplier
	}

	if f.MinQuantity > 0 && qty < f.MinQuantity {
		return 0
	}

	return qty
}

// ValidateNotional rejects orders whose value is below the venue minimum.
func (f SymbolFilters) ValidateNotional(price float64, qty float64) error {
	if f.MinNotional > 0 && price*qty < f.MinNotional {
		return errors.Newf(errors.ErrCodeBelowMinNotional,
			"order notional %.8f below venue minimum %.8f", price*qty, f.MinNotional)
	}

	return nil
}
