package types

import (
	"github.com/go-playground/validator/v10"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

// RiskLimits are loaded once per trading session and never mutated by the core.
type RiskLimits struct {
	// MaxPositionNotional caps the notional value of a single intent.
	MaxPositionNotional float64 `yaml:"max_position_notional" json:"max_position_notional" validate:"gt=0"`
	// MaxExposureFraction caps total open exposure as a fraction of equity.
	MaxExposureFraction float64 `yaml:"max_exposure_fraction" json:"max_exposure_fraction" validate:"gt=0,lte=1"`
	// MaxDailyLoss halts new entries once realized losses for the UTC day reach it.
	MaxDailyLoss float64 `yaml:"max_daily_loss" json:"max_daily_loss" validate:"gt=0"`
	// MaxOpenPositions caps the number of concurrently open positions.
	MaxOpenPositions int `yaml:"max_open_positions" json:"max_open_positions" validate:"gt=0"`
}

// Validate validates the RiskLimits struct.
func (rl *RiskLimits) Validate() error {
	validate := validator.New()
	if err := validate.Struct(rl); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid risk limits", err)
	}

	return nil
}

// PortfolioSnapshot is the read-only view of portfolio state the risk
// manager evaluates intents against. It is captured by the orchestrator at
// the start of a cycle and never mutated by the risk manager.
type PortfolioSnapshot struct {
	// Equity is the total account value including unrealized PnL.
	Equity float64
	// TotalExposure is the summed absolute notional of all open positions.
	TotalExposure float64
	// OpenPositionCount counts positions in Open or Closing state.
	OpenPositionCount int
	// DailyRealizedLoss is the cumulative realized loss for the current UTC
	// day, expressed as a non-negative number.
	DailyRealizedLoss float64
	// ExposureBySymbol maps symbol to current absolute notional.
	ExposureBySymbol map[string]float64
	// Prices holds the latest ticker price per symbol.
	Prices map[string]float64
}

// PriceOf returns the snapshot price for symbol, or 0 when unknown.
func (s *PortfolioSnapshot) PriceOf(symbol string) float64 {
	return s.Prices[symbol]
}
