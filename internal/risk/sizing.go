package risk

import "math"

// ExitDefaults are the default exit rule parameters applied to new
// positions, expressed as fractions of the entry price.
type ExitDefaults struct {
	StopLossPct     float64 `yaml:"stop_loss_pct" json:"stop_loss_pct" validate:"gte=0,lt=1"`
	TakeProfitPct   float64 `yaml:"take_profit_pct" json:"take_profit_pct" validate:"gte=0"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct" validate:"gte=0,lt=1"`
}

// ComputeExitPrices derives the stop-loss and take-profit price levels for
// a long entry.
func ComputeExitPrices(entryPrice float64, defaults ExitDefaults) (stopPrice float64, takeProfitPrice float64) {
	stopPrice = entryPrice * (1.0 - defaults.StopLossPct)
	takeProfitPrice = entryPrice * (1.0 + defaults.TakeProfitPct)

	return stopPrice, takeProfitPrice
}

// PositionSizeByRisk sizes a position so the distance to the stop price
// risks at most riskPct of equity, additionally capped at allocPct of
// equity. Returns 0 when inputs make sizing meaningless.
func PositionSizeByRisk(equity float64, entryPrice float64, stopPrice float64, riskPct float64, allocPct float64) float64 {
	if equity <= 0 || entryPrice <= 0 {
		return 0
	}

	riskAmount := math.Max(0, equity*riskPct)
	riskPerUnit := math.Abs(entryPrice - stopPrice)

	qtyByRisk := math.Inf(1)
	if riskPerUnit > 0 {
		qtyByRisk = riskAmount / riskPerUnit
	}

	qtyCap := math.Max(0, equity*allocPct) / entryPrice

	return math.Max(0, math.Min(qtyByRisk, qtyCap))
}
