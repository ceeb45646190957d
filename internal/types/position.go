package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusClosing PositionStatus = "CLOSING"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

// Position represents current holdings of an asset. Quantity is signed:
// positive for long, negative for short. While Open or Closing the position
// is owned exclusively by the exit manager.
type Position struct {
	ID            string         `yaml:"id" json:"id"`
	Symbol        string         `yaml:"symbol" json:"symbol"`
	Quantity      float64        `yaml:"quantity" json:"quantity"`
	AvgEntryPrice float64        `yaml:"avg_entry_price" json:"avg_entry_price"`
	OpenedAt      time.Time      `yaml:"opened_at" json:"opened_at"`
	Status        PositionStatus `yaml:"status" json:"status"`
	StrategyID    string         `yaml:"strategy_id" json:"strategy_id"`
	ExitRules     []ExitRule     `yaml:"exit_rules" json:"exit_rules"`
	// ClosingOrderID is set while a closing order is in flight.
	ClosingOrderID string `yaml:"closing_order_id" json:"closing_order_id"`
	ClosedAt       time.Time `yaml:"closed_at" json:"closed_at"`
	RealizedPnL    float64   `yaml:"realized_pnl" json:"realized_pnl"`
}

// IsLong reports whether the position benefits from rising prices.
func (p *Position) IsLong() bool {
	return p.Quantity >= 0
}

// AbsQuantity returns the unsigned position size.
func (p *Position) AbsQuantity() float64 {
	return math.Abs(p.Quantity)
}

// CloseSide returns the order side that flattens the position.
func (p *Position) CloseSide() OrderSide {
	if p.IsLong() {
		return OrderSideSell
	}

	return OrderSideBuy
}

// Notional returns the absolute position value at the given price.
func (p *Position) Notional(price float64) float64 {
	return p.AbsQuantity() * price
}

// UnrealizedPnL computes mark-to-market profit at the given price.
// Decimal arithmetic avoids float drift on quantity*price products.
func (p *Position) UnrealizedPnL(price float64) float64 {
	qty := decimal.NewFromFloat(p.Quantity)
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.AvgEntryPrice))

	result, _ := qty.Mul(diff).Float64()

	return result
}

// RealizedPnLAt computes the profit realized by closing quantity closedQty
// at exitPrice. Sign follows the position direction: a long closed below
// entry loses, a short closed below entry gains.
func (p *Position) RealizedPnLAt(exitPrice float64, closedQty float64) float64 {
	direction := decimal.NewFromInt(1)
	if !p.IsLong() {
		direction = decimal.NewFromInt(-1)
	}

	diff := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(p.AvgEntryPrice))
	result, _ := diff.Mul(decimal.NewFromFloat(closedQty)).Mul(direction).Float64()

	return result
}
