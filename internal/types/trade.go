package types

import "time"

// Trade is one executed fill, recorded in the ledger. PnL is zero for
// fills that open or grow a position and carries the realized amount for
// fills that reduce one.
type Trade struct {
	OrderID    string    `yaml:"order_id" json:"order_id"`
	PositionID string    `yaml:"position_id" json:"position_id"`
	Symbol     string    `yaml:"symbol" json:"symbol"`
	Side       OrderSide `yaml:"side" json:"side"`
	Quantity   float64   `yaml:"quantity" json:"quantity"`
	Price      float64   `yaml:"price" json:"price"`
	Reason     Reason    `yaml:"reason" json:"reason"`
	StrategyID string    `yaml:"strategy_id" json:"strategy_id"`
	PnL        float64   `yaml:"pnl" json:"pnl"`
	ExecutedAt time.Time `yaml:"executed_at" json:"executed_at"`
}
