package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

// IntentKind tells the risk manager which gating rules apply.
type IntentKind string

const (
	// IntentKindEntry opens or increases exposure. Fully gated.
	IntentKindEntry IntentKind = "entry"
	// IntentKindExit reduces exposure. Bypasses the daily loss gate and
	// the open position count check.
	IntentKindExit IntentKind = "exit"
	// IntentKindAccumulation is a scheduled recurring buy. Gated like an entry.
	IntentKindAccumulation IntentKind = "accumulation"
	// IntentKindRebalance corrects allocation drift. Buys are gated like
	// entries, sells like exits.
	IntentKindRebalance IntentKind = "rebalance"
)

// TradeIntent is a proposed trade that has not passed risk checks yet.
// Either Notional or Quantity must be set; Notional wins when both are.
type TradeIntent struct {
	Symbol     string     `yaml:"symbol" json:"symbol" validate:"required"`
	Side       OrderSide  `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Kind       IntentKind `yaml:"kind" json:"kind" validate:"required,oneof=entry exit accumulation rebalance"`
	Notional   float64    `yaml:"notional" json:"notional" validate:"gte=0"`
	Quantity   float64    `yaml:"quantity" json:"quantity" validate:"gte=0"`
	StrategyID string     `yaml:"strategy_id" json:"strategy_id" validate:"required"`
	CreatedAt  time.Time  `yaml:"created_at" json:"created_at"`
}

// Validate validates the TradeIntent struct.
func (ti *TradeIntent) Validate() error {
	validate := validator.New()
	if err := validate.Struct(ti); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidIntent, "invalid trade intent", err)
	}

	if ti.Notional <= 0 && ti.Quantity <= 0 {
		return errors.New(errors.ErrCodeInvalidIntent, "intent must carry a positive notional or quantity")
	}

	// Spot accounts cannot hold a short position, so a sell can only
	// reduce exposure. Entry and accumulation intents are buys.
	if ti.Side == OrderSideSell && (ti.Kind == IntentKindEntry || ti.Kind == IntentKindAccumulation) {
		return errors.Newf(errors.ErrCodeInvalidIntent,
			"%s intents must be BUY, short entries are not supported on a spot account", ti.Kind)
	}

	return nil
}

// NotionalAt resolves the intent's desired notional at the given price.
func (ti *TradeIntent) NotionalAt(price float64) float64 {
	if ti.Notional > 0 {
		return ti.Notional
	}

	return ti.Quantity * price
}

// QuantityAt resolves the intent's desired quantity at the given price.
func (ti *TradeIntent) QuantityAt(price float64) float64 {
	if ti.Notional > 0 && price > 0 {
		return ti.Notional / price
	}

	return ti.Quantity
}

// ReducesExposure reports whether executing the intent shrinks total
// portfolio exposure rather than growing it.
func (ti *TradeIntent) ReducesExposure() bool {
	return ti.Kind == IntentKindExit || (ti.Kind == IntentKindRebalance && ti.Side == OrderSideSell)
}
