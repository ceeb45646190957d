package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

type OrderSide string

type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

const (
	OrderReasonStrategy     string = "strategy"
	OrderReasonStopLoss     string = "stop_loss"
	OrderReasonTakeProfit   string = "take_profit"
	OrderReasonTrailingStop string = "trailing_stop"
	OrderReasonAccumulation string = "accumulation"
	OrderReasonRebalance    string = "rebalance"
	OrderReasonFlatten      string = "flatten"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}

	return OrderSideBuy
}

// IsTerminal reports whether the order will receive no further fills.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	default:
		return false
	}
}

type Reason struct {
	Reason  string `yaml:"reason" json:"reason" validate:"required"`
	Message string `yaml:"message" json:"message"`
}

// ExecuteOrder is the engine-side request handed to the exchange gateway.
// Price is None for market orders.
type ExecuteOrder struct {
	ID string `yaml:"id" json:"id" validate:"required,uuid"`
	// IdempotencyToken deduplicates retried submissions of the same request.
	IdempotencyToken string                   `yaml:"idempotency_token" json:"idempotency_token" validate:"required"`
	Symbol           string                   `yaml:"symbol" json:"symbol" validate:"required"`
	Side             OrderSide                `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Quantity         float64                  `yaml:"quantity" json:"quantity" validate:"required,gt=0"`
	Price            optional.Option[float64] `yaml:"price" json:"price"`
	Reason           Reason                   `yaml:"reason" json:"reason" validate:"required"`
	StrategyID       string                   `yaml:"strategy_id" json:"strategy_id"`
	// PositionID links the order to the position it opens or closes.
	// Empty for rebalancing orders without an existing position.
	PositionID string `yaml:"position_id" json:"position_id"`
}

// Order is the tracked exchange-side order state.
type Order struct {
	ID               string      `yaml:"id" json:"id"`
	ExchangeID       string      `yaml:"exchange_id" json:"exchange_id"`
	IdempotencyToken string      `yaml:"idempotency_token" json:"idempotency_token"`
	Symbol           string      `yaml:"symbol" json:"symbol" validate:"required"`
	Side             OrderSide   `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Quantity         float64     `yaml:"quantity" json:"quantity" validate:"required,gt=0"`
	Status           OrderStatus `yaml:"status" json:"status"`
	FilledQuantity   float64     `yaml:"filled_quantity" json:"filled_quantity"`
	AvgFillPrice     float64     `yaml:"avg_fill_price" json:"avg_fill_price"`
	Reason           Reason      `yaml:"reason" json:"reason"`
	StrategyID       string      `yaml:"strategy_id" json:"strategy_id"`
	PositionID       string      `yaml:"position_id" json:"position_id"`
	SubmittedAt      time.Time   `yaml:"submitted_at" json:"submitted_at"`
	UpdatedAt        time.Time   `yaml:"updated_at" json:"updated_at"`
}

// Validate validates the ExecuteOrder struct.
func (eo *ExecuteOrder) Validate() error {
	validate := validator.New()
	if err := validate.Struct(eo); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrder, "invalid execute order", err)
	}

	if eo.Price.IsSome() && eo.Price.Unwrap() <= 0 {
		return errors.Newf(errors.ErrCodeInvalidOrder, "limit price must be positive, got %f", eo.Price.Unwrap())
	}

	return nil
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() float64 {
	remaining := o.Quantity - o.FilledQuantity
	if remaining < 0 {
		return 0
	}

	return remaining
}
