// Package execution converts risk-approved trade requests into exchange
// orders and tracks them to a terminal status. Submissions are idempotent
// under retry: every request carries a client-generated token, and the
// engine checks the exchange for a live order with that token before any
// retry, so a transient failure can never produce a duplicate order.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

// Default engine configuration values.
const (
	DefaultMaxRetries           = 4
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultFillPollInterval     = time.Second
	DefaultMaxFillWait          = 30 * time.Second
)

// Config holds the execution engine tuning knobs.
type Config struct {
	// MaxRetries bounds the retry count for transient submission failures.
	MaxRetries uint64 `yaml:"max_retries" json:"max_retries"`
	// RetryInitialInterval seeds the exponential backoff.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	// FillPollInterval is the delay between order status polls.
	FillPollInterval time.Duration `yaml:"fill_poll_interval" json:"fill_poll_interval"`
	// MaxFillWait bounds how long a partially filled order is awaited
	// before its remainder is cancelled.
	MaxFillWait time.Duration `yaml:"max_fill_wait" json:"max_fill_wait"`
}

// withDefaults fills zero fields with default values.
func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}

	if c.FillPollInterval <= 0 {
		c.FillPollInterval = DefaultFillPollInterval
	}

	if c.MaxFillWait <= 0 {
		c.MaxFillWait = DefaultMaxFillWait
	}

	return c
}

// Request is a risk-approved trade ready for submission. LimitPrice is
// None for market orders.
type Request struct {
	Symbol     string
	Side       types.OrderSide
	Quantity   float64
	LimitPrice optional.Option[float64]
	Reason     types.Reason
	StrategyID string
	PositionID string
}

// Handle identifies a submitted order for later polling and cancellation.
type Handle struct {
	OrderID          string
	ExchangeID       string
	Symbol           string
	IdempotencyToken string
}

// Engine submits orders through the exchange gateway and tracks their
// lifecycle until terminal.
type Engine struct {
	gateway exchange.Gateway
	clock   clock.Clock
	config  Config
	log     *logger.Logger
	mu      sync.Mutex
	tracked map[string]types.Order
}

// NewEngine creates an execution engine.
func NewEngine(gateway exchange.Gateway, clk clock.Clock, config Config, log *logger.Logger) *Engine {
	return &Engine{
		gateway: gateway,
		clock:   clk,
		config:  config.withDefaults(),
		log:     log,
		tracked: make(map[string]types.Order),
	}
}

// Submit places the request on the exchange. Transient failures are
// retried with exponential backoff up to the configured attempt bound;
// before every retry the engine queries the exchange by idempotency token
// and adopts any live order it finds instead of resubmitting. Permanent
// exchange rejections are surfaced immediately without retry.
func (e *Engine) Submit(ctx context.Context, request Request) (Handle, error) {
	order := types.ExecuteOrder{
		ID:               uuid.New().String(),
		IdempotencyToken: uuid.New().String(),
		Symbol:           request.Symbol,
		Side:             request.Side,
		Quantity:         request.Quantity,
		Price:            request.LimitPrice,
		Reason:           request.Reason,
		StrategyID:       request.StrategyID,
		PositionID:       request.PositionID,
	}

	if err := order.Validate(); err != nil {
		return Handle{}, err
	}

	// Respect venue quantity constraints before the order goes out.
	filters, err := e.gateway.GetSymbolFilters(ctx, request.Symbol)
	if err == nil {
		rounded := filters.RoundQuantity(order.Quantity)
		if rounded <= 0 {
			return Handle{}, errors.Newf(errors.ErrCodeQuantityTooSmall,
				"quantity %.8f rounds to zero under venue filters", order.Quantity)
		}

		order.Quantity = rounded
	}

	var placed types.Order

	operation := func() error {
		result, placeErr := e.gateway.PlaceOrder(ctx, order)
		if placeErr == nil {
			placed = result

			return nil
		}

		if errors.IsTransient(placeErr) {
			// The request may have reached the exchange even though the
			// response was lost. Adopt the live order if one exists.
			if live, lookupErr := e.gateway.GetOrderByToken(ctx, order.Symbol, order.IdempotencyToken); lookupErr == nil {
				placed = live
				placed.ID = order.ID
				placed.Reason = order.Reason
				placed.StrategyID = order.StrategyID
				placed.PositionID = order.PositionID

				return nil
			}

			e.log.Warn("transient submission failure, will retry",
				zap.String("symbol", order.Symbol),
				zap.String("token", order.IdempotencyToken),
				zap.Error(placeErr),
			)

			return placeErr
		}

		return backoff.Permanent(placeErr)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.RetryInitialInterval

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, e.config.MaxRetries), ctx))
	if err != nil {
		if errors.IsPermanent(err) {
			return Handle{}, err
		}

		return Handle{}, errors.Wrap(errors.ErrCodeRetriesExhausted, "order submission retries exhausted", err)
	}

	e.mu.Lock()
	e.tracked[placed.ID] = placed
	e.mu.Unlock()

	e.log.Info("order submitted",
		zap.String("order_id", placed.ID),
		zap.String("symbol", placed.Symbol),
		zap.String("side", string(placed.Side)),
		zap.Float64("quantity", placed.Quantity),
		zap.String("status", string(placed.Status)),
	)

	return Handle{
		OrderID:          placed.ID,
		ExchangeID:       placed.ExchangeID,
		Symbol:           placed.Symbol,
		IdempotencyToken: placed.IdempotencyToken,
	}, nil
}

// PollStatus refreshes and returns the tracked order state. An order that
// reaches a terminal status is dropped from tracking once its final state
// has been handed to the caller, so the tracked set stays bounded by the
// orders actually in flight.
func (e *Engine) PollStatus(ctx context.Context, handle Handle) (types.Order, error) {
	e.mu.Lock()
	tracked, ok := e.tracked[handle.OrderID]
	e.mu.Unlock()

	if !ok {
		return types.Order{}, errors.Newf(errors.ErrCodeOrderNotTracked, "order %s is not tracked", handle.OrderID)
	}

	if tracked.Status.IsTerminal() {
		e.untrack(handle.OrderID)

		return tracked, nil
	}

	current, err := e.gateway.GetOrderStatus(ctx, handle.Symbol, lookupID(handle))
	if err != nil {
		return types.Order{}, err
	}

	// Preserve engine-side linkage the exchange does not know about.
	current.ID = tracked.ID
	current.Reason = tracked.Reason
	current.StrategyID = tracked.StrategyID
	current.PositionID = tracked.PositionID

	if current.Status.IsTerminal() {
		e.untrack(handle.OrderID)

		return current, nil
	}

	e.mu.Lock()
	e.tracked[handle.OrderID] = current
	e.mu.Unlock()

	return current, nil
}

func (e *Engine) untrack(orderID string) {
	e.mu.Lock()
	delete(e.tracked, orderID)
	e.mu.Unlock()
}

// Cancel cancels the order's remaining quantity.
func (e *Engine) Cancel(ctx context.Context, handle Handle) error {
	return e.gateway.CancelOrder(ctx, handle.Symbol, lookupID(handle))
}

// AwaitFill polls the order until it reaches a terminal status or the
// configured maximum wait elapses. On timeout the remainder is cancelled
// and the final state, reconciled to the filled quantity only, is
// returned.
func (e *Engine) AwaitFill(ctx context.Context, handle Handle) (types.Order, error) {
	deadline := e.clock.Now().Add(e.config.MaxFillWait)

	for {
		order, err := e.PollStatus(ctx, handle)
		if err != nil {
			return types.Order{}, err
		}

		if order.Status.IsTerminal() {
			return order, nil
		}

		if !e.clock.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return order, errors.Wrap(errors.ErrCodeExchangeTimeout, "await fill cancelled", ctx.Err())
		case <-e.clock.After(e.config.FillPollInterval):
		}
	}

	// Max wait elapsed with the order still working: cancel the remainder
	// and settle for what filled.
	if err := e.Cancel(ctx, handle); err != nil {
		e.log.Warn("failed to cancel stale order",
			zap.String("order_id", handle.OrderID),
			zap.Error(err),
		)
	}

	final, err := e.PollStatus(ctx, handle)
	if err != nil {
		return types.Order{}, err
	}

	e.log.Info("order fill window elapsed, remainder cancelled",
		zap.String("order_id", handle.OrderID),
		zap.Float64("filled", final.FilledQuantity),
		zap.Float64("requested", final.Quantity),
	)

	return final, nil
}

// Tracked returns the last known state of a tracked order.
func (e *Engine) Tracked(orderID string) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.tracked[orderID]

	return order, ok
}

// lookupID prefers the exchange-assigned id and falls back to the engine id
// for gateways that key orders by client id.
func lookupID(handle Handle) string {
	if handle.ExchangeID != "" {
		return handle.ExchangeID
	}

	return handle.OrderID
}
