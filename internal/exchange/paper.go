package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

// PaperGateway is an in-process simulated exchange. It fills market orders
// immediately at the last set ticker price and supports scripted failures
// and partial fills, which makes it the fake of choice in tests and the
// backing gateway for dry runs.
type PaperGateway struct {
	mu       sync.Mutex
	prices   map[string]float64
	balances map[string]float64
	orders   map[string]*types.Order
	byToken  map[string]string
	byExchID map[string]string
	filters  map[string]SymbolFilters

	// scripted behaviors
	failPlace       []scriptedFailure
	holdFills       bool
	partialFillNext float64
}

type scriptedFailure struct {
	err         error
	afterCreate bool
}

// NewPaperGateway creates a paper gateway with no balances or prices set.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		prices:   make(map[string]float64),
		balances: make(map[string]float64),
		orders:   make(map[string]*types.Order),
		byToken:  make(map[string]string),
		byExchID: make(map[string]string),
		filters:  make(map[string]SymbolFilters),
	}
}

// SetPrice sets the ticker price for a symbol.
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

// SetBalance sets the balance for an asset.
func (g *PaperGateway) SetBalance(asset string, quantity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[asset] = quantity
}

// SetFilters sets the venue filters for a symbol.
func (g *PaperGateway) SetFilters(symbol string, filters SymbolFilters) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filters[symbol] = filters
}

// FailNextPlace scripts the next PlaceOrder call to return err. When
// afterCreate is true the order is still registered on the exchange before
// the error is returned, simulating an ambiguous network failure on the
// response path.
func (g *PaperGateway) FailNextPlace(err error, afterCreate bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failPlace = append(g.failPlace, scriptedFailure{err: err, afterCreate: afterCreate})
}

// HoldFills stops automatic fills; placed orders stay pending until
// ForceFill is called.
func (g *PaperGateway) HoldFills(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdFills = hold
}

// PartialFillNext makes the next fill stop at the given fraction of the
// requested quantity and leaves the order partially filled.
func (g *PaperGateway) PartialFillNext(fraction float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.partialFillNext = fraction
}

// ForceFill fills an order's remaining quantity at the current price.
func (g *PaperGateway) ForceFill(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.lookupLocked(orderID)
	if !ok {
		return
	}

	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = g.prices[order.Symbol]
	order.Status = types.OrderStatusFilled
	order.UpdatedAt = time.Now()
}

// ForceReject marks a pending order rejected.
func (g *PaperGateway) ForceReject(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if order, ok := g.lookupLocked(orderID); ok {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now()
	}
}

// OrderCount returns the number of orders the exchange has registered.
func (g *PaperGateway) OrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.orders)
}

// PlaceOrder implements Gateway.
func (g *PaperGateway) PlaceOrder(ctx context.Context, order types.ExecuteOrder) (types.Order, error) {
	if err := ctx.Err(); err != nil {
		return types.Order{}, errors.Wrap(errors.ErrCodeExchangeTimeout, "context done", err)
	}

	if err := order.Validate(); err != nil {
		return types.Order{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Exchange-side idempotency: a token already seen returns the
	// existing order instead of creating a duplicate.
	if existingID, seen := g.byToken[order.IdempotencyToken]; seen {
		return *g.orders[existingID], nil
	}

	if len(g.failPlace) > 0 {
		failure := g.failPlace[0]
		g.failPlace = g.failPlace[1:]

		if !failure.afterCreate {
			return types.Order{}, failure.err
		}

		_ = g.registerLocked(order)

		return types.Order{}, failure.err
	}

	price, ok := g.prices[order.Symbol]
	if !ok || price <= 0 {
		return types.Order{}, errors.Newf(errors.ErrCodeInvalidSymbol, "no ticker for symbol %s", order.Symbol)
	}

	if filters, has := g.filters[order.Symbol]; has {
		if filters.RoundQuantity(order.Quantity) <= 0 {
			return types.Order{}, errors.Newf(errors.ErrCodeOrderRejected, "quantity %f below venue minimum", order.Quantity)
		}

		if err := filters.ValidateNotional(price, order.Quantity); err != nil {
			return types.Order{}, err
		}
	}

	placed := g.registerLocked(order)

	return *placed, nil
}

// registerLocked creates the exchange-side order and applies the configured
// fill behavior. Caller holds g.mu.
func (g *PaperGateway) registerLocked(order types.ExecuteOrder) *types.Order {
	now := time.Now()
	placed := &types.Order{
		ID:               order.ID,
		ExchangeID:       uuid.New().String(),
		IdempotencyToken: order.IdempotencyToken,
		Symbol:           order.Symbol,
		Side:             order.Side,
		Quantity:         order.Quantity,
		Status:           types.OrderStatusPending,
		Reason:           order.Reason,
		StrategyID:       order.StrategyID,
		PositionID:       order.PositionID,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}

	price := g.prices[order.Symbol]

	if !g.holdFills && price > 0 {
		if g.partialFillNext > 0 {
			placed.FilledQuantity = order.Quantity * g.partialFillNext
			placed.Status = types.OrderStatusPartiallyFilled
			g.partialFillNext = 0
		} else {
			placed.FilledQuantity = order.Quantity
			placed.Status = types.OrderStatusFilled
		}

		placed.AvgFillPrice = price
	}

	g.orders[placed.ID] = placed
	g.byToken[order.IdempotencyToken] = placed.ID
	g.byExchID[placed.ExchangeID] = placed.ID

	return placed
}

// lookupLocked resolves an order by either client id or exchange id.
// Caller holds g.mu.
func (g *PaperGateway) lookupLocked(orderID string) (*types.Order, bool) {
	if order, ok := g.orders[orderID]; ok {
		return order, true
	}

	if clientID, ok := g.byExchID[orderID]; ok {
		return g.orders[clientID], true
	}

	return nil, false
}

// CancelOrder implements Gateway.
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol string, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.lookupLocked(orderID)
	if !ok {
		return errors.Newf(errors.ErrCodeUnknownOrder, "no order %s", orderID)
	}

	if !order.Status.IsTerminal() {
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = time.Now()
	}

	return nil
}

// GetOrderStatus implements Gateway.
func (g *PaperGateway) GetOrderStatus(ctx context.Context, symbol string, orderID string) (types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.lookupLocked(orderID)
	if !ok {
		return types.Order{}, errors.Newf(errors.ErrCodeUnknownOrder, "no order %s", orderID)
	}

	return *order, nil
}

// GetOrderByToken implements Gateway.
func (g *PaperGateway) GetOrderByToken(ctx context.Context, symbol string, token string) (types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	orderID, ok := g.byToken[token]
	if !ok {
		return types.Order{}, errors.Newf(errors.ErrCodeUnknownOrder, "no order for token %s", token)
	}

	return *g.orders[orderID], nil
}

// GetAccount implements Gateway.
func (g *PaperGateway) GetAccount(ctx context.Context) (types.AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	balances := make(map[string]float64, len(g.balances))
	for asset, qty := range g.balances {
		balances[asset] = qty
	}

	return types.AccountInfo{
		Balances:     balances,
		QuoteBalance: balances["USDT"],
	}, nil
}

// GetTicker implements Gateway.
func (g *PaperGateway) GetTicker(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeInvalidSymbol, "no ticker for symbol %s", symbol)
	}

	return price, nil
}

// GetSymbolFilters implements Gateway.
func (g *PaperGateway) GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.filters[symbol], nil
}

var _ Gateway = (*PaperGateway)(nil)
