package exchange

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
)

const (
	// binanceDecimalPrecision is a default quantity precision used as a
	// fallback when no LOT_SIZE filter is cached for the symbol.
	binanceDecimalPrecision = 8

	// Binance API error codes the core needs to distinguish.
	binanceCodeTooManyRequests     = -1003
	binanceCodeServerBusy          = -1004
	binanceCodeTimeout             = -1007
	binanceCodeInsufficientBalance = -2010
	binanceCodeCancelRejected      = -2011
	binanceCodeUnknownOrder        = -2013
)

// BinanceGateway implements Gateway against the Binance spot API. It is
// stateless apart from a per-symbol filter cache; all order and balance
// state lives on the exchange.
type BinanceGateway struct {
	client *binance.Client

	// filtersMu guards filters. Exit sweeps submit from several
	// goroutines at once, so cache reads and writes race without it.
	filtersMu sync.Mutex
	filters   map[string]SymbolFilters
}

// NewBinanceGateway creates a gateway against Binance live or testnet.
// config.BaseURL, when set, takes precedence over useTestnet.
func NewBinanceGateway(config BinanceConfig, useTestnet bool) (*BinanceGateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if useTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient(config.ApiKey, config.SecretKey)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return &BinanceGateway{
		client:  client,
		filters: make(map[string]SymbolFilters),
	}, nil
}

// classifyBinanceError maps a go-binance error to the core's error taxonomy
// so callers can decide between retry, rollback, and reconciliation.
func classifyBinanceError(message string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case binanceCodeTooManyRequests:
			return errors.Wrap(errors.ErrCodeRateLimited, message, err)
		case binanceCodeServerBusy, binanceCodeTimeout:
			return errors.Wrap(errors.ErrCodeExchangeUnavailable, message, err)
		case binanceCodeInsufficientBalance:
			return errors.Wrap(errors.ErrCodeInsufficientBalance, message, err)
		case binanceCodeUnknownOrder, binanceCodeCancelRejected:
			return errors.Wrap(errors.ErrCodeUnknownOrder, message, err)
		default:
			return errors.Wrap(errors.ErrCodeOrderRejected, message, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeExchangeTimeout, message, err)
	}

	// Anything that never reached the exchange is treated as transient.
	return errors.Wrap(errors.ErrCodeExchangeUnavailable, message, err)
}

func mapBinanceStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return types.OrderStatusPending
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return types.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// PlaceOrder implements Gateway. The idempotency token is forwarded as the
// Binance newClientOrderId, which the venue deduplicates server-side.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, order types.ExecuteOrder) (types.Order, error) {
	if err := order.Validate(); err != nil {
		return types.Order{}, err
	}

	var side binance.SideType

	switch order.Side {
	case types.OrderSideBuy:
		side = binance.SideTypeBuy
	case types.OrderSideSell:
		side = binance.SideTypeSell
	default:
		return types.Order{}, errors.Newf(errors.ErrCodeInvalidOrder, "unsupported order side: %s", order.Side)
	}

	service := g.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		NewClientOrderID(order.IdempotencyToken).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', binanceDecimalPrecision, 64))

	if order.Price.IsSome() {
		service = service.
			Type(binance.OrderTypeLimit).
			Price(strconv.FormatFloat(order.Price.Unwrap(), 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	} else {
		service = service.Type(binance.OrderTypeMarket)
	}

	resp, err := service.Do(ctx)
	if err != nil {
		return types.Order{}, classifyBinanceError("failed to place order on binance", err)
	}

	placed := types.Order{
		ID:               order.ID,
		ExchangeID:       strconv.FormatInt(resp.OrderID, 10),
		IdempotencyToken: order.IdempotencyToken,
		Symbol:           order.Symbol,
		Side:             order.Side,
		Quantity:         order.Quantity,
		Status:           mapBinanceStatus(resp.Status),
		Reason:           order.Reason,
		StrategyID:       order.StrategyID,
		PositionID:       order.PositionID,
	}

	placed.FilledQuantity, _ = strconv.ParseFloat(resp.ExecutedQuantity, 64)

	if quote, parseErr := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64); parseErr == nil && placed.FilledQuantity > 0 {
		placed.AvgFillPrice = quote / placed.FilledQuantity
	}

	return placed, nil
}

// CancelOrder implements Gateway.
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol string, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid binance order id %q", orderID)
	}

	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classifyBinanceError("failed to cancel order on binance", err)
	}

	return nil
}

// GetOrderStatus implements Gateway.
func (g *BinanceGateway) GetOrderStatus(ctx context.Context, symbol string, orderID string) (types.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.Order{}, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid binance order id %q", orderID)
	}

	resp, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return types.Order{}, classifyBinanceError("failed to query order on binance", err)
	}

	return g.mapOrder(symbol, resp), nil
}

// GetOrderByToken implements Gateway.
func (g *BinanceGateway) GetOrderByToken(ctx context.Context, symbol string, token string) (types.Order, error) {
	resp, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(token).
		Do(ctx)
	if err != nil {
		return types.Order{}, classifyBinanceError("failed to query order by token on binance", err)
	}

	return g.mapOrder(symbol, resp), nil
}

func (g *BinanceGateway) mapOrder(symbol string, resp *binance.Order) types.Order {
	order := types.Order{
		ExchangeID:       strconv.FormatInt(resp.OrderID, 10),
		IdempotencyToken: resp.ClientOrderID,
		Symbol:           symbol,
		Side:             types.OrderSide(resp.Side),
		Status:           mapBinanceStatus(resp.Status),
	}

	order.Quantity, _ = strconv.ParseFloat(resp.OrigQuantity, 64)
	order.FilledQuantity, _ = strconv.ParseFloat(resp.ExecutedQuantity, 64)

	if quote, err := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64); err == nil && order.FilledQuantity > 0 {
		order.AvgFillPrice = quote / order.FilledQuantity
	}

	return order
}

// GetAccount implements Gateway.
func (g *BinanceGateway) GetAccount(ctx context.Context) (types.AccountInfo, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return types.AccountInfo{}, classifyBinanceError("failed to get account from binance", err)
	}

	balances := make(map[string]float64)

	for _, balance := range account.Balances {
		free, _ := strconv.ParseFloat(balance.Free, 64)
		locked, _ := strconv.ParseFloat(balance.Locked, 64)

		if total := free + locked; total > 0 {
			balances[balance.Asset] = total
		}
	}

	return types.AccountInfo{
		Balances:     balances,
		QuoteBalance: balances["USDT"],
	}, nil
}

// GetTicker implements Gateway.
func (g *BinanceGateway) GetTicker(ctx context.Context, symbol string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyBinanceError("failed to get ticker from binance", err)
	}

	if len(prices) == 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidSymbol, "no ticker returned for symbol %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "unparseable ticker price %q", prices[0].Price)
	}

	return price, nil
}

// GetSymbolFilters implements Gateway. Filters are fetched once per symbol
// and cached for the session.
func (g *BinanceGateway) GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	g.filtersMu.Lock()
	cached, ok := g.filters[symbol]
	g.filtersMu.Unlock()

	if ok {
		return cached, nil
	}

	info, err := g.client.NewExchangeInfoService().Symbols(symbol).Do(ctx)
	if err != nil {
		return SymbolFilters{}, classifyBinanceError("failed to get exchange info from binance", err)
	}

	var filters SymbolFilters

	for _, symbolInfo := range info.Symbols {
		if symbolInfo.Symbol != symbol {
			continue
		}

		if lot := symbolInfo.LotSizeFilter(); lot != nil {
			filters.StepSize, _ = strconv.ParseFloat(lot.StepSize, 64)
			filters.MinQuantity, _ = strconv.ParseFloat(lot.MinQuantity, 64)
		}

		if notional := symbolInfo.NotionalFilter(); notional != nil {
			filters.MinNotional, _ = strconv.ParseFloat(notional.MinNotional, 64)
		}

		if price := symbolInfo.PriceFilter(); price != nil {
			filters.TickSize, _ = strconv.ParseFloat(price.TickSize, 64)
		}
	}

	g.filtersMu.Lock()
	g.filters[symbol] = filters
	g.filtersMu.Unlock()

	return filters, nil
}

var _ Gateway = (*BinanceGateway)(nil)
