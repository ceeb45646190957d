// Package exchange defines the gateway through which the trading core talks
// to an exchange, plus the concrete implementations chosen at startup.
package exchange

import (
	"context"
	"fmt"

	"github.com/quantfoundry/tradepilot/internal/types"
)

// Gateway is the uniform interface to place and cancel orders and to read
// balances and prices. Every call carries a context with a deadline; no
// method may block unboundedly.
//
// Implementations must return pkg/errors codes that let callers distinguish
// transient failures (network, timeout, rate limit) from terminal
// rejections (insufficient balance, invalid size) and unknown orders.
type Gateway interface {
	// PlaceOrder submits the order. The execute order's idempotency token
	// is forwarded as the client order id where the venue supports one.
	PlaceOrder(ctx context.Context, order types.ExecuteOrder) (types.Order, error)
	// CancelOrder cancels the remaining quantity of an order.
	CancelOrder(ctx context.Context, symbol string, orderID string) error
	// GetOrderStatus fetches the current exchange-side state of an order.
	GetOrderStatus(ctx context.Context, symbol string, orderID string) (types.Order, error)
	// GetOrderByToken looks an order up by its idempotency token. Used to
	// check for a live order before retrying a failed submission.
	GetOrderByToken(ctx context.Context, symbol string, token string) (types.Order, error)
	// GetAccount returns balances per asset.
	GetAccount(ctx context.Context) (types.AccountInfo, error)
	// GetTicker returns the latest traded price for the symbol.
	GetTicker(ctx context.Context, symbol string) (float64, error)
	// GetSymbolFilters returns quantity and notional constraints for the symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}

type GatewayType string

const (
	GatewayBinanceLive  GatewayType = "binance-live"
	GatewayBinancePaper GatewayType = "binance-paper"
	GatewayPaper        GatewayType = "paper"
)

type GatewayInfo struct {
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description"`
	IsPaperTrading bool   `json:"isPaperTrading"`
}

var gatewayRegistry = map[GatewayType]GatewayInfo{
	GatewayBinanceLive: {
		Name:           string(GatewayBinanceLive),
		DisplayName:    "Binance Live",
		Description:    "Binance live environment for real-funds trading",
		IsPaperTrading: false,
	},
	GatewayBinancePaper: {
		Name:           string(GatewayBinancePaper),
		DisplayName:    "Binance Testnet",
		Description:    "Binance testnet for paper trading without real funds",
		IsPaperTrading: true,
	},
	GatewayPaper: {
		Name:           string(GatewayPaper),
		DisplayName:    "Paper",
		Description:    "In-process simulated exchange for dry runs and tests",
		IsPaperTrading: true,
	},
}

// GetSupportedGateways lists the registered gateway names.
func GetSupportedGateways() []string {
	gateways := make([]string, 0, len(gatewayRegistry))
	for gatewayType := range gatewayRegistry {
		gateways = append(gateways, string(gatewayType))
	}

	return gateways
}

// GetGatewayInfo returns metadata for a specific gateway.
func GetGatewayInfo(name string) (GatewayInfo, error) {
	info, exists := gatewayRegistry[GatewayType(name)]
	if !exists {
		return GatewayInfo{}, fmt.Errorf("unsupported exchange gateway: %s", name)
	}

	return info, nil
}

// NewGateway creates a gateway of the given type.
func NewGateway(gatewayType GatewayType, config BinanceConfig) (Gateway, error) {
	switch gatewayType {
	case GatewayBinanceLive:
		return NewBinanceGateway(config, false)
	case GatewayBinancePaper:
		return NewBinanceGateway(config, true)
	case GatewayPaper:
		return NewPaperGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported exchange gateway: %s", gatewayType)
	}
}
