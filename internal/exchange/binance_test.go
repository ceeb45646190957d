package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

// exchangeInfoPayload is a trimmed /api/v3/exchangeInfo response for one
// symbol with the three filters the gateway parses.
const exchangeInfoPayload = `{
	"timezone": "UTC",
	"serverTime": 1756700000000,
	"symbols": [
		{
			"symbol": "BTCUSDT",
			"status": "TRADING",
			"baseAsset": "BTC",
			"quoteAsset": "USDT",
			"filters": [
				{"filterType": "LOT_SIZE", "minQty": "0.00010000", "maxQty": "9000.00000000", "stepSize": "0.00010000"},
				{"filterType": "NOTIONAL", "minNotional": "5.00000000", "maxNotional": "9000000.00000000"},
				{"filterType": "PRICE_FILTER", "minPrice": "0.01000000", "maxPrice": "1000000.00000000", "tickSize": "0.01000000"}
			]
		}
	]
}`

type BinanceGatewayTestSuite struct {
	suite.Suite
	server   *httptest.Server
	requests atomic.Int64
	gateway  *BinanceGateway
}

func TestBinanceGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(BinanceGatewayTestSuite))
}

func (suite *BinanceGatewayTestSuite) SetupTest() {
	suite.requests.Store(0)
	suite.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(exchangeInfoPayload))
	}))

	gateway, err := NewBinanceGateway(BinanceConfig{
		ApiKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   suite.server.URL,
	}, false)
	suite.Require().NoError(err)
	suite.gateway = gateway
}

func (suite *BinanceGatewayTestSuite) TearDownTest() {
	suite.server.Close()
}

func (suite *BinanceGatewayTestSuite) TestSymbolFiltersParsed() {
	filters, err := suite.gateway.GetSymbolFilters(context.Background(), "BTCUSDT")
	suite.Require().NoError(err)
	suite.Equal(0.0001, filters.StepSize)
	suite.Equal(0.0001, filters.MinQuantity)
	suite.Equal(5.0, filters.MinNotional)
	suite.Equal(0.01, filters.TickSize)
}

func (suite *BinanceGatewayTestSuite) TestSymbolFiltersConcurrentAccess() {
	// An exit sweep submits from several goroutines at once and every
	// submission consults the filter cache. The cache must survive
	// concurrent reads and writes.
	var group errgroup.Group

	for i := 0; i < 8; i++ {
		group.Go(func() error {
			filters, err := suite.gateway.GetSymbolFilters(context.Background(), "BTCUSDT")
			if err != nil {
				return err
			}

			suite.Equal(0.0001, filters.StepSize)

			return nil
		})
	}

	suite.Require().NoError(group.Wait())

	// Once the cache is warm, further lookups never hit the exchange.
	fetched := suite.requests.Load()

	_, err := suite.gateway.GetSymbolFilters(context.Background(), "BTCUSDT")
	suite.Require().NoError(err)
	suite.Equal(fetched, suite.requests.Load())
}
