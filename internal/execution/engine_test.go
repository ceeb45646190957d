package execution

import (
	"context"
	"testing"
	"time"

	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type ExecutionEngineTestSuite struct {
	suite.Suite
	gateway *exchange.PaperGateway
	engine  *Engine
}

func TestExecutionEngineTestSuite(t *testing.T) {
	suite.Run(t, new(ExecutionEngineTestSuite))
}

func (s *ExecutionEngineTestSuite) SetupTest() {
	s.gateway = exchange.NewPaperGateway()
	s.gateway.SetPrice("BTCUSDT", 50000)
	s.gateway.SetBalance("USDT", 100000)

	s.engine = NewEngine(s.gateway, clock.NewRealClock(), Config{
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
		FillPollInterval:     time.Millisecond,
		MaxFillWait:          25 * time.Millisecond,
	}, logger.NewNopLogger())
}

func (s *ExecutionEngineTestSuite) request(quantity float64) Request {
	return Request{
		Symbol:     "BTCUSDT",
		Side:       types.OrderSideBuy,
		Quantity:   quantity,
		Reason:     types.Reason{Reason: types.OrderReasonStrategy, Message: "signal"},
		StrategyID: "momentum",
	}
}

func (s *ExecutionEngineTestSuite) TestSubmitFillsMarketOrder() {
	handle, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().NoError(err)
	s.Require().NotEmpty(handle.OrderID)
	s.Require().NotEmpty(handle.IdempotencyToken)

	order, ok := s.engine.Tracked(handle.OrderID)
	s.Require().True(ok)
	s.Assert().Equal(types.OrderStatusFilled, order.Status)
	s.Assert().Equal(0.5, order.FilledQuantity)
	s.Assert().Equal(50000.0, order.AvgFillPrice)
}

func (s *ExecutionEngineTestSuite) TestSubmitAdoptsOrderAfterAmbiguousFailure() {
	// The exchange registers the order but the response is lost. The
	// retry must find the live order by token instead of resubmitting.
	s.gateway.FailNextPlace(errors.New(errors.ErrCodeExchangeUnavailable, "connection reset"), true)

	handle, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().NoError(err)

	s.Assert().Equal(1, s.gateway.OrderCount())

	order, ok := s.engine.Tracked(handle.OrderID)
	s.Require().True(ok)
	s.Assert().Equal(handle.IdempotencyToken, order.IdempotencyToken)
	s.Assert().Equal(types.OrderStatusFilled, order.Status)
}

func (s *ExecutionEngineTestSuite) TestSubmitRetriesTransientFailure() {
	s.gateway.FailNextPlace(errors.New(errors.ErrCodeExchangeUnavailable, "503"), false)
	s.gateway.FailNextPlace(errors.New(errors.ErrCodeExchangeTimeout, "timeout"), false)

	_, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().NoError(err)
	s.Assert().Equal(1, s.gateway.OrderCount())
}

func (s *ExecutionEngineTestSuite) TestSubmitSurfacesPermanentRejection() {
	s.gateway.FailNextPlace(errors.New(errors.ErrCodeInsufficientBalance, "insufficient balance"), false)

	_, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().Error(err)
	s.Assert().True(errors.HasCode(err, errors.ErrCodeInsufficientBalance))
	s.Assert().Equal(0, s.gateway.OrderCount())
}

func (s *ExecutionEngineTestSuite) TestSubmitExhaustsRetries() {
	for i := 0; i < 4; i++ {
		s.gateway.FailNextPlace(errors.New(errors.ErrCodeExchangeUnavailable, "down"), false)
	}

	_, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().Error(err)
	s.Assert().True(errors.HasCode(err, errors.ErrCodeRetriesExhausted))
	s.Assert().Equal(0, s.gateway.OrderCount())
}

func (s *ExecutionEngineTestSuite) TestSubmitRejectsQuantityBelowVenueMinimum() {
	s.gateway.SetFilters("BTCUSDT", exchange.SymbolFilters{
		StepSize:    0.001,
		MinQuantity: 0.001,
	})

	_, err := s.engine.Submit(context.Background(), s.request(0.0004))
	s.Require().Error(err)
	s.Assert().True(errors.HasCode(err, errors.ErrCodeQuantityTooSmall))
	s.Assert().Equal(0, s.gateway.OrderCount())
}

func (s *ExecutionEngineTestSuite) TestAwaitFillReturnsTerminalOrder() {
	handle, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().NoError(err)

	order, err := s.engine.AwaitFill(context.Background(), handle)
	s.Require().NoError(err)
	s.Assert().Equal(types.OrderStatusFilled, order.Status)
	s.Assert().Equal(0.5, order.FilledQuantity)
}

func (s *ExecutionEngineTestSuite) TestAwaitFillCancelsStalePartialFill() {
	s.gateway.PartialFillNext(0.4)

	handle, err := s.engine.Submit(context.Background(), s.request(1.0))
	s.Require().NoError(err)

	order, err := s.engine.AwaitFill(context.Background(), handle)
	s.Require().NoError(err)

	// The remainder was cancelled; only the filled part stands.
	s.Assert().Equal(types.OrderStatusCancelled, order.Status)
	s.Assert().InDelta(0.4, order.FilledQuantity, 1e-9)
	s.Assert().InDelta(0.6, order.RemainingQuantity(), 1e-9)
}

func (s *ExecutionEngineTestSuite) TestAwaitFillResolvesLateFill() {
	s.gateway.HoldFills(true)

	handle, err := s.engine.Submit(context.Background(), s.request(1.0))
	s.Require().NoError(err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.gateway.ForceFill(handle.OrderID)
	}()

	order, err := s.engine.AwaitFill(context.Background(), handle)
	s.Require().NoError(err)
	s.Assert().Equal(types.OrderStatusFilled, order.Status)
}

func (s *ExecutionEngineTestSuite) TestTerminalOrderEvictedAfterCollection() {
	handle, err := s.engine.Submit(context.Background(), s.request(0.5))
	s.Require().NoError(err)

	order, err := s.engine.AwaitFill(context.Background(), handle)
	s.Require().NoError(err)
	s.Require().Equal(types.OrderStatusFilled, order.Status)

	// The terminal state was handed to the caller; the engine drops the
	// order so long sessions do not accumulate finished orders.
	_, ok := s.engine.Tracked(handle.OrderID)
	s.Assert().False(ok)

	_, err = s.engine.PollStatus(context.Background(), handle)
	s.Require().Error(err)
	s.Assert().True(errors.HasCode(err, errors.ErrCodeOrderNotTracked))
}

func (s *ExecutionEngineTestSuite) TestPollStatusUnknownOrder() {
	_, err := s.engine.PollStatus(context.Background(), Handle{OrderID: "missing", Symbol: "BTCUSDT"})
	s.Require().Error(err)
	s.Assert().True(errors.HasCode(err, errors.ErrCodeOrderNotTracked))
}
