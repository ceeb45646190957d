package exit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/execution"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/reporter"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"github.com/stretchr/testify/suite"
)

// memoryStore records every persisted position state, keyed by id, plus
// the trade ledger.
type memoryStore struct {
	mu     sync.Mutex
	saved  map[string]types.Position
	trades []types.Trade
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]types.Position)}
}

func (s *memoryStore) SavePosition(ctx context.Context, position types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[position.ID] = position

	return nil
}

func (s *memoryStore) SaveTrade(ctx context.Context, trade types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)

	return nil
}

func (s *memoryStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.trades)
}

func (s *memoryStore) get(id string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.saved[id]

	return position, ok
}

type ExitManagerTestSuite struct {
	suite.Suite
	gateway   *exchange.PaperGateway
	engine    *execution.Engine
	store     *memoryStore
	collector *reporter.CollectingReporter
	manager   *Manager
}

func TestExitManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ExitManagerTestSuite))
}

func (s *ExitManagerTestSuite) SetupTest() {
	s.gateway = exchange.NewPaperGateway()
	s.gateway.SetPrice("BTCUSDT", 100)
	s.gateway.SetBalance("USDT", 100000)

	clk := clock.NewRealClock()
	log := logger.NewNopLogger()

	s.engine = execution.NewEngine(s.gateway, clk, execution.Config{
		MaxRetries:           1,
		RetryInitialInterval: time.Millisecond,
		FillPollInterval:     time.Millisecond,
		MaxFillWait:          25 * time.Millisecond,
	}, log)

	s.store = newMemoryStore()
	s.collector = reporter.NewCollectingReporter(0)
	s.manager = NewManager(s.engine, s.gateway, s.store, clk, s.collector, log)
}

func (s *ExitManagerTestSuite) longPosition(rules ...types.ExitRule) types.Position {
	return types.Position{
		ID:            uuid.New().String(),
		Symbol:        "BTCUSDT",
		Quantity:      1.0,
		AvgEntryPrice: 100,
		OpenedAt:      time.Now(),
		Status:        types.PositionStatusOpen,
		StrategyID:    "momentum",
		ExitRules:     rules,
	}
}

func (s *ExitManagerTestSuite) TestStopLossClosesPosition() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})
	s.Require().NoError(s.manager.Track(context.Background(), position))

	// Above the trigger nothing happens.
	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 96})
	s.Require().Empty(closed)

	s.gateway.SetPrice("BTCUSDT", 94.9)

	closed = s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94.9})
	s.Require().Len(closed, 1)
	s.Assert().Equal(types.PositionStatusClosed, closed[0].Status)
	s.Assert().InDelta(-5.1, closed[0].RealizedPnL, 1e-9)

	// The book no longer tracks it and the close was persisted.
	s.Assert().Empty(s.manager.Positions())

	saved, ok := s.store.get(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusClosed, saved.Status)
	s.Assert().Equal(1, s.store.tradeCount())

	events := s.collector.EventsOfKind(reporter.EventPositionClosed)
	s.Require().Len(events, 1)
	s.Assert().Equal(types.OrderReasonStopLoss, events[0].Reason)
	s.Assert().Equal(1.0, events[0].Quantity)
}

func (s *ExitManagerTestSuite) TestTakeProfitClosesLongAtTarget() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleTakeProfit, TriggerPrice: 110})
	s.Require().NoError(s.manager.Track(context.Background(), position))

	s.gateway.SetPrice("BTCUSDT", 111)

	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 111})
	s.Require().Len(closed, 1)
	s.Assert().InDelta(11.0, closed[0].RealizedPnL, 1e-9)
}

func (s *ExitManagerTestSuite) TestTrailingStopRatchetsAndFires() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleTrailingStop, TrailDistance: 5})
	s.Require().NoError(s.manager.Track(context.Background(), position))

	// The mark ratchets up with favorable prices and never retreats.
	for _, price := range []float64{100, 104, 110, 108} {
		s.gateway.SetPrice("BTCUSDT", price)
		closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": price})
		s.Require().Empty(closed, "price %f must not fire", price)
	}

	tracked, ok := s.manager.Position(position.ID)
	s.Require().True(ok)
	s.Require().Len(tracked.ExitRules, 1)
	s.Assert().Equal(110.0, tracked.ExitRules[0].HighWaterMark)

	// A retrace of the trail distance from the mark fires the stop.
	s.gateway.SetPrice("BTCUSDT", 104.9)

	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 104.9})
	s.Require().Len(closed, 1)
	s.Assert().InDelta(4.9, closed[0].RealizedPnL, 1e-9)
}

func (s *ExitManagerTestSuite) TestStopLossTakesPrecedenceOverTakeProfit() {
	// Both rules fire on the same tick when the price gaps. Stop loss wins.
	position := s.longPosition(
		types.ExitRule{Kind: types.ExitRuleTakeProfit, TriggerPrice: 90},
		types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95},
	)
	s.Require().NoError(s.manager.Track(context.Background(), position))

	s.gateway.SetPrice("BTCUSDT", 85)

	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 85})
	s.Require().Len(closed, 1)

	events := s.collector.EventsOfKind(reporter.EventPositionClosed)
	s.Require().Len(events, 1)
	s.Assert().Equal(types.OrderReasonStopLoss, events[0].Reason)
}

func (s *ExitManagerTestSuite) TestFailedCloseRollsBackToOpen() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})
	s.Require().NoError(s.manager.Track(context.Background(), position))

	var failedWith error

	onCloseFailed := func(_ types.Position, err error) { failedWith = err }
	s.manager.SetCallbacks(Callbacks{OnCloseFailed: &onCloseFailed})

	s.gateway.FailNextPlace(errors.New(errors.ErrCodeInsufficientBalance, "insufficient balance"), false)
	s.gateway.SetPrice("BTCUSDT", 94)

	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Empty(closed)
	s.Require().Error(failedWith)

	tracked, ok := s.manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusOpen, tracked.Status)
	s.Assert().Empty(tracked.ClosingOrderID)

	// The next sweep retries and succeeds.
	closed = s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Len(closed, 1)
}

func (s *ExitManagerTestSuite) TestPartialCloseReopensRemainder() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})
	s.Require().NoError(s.manager.Track(context.Background(), position))

	var realized float64

	onPnL := func(pnl float64, _ time.Time) { realized += pnl }
	s.manager.SetCallbacks(Callbacks{OnPnLRealized: &onPnL})

	s.gateway.PartialFillNext(0.4)
	s.gateway.SetPrice("BTCUSDT", 94)

	closed := s.manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Empty(closed)

	tracked, ok := s.manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusOpen, tracked.Status)
	s.Assert().InDelta(0.6, tracked.Quantity, 1e-9)
	s.Assert().InDelta(-2.4, tracked.RealizedPnL, 1e-9)
	s.Assert().InDelta(-2.4, realized, 1e-9)
}

func (s *ExitManagerTestSuite) TestFlattenClosesEverything() {
	first := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 50})
	second := s.longPosition()
	second.Symbol = "ETHUSDT"
	s.gateway.SetPrice("ETHUSDT", 200)
	second.AvgEntryPrice = 200

	s.Require().NoError(s.manager.Track(context.Background(), first))
	s.Require().NoError(s.manager.Track(context.Background(), second))

	s.Require().NoError(s.manager.Flatten(context.Background()))
	s.Assert().Empty(s.manager.Positions())

	events := s.collector.EventsOfKind(reporter.EventPositionClosed)
	s.Require().Len(events, 2)

	for _, event := range events {
		s.Assert().Equal(types.OrderReasonFlatten, event.Reason)
	}
}

func (s *ExitManagerTestSuite) TestResumeRestoresOpenPositions() {
	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})

	s.Require().NoError(s.manager.Resume(context.Background(), []types.Position{position}))

	restored, ok := s.manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusOpen, restored.Status)
}

func (s *ExitManagerTestSuite) TestResumeReopensClosingPositionWithLostOrder() {
	position := s.longPosition()
	position.Status = types.PositionStatusClosing
	position.ClosingOrderID = uuid.New().String()

	s.Require().NoError(s.manager.Resume(context.Background(), []types.Position{position}))

	restored, ok := s.manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusOpen, restored.Status)
	s.Assert().Empty(restored.ClosingOrderID)
}

// flakySubmitter wraps the execution engine and drops a scripted number of
// AwaitFill results after the order already reached the exchange. It also
// counts closing submissions.
type flakySubmitter struct {
	engine *execution.Engine

	mu        sync.Mutex
	failAwait int
	submits   int
}

func (f *flakySubmitter) Submit(ctx context.Context, request execution.Request) (execution.Handle, error) {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()

	return f.engine.Submit(ctx, request)
}

func (f *flakySubmitter) AwaitFill(ctx context.Context, handle execution.Handle) (types.Order, error) {
	f.mu.Lock()
	fail := f.failAwait > 0
	if fail {
		f.failAwait--
	}
	f.mu.Unlock()

	if fail {
		return types.Order{}, errors.New(errors.ErrCodeExchangeTimeout, "status poll timed out")
	}

	return f.engine.AwaitFill(ctx, handle)
}

func (f *flakySubmitter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.submits
}

// outageGateway wraps the paper gateway and fails a scripted number of
// status lookups, simulating an unreachable exchange.
type outageGateway struct {
	*exchange.PaperGateway

	mu         sync.Mutex
	failStatus int
}

func (g *outageGateway) GetOrderStatus(ctx context.Context, symbol string, orderID string) (types.Order, error) {
	g.mu.Lock()
	fail := g.failStatus > 0
	if fail {
		g.failStatus--
	}
	g.mu.Unlock()

	if fail {
		return types.Order{}, errors.New(errors.ErrCodeExchangeUnavailable, "exchange unreachable")
	}

	return g.PaperGateway.GetOrderStatus(ctx, symbol, orderID)
}

func (s *ExitManagerTestSuite) TestLostFillOutcomeSettlesFromExchangeState() {
	// The closing order fills on the exchange but the fill confirmation is
	// lost. The manager must settle from exchange state instead of
	// reopening the position and selling the quantity twice.
	submitter := &flakySubmitter{engine: s.engine, failAwait: 1}
	manager := NewManager(submitter, s.gateway, s.store, clock.NewRealClock(), s.collector, logger.NewNopLogger())

	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})
	s.Require().NoError(manager.Track(context.Background(), position))

	s.gateway.SetPrice("BTCUSDT", 94)

	closed := manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Len(closed, 1)
	s.Assert().Equal(types.PositionStatusClosed, closed[0].Status)

	s.Assert().Equal(1, submitter.submitCount())
	s.Assert().Equal(1, s.gateway.OrderCount())
	s.Assert().Equal(1, s.store.tradeCount())
	s.Assert().Empty(manager.Positions())
}

func (s *ExitManagerTestSuite) TestUnresolvedCloseStaysClosingUntilReconciled() {
	// Both the fill wait and the follow-up status lookup fail while the
	// closing order is still working. The position must hold in Closing so
	// no second closing order goes out, then reconcile on the next sweep.
	gateway := &outageGateway{PaperGateway: s.gateway, failStatus: 1}
	gateway.HoldFills(true)

	submitter := &flakySubmitter{engine: s.engine, failAwait: 1}
	manager := NewManager(submitter, gateway, s.store, clock.NewRealClock(), s.collector, logger.NewNopLogger())

	position := s.longPosition(types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: 95})
	s.Require().NoError(manager.Track(context.Background(), position))

	gateway.SetPrice("BTCUSDT", 94)

	closed := manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Empty(closed)

	tracked, ok := manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusClosing, tracked.Status)
	s.Assert().NotEmpty(tracked.ClosingOrderID)
	s.Assert().Equal(1, submitter.submitCount())
	s.Assert().Equal(1, gateway.OrderCount())

	// The exchange is reachable again. The sweep reconciles the stuck
	// close: the working order is cancelled with zero fill and the
	// position returns to Open, still without a second submission.
	closed = manager.Sweep(context.Background(), map[string]float64{"BTCUSDT": 94})
	s.Require().Empty(closed)

	tracked, ok = manager.Position(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusOpen, tracked.Status)
	s.Assert().Empty(tracked.ClosingOrderID)
	s.Assert().Equal(1, submitter.submitCount())
	s.Assert().Equal(1, gateway.OrderCount())
}

func (s *ExitManagerTestSuite) TestResumeFinalizesFilledClosingOrder() {
	position := s.longPosition()
	position.Status = types.PositionStatusClosing

	// A closing sell filled on the exchange while the process was down.
	order := types.ExecuteOrder{
		ID:               uuid.New().String(),
		IdempotencyToken: uuid.New().String(),
		Symbol:           "BTCUSDT",
		Side:             types.OrderSideSell,
		Quantity:         1.0,
		Reason:           types.Reason{Reason: types.OrderReasonStopLoss},
		PositionID:       position.ID,
	}

	s.gateway.SetPrice("BTCUSDT", 90)
	placed, err := s.gateway.PlaceOrder(context.Background(), order)
	s.Require().NoError(err)
	s.Require().Equal(types.OrderStatusFilled, placed.Status)

	position.ClosingOrderID = placed.ExchangeID

	s.Require().NoError(s.manager.Resume(context.Background(), []types.Position{position}))

	// The position is not tracked and was persisted closed with the pnl
	// from the offline fill.
	_, ok := s.manager.Position(position.ID)
	s.Assert().False(ok)

	saved, ok := s.store.get(position.ID)
	s.Require().True(ok)
	s.Assert().Equal(types.PositionStatusClosed, saved.Status)
	s.Assert().InDelta(-10.0, saved.RealizedPnL, 1e-9)
}
