package risk

import (
	"testing"
	"time"

	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type RiskManagerTestSuite struct {
	suite.Suite
	manager *Manager
}

func TestRiskManagerTestSuite(t *testing.T) {
	suite.Run(t, new(RiskManagerTestSuite))
}

func (suite *RiskManagerTestSuite) SetupTest() {
	suite.manager = NewManager(types.RiskLimits{
		MaxPositionNotional: 5000,
		MaxExposureFraction: 0.5,
		MaxDailyLoss:        500,
		MaxOpenPositions:    3,
	}, logger.NewNopLogger())
}

func snapshot() types.PortfolioSnapshot {
	return types.PortfolioSnapshot{
		Equity:            10000,
		TotalExposure:     0,
		OpenPositionCount: 0,
		DailyRealizedLoss: 0,
		ExposureBySymbol:  map[string]float64{},
		Prices:            map[string]float64{"BTCUSDT": 100, "ETHUSDT": 10},
	}
}

func entryIntent(notional float64) types.TradeIntent {
	return types.TradeIntent{
		Symbol:     "BTCUSDT",
		Side:       types.OrderSideBuy,
		Kind:       types.IntentKindEntry,
		Notional:   notional,
		StrategyID: "momentum",
		CreatedAt:  time.Now(),
	}
}

func (suite *RiskManagerTestSuite) TestApprovesWithinLimits() {
	decision := suite.manager.Evaluate(entryIntent(1000), snapshot())

	suite.True(decision.Approved)
	suite.False(decision.Scaled)
	suite.InDelta(10.0, decision.Quantity, 1e-9)
	suite.InDelta(1000.0, decision.Notional, 1e-9)
}

func (suite *RiskManagerTestSuite) TestExposureScalesToHeadroom() {
	// maxExposure = 0.5 * 10000 = 5000, existing 4000 leaves 1000
	snap := snapshot()
	snap.TotalExposure = 4000

	decision := suite.manager.Evaluate(entryIntent(8000), snap)

	suite.True(decision.Approved)
	suite.True(decision.Scaled)
	suite.InDelta(1000.0, decision.Notional, 1e-9)
	suite.InDelta(10.0, decision.Quantity, 1e-9)
}

func (suite *RiskManagerTestSuite) TestExposureRejectsWithoutHeadroom() {
	snap := snapshot()
	snap.TotalExposure = 5000

	decision := suite.manager.Evaluate(entryIntent(100), snap)

	suite.False(decision.Approved)
	suite.Equal(errors.ErrCodeExposureLimitReached, decision.RejectCode)
}

func (suite *RiskManagerTestSuite) TestApprovedExposureNeverExceedsLimit() {
	// Property: whatever the intent sequence, the running total of approved
	// notional stays within maxExposureFraction * equity.
	snap := snapshot()
	notionals := []float64{1200, 3000, 900, 4000, 2500, 700}

	for _, n := range notionals {
		decision := suite.manager.Evaluate(entryIntent(n), snap)
		if !decision.Approved {
			continue
		}

		snap.TotalExposure += decision.Notional
		suite.LessOrEqual(snap.TotalExposure, 0.5*snap.Equity+1e-9)
	}
}

func (suite *RiskManagerTestSuite) TestDailyLossGateRejectsEntries() {
	snap := snapshot()
	snap.DailyRealizedLoss = 500

	decision := suite.manager.Evaluate(entryIntent(100), snap)
	suite.False(decision.Approved)
	suite.Equal(errors.ErrCodeDailyLossLimitReached, decision.RejectCode)
}

func (suite *RiskManagerTestSuite) TestDailyLossGateAllowsExits() {
	snap := snapshot()
	snap.DailyRealizedLoss = 500

	exit := types.TradeIntent{
		Symbol:     "BTCUSDT",
		Side:       types.OrderSideSell,
		Kind:       types.IntentKindExit,
		Quantity:   1,
		StrategyID: "exit-manager",
		CreatedAt:  time.Now(),
	}

	decision := suite.manager.Evaluate(exit, snap)
	suite.True(decision.Approved)
	suite.InDelta(1.0, decision.Quantity, 1e-9)
}

func (suite *RiskManagerTestSuite) TestPositionCountGate() {
	snap := snapshot()
	snap.OpenPositionCount = 3

	decision := suite.manager.Evaluate(entryIntent(100), snap)
	suite.False(decision.Approved)
	suite.Equal(errors.ErrCodePositionLimitReached, decision.RejectCode)

	// rebalance corrections are not new entries
	rebalance := entryIntent(100)
	rebalance.Kind = types.IntentKindRebalance
	suite.True(suite.manager.Evaluate(rebalance, snap).Approved)
}

func (suite *RiskManagerTestSuite) TestNotionalCapScales() {
	decision := suite.manager.Evaluate(entryIntent(6000), snapshot())

	suite.True(decision.Approved)
	suite.True(decision.Scaled)
	suite.InDelta(5000.0, decision.Notional, 1e-9)
}

func (suite *RiskManagerTestSuite) TestRejectsMalformedIntent() {
	intent := entryIntent(0)
	decision := suite.manager.Evaluate(intent, snapshot())

	suite.False(decision.Approved)
	suite.Equal(errors.ErrCodeInvalidIntent, decision.RejectCode)
}

func (suite *RiskManagerTestSuite) TestRejectsUnknownSymbol() {
	intent := entryIntent(100)
	intent.Symbol = "DOGEUSDT"

	decision := suite.manager.Evaluate(intent, snapshot())
	suite.False(decision.Approved)
}

type SizingTestSuite struct {
	suite.Suite
}

func TestSizingTestSuite(t *testing.T) {
	suite.Run(t, new(SizingTestSuite))
}

func (suite *SizingTestSuite) TestComputeExitPrices() {
	stop, takeProfit := ComputeExitPrices(100, ExitDefaults{StopLossPct: 0.02, TakeProfitPct: 0.05})
	suite.InDelta(98.0, stop, 1e-9)
	suite.InDelta(105.0, takeProfit, 1e-9)
}

func (suite *SizingTestSuite) TestPositionSizeByRisk() {
	// risk 1% of 10000 = 100 over a $5 stop distance caps at 20 units,
	// allocation 10% of 10000 = 1000 caps at 10 units
	qty := PositionSizeByRisk(10000, 100, 95, 0.01, 0.10)
	suite.InDelta(10.0, qty, 1e-9)

	// wider allocation lets the risk cap win
	qty = PositionSizeByRisk(10000, 100, 95, 0.01, 0.50)
	suite.InDelta(20.0, qty, 1e-9)
}

func (suite *SizingTestSuite) TestPositionSizeDegenerateInputs() {
	suite.Zero(PositionSizeByRisk(0, 100, 95, 0.01, 0.1))
	suite.Zero(PositionSizeByRisk(10000, 0, 95, 0.01, 0.1))
}

type DailyLossTestSuite struct {
	suite.Suite
}

func TestDailyLossTestSuite(t *testing.T) {
	suite.Run(t, new(DailyLossTestSuite))
}

func (suite *DailyLossTestSuite) TestAccumulatesLosses() {
	tracker := NewDailyLossTracker()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tracker.Record(now, -200)
	tracker.Record(now, -100)
	suite.InDelta(300.0, tracker.Loss(now), 1e-9)

	// profits claw the counter back, floored at zero
	tracker.Record(now, 250)
	suite.InDelta(50.0, tracker.Loss(now), 1e-9)

	tracker.Record(now, 500)
	suite.Zero(tracker.Loss(now))
}

func (suite *DailyLossTestSuite) TestResetsOnDayRoll() {
	tracker := NewDailyLossTracker()
	day1 := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)

	tracker.Record(day1, -400)
	suite.InDelta(400.0, tracker.Loss(day1), 1e-9)
	suite.Zero(tracker.Loss(day2))
}
