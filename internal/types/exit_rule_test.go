package types

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type ExitRuleTestSuite struct {
	suite.Suite
}

func TestExitRuleTestSuite(t *testing.T) {
	suite.Run(t, new(ExitRuleTestSuite))
}

func (suite *ExitRuleTestSuite) TestStopLossFiresOnAdverseCross() {
	rule := ExitRule{Kind: ExitRuleStopLoss, TriggerPrice: 95}

	suite.False(rule.ShouldFire(95.1, true))
	suite.True(rule.ShouldFire(95.0, true))
	suite.True(rule.ShouldFire(94.9, true))
}

func (suite *ExitRuleTestSuite) TestStopLossShortDirection() {
	rule := ExitRule{Kind: ExitRuleStopLoss, TriggerPrice: 105}

	suite.False(rule.ShouldFire(104.9, false))
	suite.True(rule.ShouldFire(105.0, false))
}

func (suite *ExitRuleTestSuite) TestTakeProfitFiresOnFavorableCross() {
	rule := ExitRule{Kind: ExitRuleTakeProfit, TriggerPrice: 110}

	suite.False(rule.ShouldFire(109.9, true))
	suite.True(rule.ShouldFire(110.0, true))
}

func (suite *ExitRuleTestSuite) TestTrailingHighWaterMarkIsMonotonic() {
	rule := ExitRule{Kind: ExitRuleTrailingStop, TrailDistance: 5}

	prices := []float64{100, 103, 101, 107, 104, 106}
	prevMark := 0.0

	for _, p := range prices {
		rule.Observe(p, true)
		suite.GreaterOrEqual(rule.HighWaterMark, prevMark)
		prevMark = rule.HighWaterMark
	}

	suite.Equal(107.0, rule.HighWaterMark)
}

func (suite *ExitRuleTestSuite) TestTrailingStopFiresOnRetrace() {
	rule := ExitRule{Kind: ExitRuleTrailingStop, TrailDistance: 5}

	rule.Observe(100, true)
	suite.False(rule.ShouldFire(100, true))

	rule.Observe(110, true)
	suite.False(rule.ShouldFire(106, true))
	suite.True(rule.ShouldFire(105, true))
}

func (suite *ExitRuleTestSuite) TestTrailingStopShortMarkRatchetsDown() {
	rule := ExitRule{Kind: ExitRuleTrailingStop, TrailDistance: 2}

	rule.Observe(100, false)
	rule.Observe(95, false)
	rule.Observe(98, false)

	suite.Equal(95.0, rule.HighWaterMark)
	suite.True(rule.ShouldFire(97, false))
	suite.False(rule.ShouldFire(96.9, false))
}

func (suite *ExitRuleTestSuite) TestTrailingStopNeverFiresBeforeFirstObserve() {
	rule := ExitRule{Kind: ExitRuleTrailingStop, TrailDistance: 1}
	suite.False(rule.ShouldFire(0.5, true))
}

func (suite *ExitRuleTestSuite) TestObserveIgnoresNonTrailingRules() {
	rule := ExitRule{Kind: ExitRuleStopLoss, TriggerPrice: 95}
	rule.Observe(200, true)
	suite.Zero(rule.HighWaterMark)
}

func (suite *ExitRuleTestSuite) TestValidate() {
	tests := []struct {
		name    string
		rule    ExitRule
		wantErr bool
	}{
		{name: "valid stop loss", rule: ExitRule{Kind: ExitRuleStopLoss, TriggerPrice: 95}},
		{name: "stop loss without trigger", rule: ExitRule{Kind: ExitRuleStopLoss}, wantErr: true},
		{name: "valid trailing stop", rule: ExitRule{Kind: ExitRuleTrailingStop, TrailDistance: 2}},
		{name: "trailing stop without distance", rule: ExitRule{Kind: ExitRuleTrailingStop}, wantErr: true},
		{name: "unknown kind", rule: ExitRule{Kind: "bracket"}, wantErr: true},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			err := tt.rule.Validate()
			if tt.wantErr {
				suite.Error(err)
			} else {
				suite.NoError(err)
			}
		})
	}
}
