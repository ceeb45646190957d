package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type failingSource struct{}

func (f *failingSource) Name() string { return "failing" }

func (f *failingSource) ProduceIntents(ctx context.Context) ([]types.TradeIntent, error) {
	return nil, errors.New(errors.ErrCodeUnknown, "source down")
}

type SourceTestSuite struct {
	suite.Suite
}

func TestSourceTestSuite(t *testing.T) {
	suite.Run(t, new(SourceTestSuite))
}

func (s *SourceTestSuite) intent(symbol string) types.TradeIntent {
	return types.TradeIntent{
		Symbol:     symbol,
		Side:       types.OrderSideBuy,
		Kind:       types.IntentKindEntry,
		Notional:   1000,
		StrategyID: "manual",
		CreatedAt:  time.Now(),
	}
}

func (s *SourceTestSuite) TestQueueSourceDrainsOnProduce() {
	queue := NewQueueSource("manual")

	s.Require().NoError(queue.Push(s.intent("BTCUSDT")))
	s.Require().NoError(queue.Push(s.intent("ETHUSDT")))
	s.Assert().Equal(2, queue.Len())

	intents, err := queue.ProduceIntents(context.Background())
	s.Require().NoError(err)
	s.Require().Len(intents, 2)
	s.Assert().Equal("BTCUSDT", intents[0].Symbol)

	// A second drain is empty.
	intents, err = queue.ProduceIntents(context.Background())
	s.Require().NoError(err)
	s.Assert().Empty(intents)
	s.Assert().Equal(0, queue.Len())
}

func (s *SourceTestSuite) TestQueueSourceRejectsInvalidIntent() {
	queue := NewQueueSource("manual")

	err := queue.Push(types.TradeIntent{Symbol: "BTCUSDT"})
	s.Require().Error(err)
	s.Assert().Equal(0, queue.Len())
}

func (s *SourceTestSuite) TestCompositeSourceConcatenatesInOrder() {
	first := NewQueueSource("first")
	second := NewQueueSource("second")

	s.Require().NoError(first.Push(s.intent("BTCUSDT")))
	s.Require().NoError(second.Push(s.intent("ETHUSDT")))

	composite := NewCompositeSource(first, second)

	intents, err := composite.ProduceIntents(context.Background())
	s.Require().NoError(err)
	s.Require().Len(intents, 2)
	s.Assert().Equal("BTCUSDT", intents[0].Symbol)
	s.Assert().Equal("ETHUSDT", intents[1].Symbol)
}

func (s *SourceTestSuite) TestCompositeSourceSurvivesFailingSource() {
	healthy := NewQueueSource("healthy")
	s.Require().NoError(healthy.Push(s.intent("BTCUSDT")))

	composite := NewCompositeSource(&failingSource{}, healthy)

	intents, err := composite.ProduceIntents(context.Background())
	s.Require().Error(err)
	s.Require().Len(intents, 1)
	s.Assert().Equal("BTCUSDT", intents[0].Symbol)
}
