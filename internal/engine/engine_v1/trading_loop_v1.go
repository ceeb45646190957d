package engine_v1

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/config"
	"github.com/quantfoundry/tradepilot/internal/engine"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/execution"
	"github.com/quantfoundry/tradepilot/internal/exit"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/portfolio"
	"github.com/quantfoundry/tradepilot/internal/reporter"
	"github.com/quantfoundry/tradepilot/internal/risk"
	"github.com/quantfoundry/tradepilot/internal/store"
	"github.com/quantfoundry/tradepilot/internal/strategy"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

// Dependencies are the components the loop orchestrates. Gateway, Source,
// Risk, Execution, Exits, and Store are required; the rest get sensible
// defaults when nil.
type Dependencies struct {
	Gateway    exchange.Gateway
	Source     strategy.Source
	Risk       *risk.Manager
	Execution  *execution.Engine
	Exits      *exit.Manager
	Rebalancer *portfolio.Rebalancer
	Store      store.Store
	DailyLoss  *risk.DailyLossTracker
	Clock      clock.Clock
	Reporter   reporter.Reporter
	Logger     *logger.Logger
}

// TradingLoopV1 implements the TradingLoop interface.
type TradingLoopV1 struct {
	config     config.Config
	gateway    exchange.Gateway
	source     strategy.Source
	riskMgr    *risk.Manager
	execEngine *execution.Engine
	exits      *exit.Manager
	rebalancer *portfolio.Rebalancer
	store      store.Store
	dailyLoss  *risk.DailyLossTracker
	clock      clock.Clock
	reporter   reporter.Reporter
	log        *logger.Logger

	callbacks engine.TradingLoopCallbacks

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	cycles        int
	nextRebalance time.Time
}

// NewTradingLoopV1 creates the loop. Missing optional dependencies are
// defaulted; required ones are checked in preRunCheck when Run starts.
func NewTradingLoopV1(cfg config.Config, deps Dependencies) *TradingLoopV1 {
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}

	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}

	if deps.Reporter == nil {
		deps.Reporter = reporter.NewLogReporter(deps.Logger)
	}

	if deps.DailyLoss == nil {
		deps.DailyLoss = risk.NewDailyLossTracker()
	}

	return &TradingLoopV1{
		config:     cfg,
		gateway:    deps.Gateway,
		source:     deps.Source,
		riskMgr:    deps.Risk,
		execEngine: deps.Execution,
		exits:      deps.Exits,
		rebalancer: deps.Rebalancer,
		store:      deps.Store,
		dailyLoss:  deps.DailyLoss,
		clock:      deps.Clock,
		reporter:   deps.Reporter,
		log:        deps.Logger,
	}
}

// Run implements engine.TradingLoop.
func (l *TradingLoopV1) Run(ctx context.Context, callbacks engine.TradingLoopCallbacks) error {
	var runErr error

	l.callbacks = callbacks

	defer func() {
		l.setRunning(false)
		l.reporter.Publish(reporter.Event{
			Kind:      reporter.EventEngineStopped,
			Timestamp: l.clock.Now(),
		})

		if callbacks.OnLoopStop != nil {
			(*callbacks.OnLoopStop)(runErr)
		}
	}()

	if err := l.preRunCheck(); err != nil {
		runErr = err

		return err
	}

	resumed, err := l.recover(ctx)
	if err != nil {
		runErr = err

		return err
	}

	l.wireExitCallbacks()

	l.mu.Lock()
	l.running = true
	l.startedAt = l.clock.Now()
	l.nextRebalance = l.startedAt.Add(l.config.Rebalance.Interval)
	l.mu.Unlock()

	l.reporter.Publish(reporter.Event{
		Kind:      reporter.EventEngineStarted,
		Timestamp: l.clock.Now(),
	})

	l.log.Info("trading loop started",
		zap.Strings("symbols", l.config.Engine.Symbols),
		zap.Int("resumed_positions", resumed),
		zap.Duration("cycle_interval", l.config.Engine.CycleInterval),
	)

	if callbacks.OnLoopStart != nil {
		if err := (*callbacks.OnLoopStart)(l.config.Engine.Symbols, resumed); err != nil {
			runErr = err

			return err
		}
	}

	for {
		l.runCycle(ctx)

		select {
		case <-ctx.Done():
			l.shutdown()

			return nil
		case <-l.clock.After(l.config.Engine.CycleInterval):
		}
	}
}

// Status implements engine.TradingLoop.
func (l *TradingLoopV1) Status() engine.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return engine.Status{
		Running:   l.running,
		StartedAt: l.startedAt,
		Cycles:    l.cycles,
		Gateway:   l.config.Gateway.Type,
		Symbols:   l.config.Engine.Symbols,
	}
}

// preRunCheck validates that all required components are configured before
// running.
func (l *TradingLoopV1) preRunCheck() error {
	if l.gateway == nil {
		return errors.New(errors.ErrCodeLoopInitFailed, "exchange gateway is not configured")
	}

	if l.source == nil {
		return errors.New(errors.ErrCodeLoopInitFailed, "strategy source is not configured")
	}

	if l.riskMgr == nil {
		return errors.New(errors.ErrCodeLoopInitFailed, "risk manager is not configured")
	}

	if l.execEngine == nil {
		return errors.New(errors.ErrCodeLoopInitFailed, "execution engine is not configured")
	}

	if l.exits == nil {
		return errors.New(errors.ErrCodeLoopInitFailed, "exit manager is not configured")
	}

	if l.store == nil {
		return errors.New(errors.ErrCodeStoreUnavailable, "store is not configured")
	}

	return nil
}

// recover rebuilds in-memory state from the store: the position book and
// the daily loss counter. A failure here is fatal; trading blind over
// unknown open positions is worse than not starting.
func (l *TradingLoopV1) recover(ctx context.Context) (int, error) {
	positions, err := l.store.LoadOpenPositions(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeRecoveryFailed, "failed to load open positions", err)
	}

	if err := l.exits.Resume(ctx, positions); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)

	realized, err := l.store.RealizedPnLSince(ctx, dayStart)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeRecoveryFailed, "failed to rebuild daily loss counter", err)
	}

	l.dailyLoss.Record(now, realized)

	return len(positions), nil
}

// wireExitCallbacks connects position lifecycle events to the daily loss
// counter, the reporter, and the user callbacks.
func (l *TradingLoopV1) wireExitCallbacks() {
	onPnL := func(pnl float64, at time.Time) {
		l.dailyLoss.Record(at, pnl)
	}

	onClosed := func(position types.Position) {
		if l.callbacks.OnPositionClosed != nil {
			(*l.callbacks.OnPositionClosed)(position)
		}
	}

	onFailed := func(position types.Position, err error) {
		l.nonFatal(errors.Wrapf(errors.GetCode(err), err, "close failed for position %s", position.ID))
	}

	l.exits.SetCallbacks(exit.Callbacks{
		OnPositionClosed: &onClosed,
		OnPnLRealized:    &onPnL,
		OnCloseFailed:    &onFailed,
	})
}

// runCycle executes one full pass: drain intents, gate and execute them,
// sweep exits, tick the rebalancer. Sub-step failures are reported and the
// cycle continues.
func (l *TradingLoopV1) runCycle(ctx context.Context) {
	now := l.clock.Now()

	var stats engine.CycleStats

	prices := l.fetchPrices(ctx)

	snapshot, err := l.buildSnapshot(ctx, now, prices)
	if err != nil {
		// An account fetch failure blinds intent gating for this cycle.
		// Exit rules only need prices, so open positions stay protected.
		l.nonFatal(err)

		closed := l.exits.Sweep(ctx, prices)
		stats.PositionsClosed = len(closed)

		l.finishCycle(&stats, now)

		return
	}

	intents, err := l.source.ProduceIntents(ctx)
	if err != nil {
		l.nonFatal(err)
	}

	if l.rebalancer != nil && l.rebalanceDue(now) {
		intents = append(intents, l.rebalancer.Tick(ctx, now, snapshot)...)
	}

	for _, intent := range intents {
		stats.IntentsSeen++

		if !l.config.InUniverse(intent.Symbol) {
			stats.IntentsRejected++
			l.rejectIntent(intent, risk.Reject(errors.ErrCodeInvalidIntent,
				"symbol "+intent.Symbol+" is not in the trading universe"), now)

			continue
		}

		decision := l.riskMgr.Evaluate(intent, snapshot)
		if !decision.Approved {
			stats.IntentsRejected++
			l.rejectIntent(intent, decision, now)

			continue
		}

		stats.IntentsApproved++

		l.reporter.Publish(reporter.Event{
			Kind:      reporter.EventTradeApproved,
			Symbol:    intent.Symbol,
			Reason:    string(intent.Kind),
			Quantity:  decision.Quantity,
			Timestamp: now,
		})

		if err := l.executeIntent(ctx, intent, decision, &snapshot, now); err != nil {
			l.nonFatal(err)
		}
	}

	closed := l.exits.Sweep(ctx, snapshot.Prices)
	stats.PositionsClosed = len(closed)

	l.finishCycle(&stats, now)
}

// finishCycle bumps the cycle counter and reports the cycle stats.
func (l *TradingLoopV1) finishCycle(stats *engine.CycleStats, now time.Time) {
	l.mu.Lock()
	l.cycles++
	stats.Cycle = l.cycles
	l.mu.Unlock()

	stats.CompletedAt = now

	if l.callbacks.OnCycle != nil {
		(*l.callbacks.OnCycle)(*stats)
	}
}

// fetchPrices pulls the current ticker for every symbol in the universe.
// Symbols without a ticker are left out for the cycle.
func (l *TradingLoopV1) fetchPrices(ctx context.Context) map[string]float64 {
	prices := make(map[string]float64, len(l.config.Engine.Symbols))

	for _, symbol := range l.config.Engine.Symbols {
		price, err := l.gateway.GetTicker(ctx, symbol)
		if err != nil {
			l.log.Warn("no ticker for symbol, skipping this cycle",
				zap.String("symbol", symbol),
				zap.Error(err),
			)

			continue
		}

		prices[symbol] = price
	}

	return prices
}

// buildSnapshot marks the account to market: equity is the quote balance
// plus the value of every base asset in the universe, exposure is the
// per-symbol notional of those holdings.
func (l *TradingLoopV1) buildSnapshot(ctx context.Context, now time.Time, prices map[string]float64) (types.PortfolioSnapshot, error) {
	account, err := l.gateway.GetAccount(ctx)
	if err != nil {
		return types.PortfolioSnapshot{}, errors.Wrap(errors.GetCode(err), "failed to fetch account", err)
	}

	exposure := make(map[string]float64)

	equity := account.QuoteBalance

	var total float64

	for _, symbol := range l.config.Engine.Symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}

		quantity := account.Balances[l.baseAsset(symbol)]
		if quantity == 0 {
			continue
		}

		notional := quantity * price
		equity += notional

		if notional < 0 {
			notional = -notional
		}

		exposure[symbol] = notional
		total += notional
	}

	openCount := 0

	for _, position := range l.exits.Positions() {
		if position.Status != types.PositionStatusClosed {
			openCount++
		}
	}

	return types.PortfolioSnapshot{
		Equity:            equity,
		TotalExposure:     total,
		OpenPositionCount: openCount,
		DailyRealizedLoss: l.dailyLoss.Loss(now),
		ExposureBySymbol:  exposure,
		Prices:            prices,
	}, nil
}

// executeIntent submits the approved trade, waits for the fill, persists
// the outcome, and opens a tracked position for fills that grow exposure.
// The snapshot is advanced in place so later intents in the same cycle are
// gated against the post-fill state.
func (l *TradingLoopV1) executeIntent(
	ctx context.Context,
	intent types.TradeIntent,
	decision risk.Decision,
	snapshot *types.PortfolioSnapshot,
	now time.Time,
) error {
	handle, err := l.execEngine.Submit(ctx, execution.Request{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   decision.Quantity,
		Reason:     reasonForIntent(intent),
		StrategyID: intent.StrategyID,
	})
	if err != nil {
		return err
	}

	order, err := l.execEngine.AwaitFill(ctx, handle)
	if err != nil {
		return err
	}

	if saveErr := l.store.SaveOrder(ctx, order); saveErr != nil {
		l.log.Warn("failed to persist order", zap.String("order_id", order.ID), zap.Error(saveErr))
	}

	if order.FilledQuantity <= 0 {
		l.log.Warn("order finished without a fill",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)

		return nil
	}

	l.applyFill(snapshot, intent, order)
	l.publishFill(intent, order, now)

	if l.callbacks.OnOrderFilled != nil {
		if err := (*l.callbacks.OnOrderFilled)(order); err != nil {
			return err
		}
	}

	if intent.Side == types.OrderSideBuy && (intent.Kind == types.IntentKindEntry || intent.Kind == types.IntentKindAccumulation) {
		return l.openPosition(ctx, intent, order, now)
	}

	// Rebalance trades adjust account inventory without a tracked
	// position; the ledger records them without pnl attribution.
	trade := types.Trade{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.FilledQuantity,
		Price:      order.AvgFillPrice,
		Reason:     order.Reason,
		StrategyID: order.StrategyID,
		ExecutedAt: now,
	}
	if err := l.store.SaveTrade(ctx, trade); err != nil {
		l.log.Warn("failed to persist trade", zap.String("order_id", order.ID), zap.Error(err))
	}

	return nil
}

// openPosition creates and tracks a position for an entry fill, attaching
// the configured default exit rules at the fill price.
func (l *TradingLoopV1) openPosition(ctx context.Context, intent types.TradeIntent, order types.Order, now time.Time) error {
	position := types.Position{
		ID:            uuid.New().String(),
		Symbol:        order.Symbol,
		Quantity:      order.FilledQuantity,
		AvgEntryPrice: order.AvgFillPrice,
		OpenedAt:      now,
		Status:        types.PositionStatusOpen,
		StrategyID:    intent.StrategyID,
		ExitRules:     l.defaultExitRules(order.AvgFillPrice),
	}

	trade := types.Trade{
		OrderID:    order.ID,
		PositionID: position.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.FilledQuantity,
		Price:      order.AvgFillPrice,
		Reason:     order.Reason,
		StrategyID: order.StrategyID,
		ExecutedAt: now,
	}
	if err := l.store.SaveTrade(ctx, trade); err != nil {
		l.log.Warn("failed to persist trade", zap.String("order_id", order.ID), zap.Error(err))
	}

	return l.exits.Track(ctx, position)
}

// defaultExitRules builds the session's default rules at the given entry
// price. Percentages set to zero disable the corresponding rule.
func (l *TradingLoopV1) defaultExitRules(entryPrice float64) []types.ExitRule {
	var rules []types.ExitRule

	stopPrice, takeProfitPrice := risk.ComputeExitPrices(entryPrice, l.config.Exits)

	if l.config.Exits.StopLossPct > 0 {
		rules = append(rules, types.ExitRule{Kind: types.ExitRuleStopLoss, TriggerPrice: stopPrice})
	}

	if l.config.Exits.TakeProfitPct > 0 {
		rules = append(rules, types.ExitRule{Kind: types.ExitRuleTakeProfit, TriggerPrice: takeProfitPrice})
	}

	if l.config.Exits.TrailingStopPct > 0 {
		rules = append(rules, types.ExitRule{
			Kind:          types.ExitRuleTrailingStop,
			TrailDistance: entryPrice * l.config.Exits.TrailingStopPct,
		})
	}

	return rules
}

// applyFill advances the snapshot so subsequent intents in the same cycle
// see the post-fill exposure.
func (l *TradingLoopV1) applyFill(snapshot *types.PortfolioSnapshot, intent types.TradeIntent, order types.Order) {
	notional := order.FilledQuantity * order.AvgFillPrice

	if order.Side == types.OrderSideBuy {
		snapshot.ExposureBySymbol[order.Symbol] += notional
		snapshot.TotalExposure += notional
	} else {
		snapshot.ExposureBySymbol[order.Symbol] -= notional
		snapshot.TotalExposure -= notional

		if snapshot.TotalExposure < 0 {
			snapshot.TotalExposure = 0
		}

		if snapshot.ExposureBySymbol[order.Symbol] < 0 {
			snapshot.ExposureBySymbol[order.Symbol] = 0
		}
	}

	if intent.Kind == types.IntentKindEntry || intent.Kind == types.IntentKindAccumulation {
		snapshot.OpenPositionCount++
	}
}

// publishFill emits the fill event, tagged by intent kind.
func (l *TradingLoopV1) publishFill(intent types.TradeIntent, order types.Order, now time.Time) {
	l.reporter.Publish(reporter.Event{
		Kind:      reporter.EventOrderFilled,
		Symbol:    order.Symbol,
		Reason:    order.Reason.Reason,
		Quantity:  order.FilledQuantity,
		Price:     order.AvgFillPrice,
		Timestamp: now,
	})

	switch intent.Kind {
	case types.IntentKindAccumulation:
		l.reporter.Publish(reporter.Event{
			Kind:      reporter.EventDCAExecuted,
			Symbol:    order.Symbol,
			Quantity:  order.FilledQuantity,
			Price:     order.AvgFillPrice,
			Timestamp: now,
		})
	case types.IntentKindRebalance:
		l.reporter.Publish(reporter.Event{
			Kind:      reporter.EventRebalanceExecuted,
			Symbol:    order.Symbol,
			Quantity:  order.FilledQuantity,
			Price:     order.AvgFillPrice,
			Timestamp: now,
		})
	}
}

// rejectIntent reports a rejection through every channel.
func (l *TradingLoopV1) rejectIntent(intent types.TradeIntent, decision risk.Decision, now time.Time) {
	l.log.Info("intent rejected",
		zap.String("symbol", intent.Symbol),
		zap.String("kind", string(intent.Kind)),
		zap.String("reason", decision.RejectReason),
	)

	l.reporter.Publish(reporter.Event{
		Kind:      reporter.EventTradeRejected,
		Symbol:    intent.Symbol,
		Reason:    decision.RejectReason,
		Timestamp: now,
	})

	if decision.RejectCode.IsRiskRejection() {
		l.reporter.Publish(reporter.Event{
			Kind:      reporter.EventRiskLimitBreached,
			Symbol:    intent.Symbol,
			Reason:    decision.RejectReason,
			Timestamp: now,
		})
	}

	if l.callbacks.OnIntentRejected != nil {
		(*l.callbacks.OnIntentRejected)(intent, decision)
	}
}

// rebalanceDue reports and advances the rebalance schedule boundary.
func (l *TradingLoopV1) rebalanceDue(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.nextRebalance) {
		return false
	}

	for !l.nextRebalance.After(now) {
		l.nextRebalance = l.nextRebalance.Add(l.config.Rebalance.Interval)
	}

	return true
}

// nonFatal reports an error that does not stop the loop.
func (l *TradingLoopV1) nonFatal(err error) {
	l.log.Error("cycle error", zap.Error(err))

	if l.callbacks.OnError != nil {
		(*l.callbacks.OnError)(err)
	}
}

// shutdown runs after intake has stopped. In-flight work gets a bounded
// window; optionally every open position is flattened.
func (l *TradingLoopV1) shutdown() {
	l.log.Info("trading loop stopping",
		zap.Bool("flatten", l.config.Engine.FlattenOnShutdown),
		zap.Duration("timeout", l.config.Engine.ShutdownTimeout),
	)

	if !l.config.Engine.FlattenOnShutdown {
		return
	}

	// The parent context is already cancelled; the flatten gets its own
	// bounded one.
	ctx, cancel := context.WithTimeout(context.Background(), l.config.Engine.ShutdownTimeout)
	defer cancel()

	if err := l.exits.Flatten(ctx); err != nil {
		l.log.Error("flatten on shutdown failed", zap.Error(err))
	}
}

func (l *TradingLoopV1) setRunning(running bool) {
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()
}

// baseAsset strips the quote suffix off a symbol.
func (l *TradingLoopV1) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, l.config.Engine.QuoteAsset)
}

// reasonForIntent maps an intent kind to the order reason recorded with
// the trade.
func reasonForIntent(intent types.TradeIntent) types.Reason {
	reason := types.OrderReasonStrategy

	switch intent.Kind {
	case types.IntentKindAccumulation:
		reason = types.OrderReasonAccumulation
	case types.IntentKindRebalance:
		reason = types.OrderReasonRebalance
	}

	return types.Reason{Reason: reason, Message: "intent from " + intent.StrategyID}
}

var _ engine.TradingLoop = (*TradingLoopV1)(nil)
