// Package exit owns open positions and closes them when their attached
// exit rules fire. Positions move Open -> Closing -> Closed. A closing
// order that never reached the exchange rolls the position back to Open;
// one whose outcome is unknown keeps the position Closing until it is
// reconciled against exchange state. At most one closing order is in
// flight per position.
package exit

import (
	"context"
	"sync"
	"time"

	"github.com/quantfoundry/tradepilot/internal/clock"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/execution"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/reporter"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ruleOrder is the fixed evaluation precedence when several rules fire on
// the same tick. Stop loss wins over trailing stop, trailing stop over
// take profit.
var ruleOrder = []types.ExitRuleKind{
	types.ExitRuleStopLoss,
	types.ExitRuleTrailingStop,
	types.ExitRuleTakeProfit,
}

// reasonForRule maps a firing rule to the order reason recorded with the
// closing trade.
var reasonForRule = map[types.ExitRuleKind]string{
	types.ExitRuleStopLoss:     types.OrderReasonStopLoss,
	types.ExitRuleTrailingStop: types.OrderReasonTrailingStop,
	types.ExitRuleTakeProfit:   types.OrderReasonTakeProfit,
}

// Submitter places closing orders and tracks them to a terminal state.
// *execution.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, request execution.Request) (execution.Handle, error)
	AwaitFill(ctx context.Context, handle execution.Handle) (types.Order, error)
}

// PositionStore persists position state transitions and the fills that
// realize pnl.
type PositionStore interface {
	SavePosition(ctx context.Context, position types.Position) error
	SaveTrade(ctx context.Context, trade types.Trade) error
}

// sweepParallelism bounds how many positions one sweep evaluates at once.
const sweepParallelism = 4

// Callbacks are invoked on position lifecycle events.
type Callbacks struct {
	// OnPositionClosed fires when a position is fully closed.
	OnPositionClosed *func(position types.Position)
	// OnPnLRealized fires whenever profit or loss is realized, including
	// partial closes.
	OnPnLRealized *func(pnl float64, at time.Time)
	// OnCloseFailed fires when a close attempt failed. The position was
	// either rolled back to Open or held in Closing awaiting
	// reconciliation against exchange state.
	OnCloseFailed *func(position types.Position, err error)
}

// trackedPosition guards a position with its own lock so sweeps over
// different positions can run concurrently.
type trackedPosition struct {
	mu       sync.Mutex
	position types.Position
}

// Manager tracks open positions and drives their exit lifecycle.
type Manager struct {
	submitter Submitter
	gateway   exchange.Gateway
	store     PositionStore
	clock     clock.Clock
	reporter  reporter.Reporter
	log       *logger.Logger
	callbacks Callbacks

	mu   sync.RWMutex
	book map[string]*trackedPosition
}

// NewManager creates an exit manager. store may be nil when persistence is
// not configured.
func NewManager(
	submitter Submitter,
	gateway exchange.Gateway,
	store PositionStore,
	clk clock.Clock,
	rep reporter.Reporter,
	log *logger.Logger,
) *Manager {
	return &Manager{
		submitter: submitter,
		gateway:   gateway,
		store:     store,
		clock:     clk,
		reporter:  rep,
		log:       log,
		book:      make(map[string]*trackedPosition),
	}
}

// SetCallbacks installs the lifecycle callbacks.
func (m *Manager) SetCallbacks(callbacks Callbacks) {
	m.callbacks = callbacks
}

// Track adds an open position to the managed book.
func (m *Manager) Track(ctx context.Context, position types.Position) error {
	if position.Status != types.PositionStatusOpen {
		return errors.Newf(errors.ErrCodeInvalidPositionState,
			"cannot track position %s in status %s", position.ID, position.Status)
	}

	for i := range position.ExitRules {
		if err := position.ExitRules[i].Validate(); err != nil {
			return err
		}
	}

	if err := m.persist(ctx, position); err != nil {
		return err
	}

	m.mu.Lock()
	m.book[position.ID] = &trackedPosition{position: position}
	m.mu.Unlock()

	m.log.Info("tracking position",
		zap.String("position_id", position.ID),
		zap.String("symbol", position.Symbol),
		zap.Float64("quantity", position.Quantity),
		zap.Float64("entry", position.AvgEntryPrice),
	)

	return nil
}

// Position returns a snapshot of a tracked position.
func (m *Manager) Position(id string) (types.Position, bool) {
	m.mu.RLock()
	tracked, ok := m.book[id]
	m.mu.RUnlock()

	if !ok {
		return types.Position{}, false
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	return tracked.position, true
}

// Positions returns snapshots of all tracked positions.
func (m *Manager) Positions() []types.Position {
	m.mu.RLock()
	entries := make([]*trackedPosition, 0, len(m.book))

	for _, tracked := range m.book {
		entries = append(entries, tracked)
	}
	m.mu.RUnlock()

	out := make([]types.Position, 0, len(entries))

	for _, tracked := range entries {
		tracked.mu.Lock()
		out = append(out, tracked.position)
		tracked.mu.Unlock()
	}

	return out
}

// Sweep evaluates exit rules for every tracked position against the given
// prices and closes those whose rules fire. Positions are evaluated with
// bounded parallelism; the per-position lock keeps each position's
// transitions serialized. Failures on one position do not stop the sweep.
// It returns the positions fully closed this sweep.
func (m *Manager) Sweep(ctx context.Context, prices map[string]float64) []types.Position {
	m.mu.RLock()
	entries := make([]*trackedPosition, 0, len(m.book))

	for _, tracked := range m.book {
		entries = append(entries, tracked)
	}
	m.mu.RUnlock()

	var (
		closedMu sync.Mutex
		closed   []types.Position
	)

	var group errgroup.Group

	group.SetLimit(sweepParallelism)

	for _, tracked := range entries {
		group.Go(func() error {
			result, fullyClosed := m.sweepOne(ctx, tracked, prices)
			if fullyClosed {
				closedMu.Lock()
				closed = append(closed, result)
				closedMu.Unlock()

				m.untrack(result.ID)
			}

			return nil
		})
	}

	_ = group.Wait()

	return closed
}

// sweepOne evaluates and possibly closes a single position. It reports
// whether the position was fully closed.
func (m *Manager) sweepOne(ctx context.Context, tracked *trackedPosition, prices map[string]float64) (types.Position, bool) {
	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	position := &tracked.position

	// A position left Closing by an earlier unresolved close attempt gets
	// reconciled before any rule evaluation; submitting again while its
	// order may still be live would double the closing quantity.
	if position.Status == types.PositionStatusClosing {
		reconciled, err := m.reconcileClosing(ctx, *position)
		if err != nil {
			m.log.Warn("closing position still unresolved",
				zap.String("position_id", position.ID),
				zap.String("closing_order_id", position.ClosingOrderID),
				zap.Error(err),
			)

			return types.Position{}, false
		}

		tracked.position = reconciled

		return reconciled, reconciled.Status == types.PositionStatusClosed
	}

	price, hasPrice := prices[position.Symbol]
	if !hasPrice || position.Status != types.PositionStatusOpen {
		return types.Position{}, false
	}

	long := position.IsLong()

	for i := range position.ExitRules {
		position.ExitRules[i].Observe(price, long)
	}

	fired, ok := firingRule(position, price)
	if !ok {
		// Trailing marks may have moved even without a trigger.
		if err := m.persist(ctx, *position); err != nil {
			m.log.Warn("failed to persist exit rule state",
				zap.String("position_id", position.ID),
				zap.Error(err),
			)
		}

		return types.Position{}, false
	}

	result, err := m.closeLocked(ctx, tracked, reasonForRule[fired.Kind], price)
	if err != nil {
		m.log.Error("failed to close position",
			zap.String("position_id", position.ID),
			zap.String("rule", string(fired.Kind)),
			zap.Error(err),
		)

		return types.Position{}, false
	}

	return result, result.Status == types.PositionStatusClosed
}

// ClosePosition closes a tracked position immediately with the given
// reason, regardless of its exit rules.
func (m *Manager) ClosePosition(ctx context.Context, id string, reason string) error {
	m.mu.RLock()
	tracked, ok := m.book[id]
	m.mu.RUnlock()

	if !ok {
		return errors.Newf(errors.ErrCodePositionNotFound, "no tracked position %s", id)
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	if tracked.position.Status != types.PositionStatusOpen {
		return errors.Newf(errors.ErrCodeInvalidPositionState,
			"position %s is %s, cannot close", id, tracked.position.Status)
	}

	price, err := m.gateway.GetTicker(ctx, tracked.position.Symbol)
	if err != nil {
		return err
	}

	result, err := m.closeLocked(ctx, tracked, reason, price)
	if err != nil {
		return err
	}

	if result.Status == types.PositionStatusClosed {
		m.untrack(id)
	}

	return nil
}

// Flatten closes every tracked position. It keeps going past individual
// failures and returns the last error encountered.
func (m *Manager) Flatten(ctx context.Context) error {
	var lastErr error

	for _, position := range m.Positions() {
		if position.Status != types.PositionStatusOpen {
			continue
		}

		if err := m.ClosePosition(ctx, position.ID, types.OrderReasonFlatten); err != nil {
			m.log.Error("flatten failed for position",
				zap.String("position_id", position.ID),
				zap.Error(err),
			)

			lastErr = err
		}
	}

	return lastErr
}

// Resume restores positions loaded from the store after a restart. A
// position stuck in Closing is reconciled against the exchange: a filled
// closing order finalizes the close, anything else cancels the remainder
// and returns the position to Open so the next sweep can act on current
// prices.
func (m *Manager) Resume(ctx context.Context, positions []types.Position) error {
	for _, position := range positions {
		switch position.Status {
		case types.PositionStatusClosed:
			continue

		case types.PositionStatusOpen:
			m.mu.Lock()
			m.book[position.ID] = &trackedPosition{position: position}
			m.mu.Unlock()

		case types.PositionStatusClosing:
			restored, err := m.reconcileClosing(ctx, position)
			if err != nil {
				return errors.Wrapf(errors.ErrCodeRecoveryFailed, err,
					"failed to reconcile closing position %s", position.ID)
			}

			if restored.Status == types.PositionStatusClosed {
				m.log.Info("closing order had filled while offline",
					zap.String("position_id", restored.ID),
					zap.Float64("pnl", restored.RealizedPnL),
				)

				continue
			}

			m.mu.Lock()
			m.book[restored.ID] = &trackedPosition{position: restored}
			m.mu.Unlock()
		}
	}

	m.log.Info("resumed position book", zap.Int("positions", len(m.Positions())))

	return nil
}

// reconcileClosing resolves a position that was mid-close when the process
// stopped.
func (m *Manager) reconcileClosing(ctx context.Context, position types.Position) (types.Position, error) {
	if position.ClosingOrderID == "" {
		position.Status = types.PositionStatusOpen

		return position, m.persist(ctx, position)
	}

	order, err := m.gateway.GetOrderStatus(ctx, position.Symbol, position.ClosingOrderID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeUnknownOrder) {
			// The order never reached the exchange. The position is whole.
			position.Status = types.PositionStatusOpen
			position.ClosingOrderID = ""

			return position, m.persist(ctx, position)
		}

		return types.Position{}, err
	}

	if !order.Status.IsTerminal() {
		if cancelErr := m.gateway.CancelOrder(ctx, position.Symbol, position.ClosingOrderID); cancelErr != nil {
			return types.Position{}, cancelErr
		}

		order, err = m.gateway.GetOrderStatus(ctx, position.Symbol, position.ClosingOrderID)
		if err != nil {
			return types.Position{}, err
		}
	}

	return m.settleLocked(ctx, position, order)
}

// closeLocked submits a closing order for the position and settles the
// outcome. Caller holds the position lock. The returned position reflects
// the final state. A placement failure rolls the position back to Open; a
// lost fill outcome is reconciled against exchange state, and stays
// Closing when the exchange cannot be reached either.
func (m *Manager) closeLocked(ctx context.Context, tracked *trackedPosition, reason string, price float64) (types.Position, error) {
	position := &tracked.position

	position.Status = types.PositionStatusClosing
	if err := m.persist(ctx, *position); err != nil {
		position.Status = types.PositionStatusOpen

		return types.Position{}, err
	}

	m.log.Info("closing position",
		zap.String("position_id", position.ID),
		zap.String("symbol", position.Symbol),
		zap.String("reason", reason),
		zap.Float64("trigger_price", price),
	)

	handle, err := m.submitter.Submit(ctx, execution.Request{
		Symbol:     position.Symbol,
		Side:       position.CloseSide(),
		Quantity:   position.AbsQuantity(),
		Reason:     types.Reason{Reason: reason, Message: "exit rule fired"},
		StrategyID: position.StrategyID,
		PositionID: position.ID,
	})
	if err != nil {
		m.rollbackLocked(ctx, position, err)

		return *position, err
	}

	position.ClosingOrderID = closingOrderID(handle)
	if persistErr := m.persist(ctx, *position); persistErr != nil {
		m.log.Warn("failed to persist closing order id",
			zap.String("position_id", position.ID),
			zap.Error(persistErr),
		)
	}

	order, err := m.submitter.AwaitFill(ctx, handle)
	if err != nil {
		// The closing order may still be working on the exchange.
		// Reopening here would let the next sweep submit a second closing
		// order for the same quantity, so resolve against exchange state
		// instead; only a confirmed outcome reopens the position.
		reconciled, recErr := m.reconcileClosing(ctx, *position)
		if recErr != nil {
			m.log.Error("closing order unresolved, holding position in closing state",
				zap.String("position_id", position.ID),
				zap.String("closing_order_id", position.ClosingOrderID),
				zap.Error(recErr),
			)

			if m.callbacks.OnCloseFailed != nil {
				(*m.callbacks.OnCloseFailed)(*position, err)
			}

			return *position, err
		}

		tracked.position = reconciled

		return reconciled, nil
	}

	settled, err := m.settleLocked(ctx, *position, order)
	if err != nil {
		return *position, err
	}

	tracked.position = settled

	return settled, nil
}

// settleLocked applies a terminal closing order to the position. A full
// fill closes the position; a partial fill realizes the filled part and
// returns the remainder to Open; a zero-fill rejection rolls back.
func (m *Manager) settleLocked(ctx context.Context, position types.Position, order types.Order) (types.Position, error) {
	now := m.clock.Now()
	filled := order.FilledQuantity

	if filled <= 0 {
		position.Status = types.PositionStatusOpen
		position.ClosingOrderID = ""

		m.log.Warn("closing order did not fill, position reopened",
			zap.String("position_id", position.ID),
			zap.String("order_status", string(order.Status)),
		)

		return position, m.persist(ctx, position)
	}

	pnl := position.RealizedPnLAt(order.AvgFillPrice, filled)

	if m.callbacks.OnPnLRealized != nil {
		(*m.callbacks.OnPnLRealized)(pnl, now)
	}

	if m.store != nil {
		trade := types.Trade{
			OrderID:    order.ID,
			PositionID: position.ID,
			Symbol:     position.Symbol,
			Side:       position.CloseSide(),
			Quantity:   filled,
			Price:      order.AvgFillPrice,
			Reason:     order.Reason,
			StrategyID: position.StrategyID,
			PnL:        pnl,
			ExecutedAt: now,
		}
		if err := m.store.SaveTrade(ctx, trade); err != nil {
			m.log.Warn("failed to record closing trade",
				zap.String("position_id", position.ID),
				zap.Error(err),
			)
		}
	}

	if order.Status == types.OrderStatusFilled {
		position.Status = types.PositionStatusClosed
		position.Quantity = 0
		position.ClosingOrderID = ""
		position.ClosedAt = now
		position.RealizedPnL += pnl

		if err := m.persist(ctx, position); err != nil {
			return types.Position{}, err
		}

		m.reporter.Publish(reporter.Event{
			Kind:      reporter.EventPositionClosed,
			Symbol:    position.Symbol,
			Reason:    order.Reason.Reason,
			Quantity:  filled,
			Price:     order.AvgFillPrice,
			PnL:       pnl,
			Timestamp: now,
		})

		if m.callbacks.OnPositionClosed != nil {
			(*m.callbacks.OnPositionClosed)(position)
		}

		return position, nil
	}

	// Partial fill with the remainder cancelled: keep the unfilled part as
	// a smaller open position.
	sign := 1.0
	if !position.IsLong() {
		sign = -1.0
	}

	position.Quantity -= sign * filled
	position.Status = types.PositionStatusOpen
	position.ClosingOrderID = ""
	position.RealizedPnL += pnl

	m.log.Warn("closing order partially filled, remainder reopened",
		zap.String("position_id", position.ID),
		zap.Float64("filled", filled),
		zap.Float64("remaining", position.AbsQuantity()),
		zap.Float64("pnl", pnl),
	)

	return position, m.persist(ctx, position)
}

// rollbackLocked returns a position to Open after a failed close attempt.
func (m *Manager) rollbackLocked(ctx context.Context, position *types.Position, cause error) {
	position.Status = types.PositionStatusOpen
	position.ClosingOrderID = ""

	if err := m.persist(ctx, *position); err != nil {
		m.log.Error("failed to persist rollback",
			zap.String("position_id", position.ID),
			zap.Error(err),
		)
	}

	if m.callbacks.OnCloseFailed != nil {
		(*m.callbacks.OnCloseFailed)(*position, cause)
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.book, id)
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, position types.Position) error {
	if m.store == nil {
		return nil
	}

	return m.store.SavePosition(ctx, position)
}

// firingRule returns the first rule that fires at the given price,
// evaluated in fixed precedence order.
func firingRule(position *types.Position, price float64) (types.ExitRule, bool) {
	long := position.IsLong()

	for _, kind := range ruleOrder {
		for i := range position.ExitRules {
			rule := &position.ExitRules[i]
			if rule.Kind == kind && rule.ShouldFire(price, long) {
				return *rule, true
			}
		}
	}

	return types.ExitRule{}, false
}

// closingOrderID picks the identifier the exchange can be queried with
// after a restart.
func closingOrderID(handle execution.Handle) string {
	if handle.ExchangeID != "" {
		return handle.ExchangeID
	}

	return handle.OrderID
}
