// Package risk gates trade intents against session-wide limits. Evaluation
// is a pure decision over an immutable snapshot; all state mutation happens
// downstream in the execution engine.
package risk

import (
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

// Decision is the result of evaluating a trade intent.
type Decision struct {
	Approved bool
	// Quantity is the approved quantity, possibly scaled down from the
	// intent to fit the remaining exposure headroom or notional cap.
	Quantity float64
	// Notional is the approved notional at the snapshot price.
	Notional float64
	// Scaled is true when the approved size is smaller than requested.
	Scaled bool
	// RejectCode identifies the failed check when Approved is false.
	RejectCode errors.ErrorCode
	// RejectReason is a human-readable rejection summary.
	RejectReason string
}

// Reject creates a rejection decision.
func Reject(code errors.ErrorCode, reason string) Decision {
	return Decision{
		Approved:     false,
		RejectCode:   code,
		RejectReason: reason,
	}
}

// Manager evaluates intents against the session risk limits.
type Manager struct {
	limits types.RiskLimits
	log    *logger.Logger
}

// NewManager creates a risk manager. The limits are immutable for the
// session.
func NewManager(limits types.RiskLimits, log *logger.Logger) *Manager {
	return &Manager{
		limits: limits,
		log:    log,
	}
}

// Limits returns the session limits.
func (m *Manager) Limits() types.RiskLimits {
	return m.limits
}

// Evaluate runs the ordered risk checks against the intent, short-circuiting
// on the first failure:
//
//  1. daily realized-loss gate (new entries only; exits always pass)
//  2. exposure headroom, scaling the quantity down rather than rejecting
//     while headroom remains
//  3. open position count (new entries only)
//  4. per-asset notional cap, scaling down to the cap
//
// Evaluate has no side effects and never mutates the snapshot.
func (m *Manager) Evaluate(intent types.TradeIntent, snapshot types.PortfolioSnapshot) Decision {
	if err := intent.Validate(); err != nil {
		return Reject(errors.ErrCodeInvalidIntent, err.Error())
	}

	price := snapshot.PriceOf(intent.Symbol)
	if price <= 0 {
		return Reject(errors.ErrCodeInvalidIntent, "no price available for "+intent.Symbol)
	}

	notional := intent.NotionalAt(price)
	reduces := intent.ReducesExposure()

	// Exits are always allowed: refusing to close a position can only
	// increase risk.
	if reduces {
		return Decision{
			Approved: true,
			Quantity: intent.QuantityAt(price),
			Notional: notional,
		}
	}

	if snapshot.DailyRealizedLoss >= m.limits.MaxDailyLoss {
		m.log.Warn("risk: daily loss limit reached, rejecting entry",
			zap.String("symbol", intent.Symbol),
			zap.Float64("daily_loss", snapshot.DailyRealizedLoss),
			zap.Float64("max_daily_loss", m.limits.MaxDailyLoss),
		)

		return Reject(errors.ErrCodeDailyLossLimitReached, "daily loss limit reached")
	}

	scaled := false

	maxExposure := m.limits.MaxExposureFraction * snapshot.Equity

	headroom := maxExposure - snapshot.TotalExposure
	if headroom <= 0 {
		return Reject(errors.ErrCodeExposureLimitReached, "no exposure headroom remaining")
	}

	if notional > headroom {
		notional = headroom
		scaled = true
	}

	if isNewEntry(intent.Kind) && snapshot.OpenPositionCount >= m.limits.MaxOpenPositions {
		return Reject(errors.ErrCodePositionLimitReached, "max concurrent open positions reached")
	}

	if notional > m.limits.MaxPositionNotional {
		notional = m.limits.MaxPositionNotional
		scaled = true
	}

	return Decision{
		Approved: true,
		Quantity: notional / price,
		Notional: notional,
		Scaled:   scaled,
	}
}

// isNewEntry reports whether the intent opens a position, as opposed to
// adjusting an existing allocation.
func isNewEntry(kind types.IntentKind) bool {
	return kind == types.IntentKindEntry || kind == types.IntentKindAccumulation
}
