package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidIntent        ErrorCode = 102
	ErrCodeInvalidOrder         ErrorCode = 103
	ErrCodeInvalidExitRule      ErrorCode = 104
	ErrCodeInvalidAllocation    ErrorCode = 105
	ErrCodeQuantityTooSmall     ErrorCode = 106

	// Risk rejections (200-299). Policy decisions, not failures.
	ErrCodeRiskRejected          ErrorCode = 200
	ErrCodeDailyLossLimitReached ErrorCode = 201
	ErrCodeExposureLimitReached  ErrorCode = 202
	ErrCodePositionLimitReached  ErrorCode = 203
	ErrCodeNotionalCapExceeded   ErrorCode = 204

	// Transient exchange errors (300-399). Safe to retry with backoff.
	ErrCodeExchangeUnavailable ErrorCode = 300
	ErrCodeExchangeTimeout     ErrorCode = 301
	ErrCodeRateLimited         ErrorCode = 302

	// Permanent exchange errors (400-499). Never retried.
	ErrCodeOrderRejected       ErrorCode = 400
	ErrCodeInsufficientBalance ErrorCode = 401
	ErrCodeUnknownOrder        ErrorCode = 402
	ErrCodeInvalidSymbol       ErrorCode = 403
	ErrCodeBelowMinNotional    ErrorCode = 404

	// State inconsistencies (500-599). Reconciled against exchange ground truth.
	ErrCodePositionNotFound     ErrorCode = 500
	ErrCodeOrderNotTracked      ErrorCode = 501
	ErrCodeClosingWithoutOrder  ErrorCode = 502
	ErrCodePositionStateStale   ErrorCode = 503
	ErrCodeInvalidPositionState ErrorCode = 504

	// Fatal errors (600-699). Stop the trading loop.
	ErrCodeLoopInitFailed    ErrorCode = 600
	ErrCodeStoreUnavailable  ErrorCode = 601
	ErrCodeRecoveryFailed    ErrorCode = 602
	ErrCodeGatewayInitFailed ErrorCode = 603

	// Store errors (700-799)
	ErrCodePersistFailed ErrorCode = 700
	ErrCodeQueryFailed   ErrorCode = 701

	// Submission errors (800-899)
	ErrCodeRetriesExhausted ErrorCode = 800
	ErrCodeFillTimeout      ErrorCode = 801
)

// IsTransient reports whether the code identifies a retryable exchange failure.
func (c ErrorCode) IsTransient() bool {
	return c >= 300 && c < 400
}

// IsRiskRejection reports whether the code identifies a risk policy rejection.
func (c ErrorCode) IsRiskRejection() bool {
	return c >= 200 && c < 300
}

// IsPermanent reports whether the code identifies a terminal exchange rejection.
func (c ErrorCode) IsPermanent() bool {
	return c >= 400 && c < 500
}

// IsFatal reports whether the code requires stopping the trading loop.
func (c ErrorCode) IsFatal() bool {
	return c >= 600 && c < 700
}
