package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ErrorTestSuite struct {
	suite.Suite
}

func TestErrorTestSuite(t *testing.T) {
	suite.Run(t, new(ErrorTestSuite))
}

func (suite *ErrorTestSuite) TestNew() {
	err := New(ErrCodeInvalidIntent, "bad intent")
	suite.Equal("[102] bad intent", err.Error())
	suite.Equal(ErrCodeInvalidIntent, GetCode(err))
}

func (suite *ErrorTestSuite) TestWrapPreservesCause() {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCodeExchangeUnavailable, "place order failed", cause)

	suite.Contains(err.Error(), "connection refused")
	suite.Equal(cause, err.Unwrap())
	suite.True(Is(err, cause))
}

func (suite *ErrorTestSuite) TestGetCodeFromWrappedChain() {
	inner := New(ErrCodeRateLimited, "429 from exchange")
	outer := fmt.Errorf("submit attempt 2: %w", inner)

	suite.Equal(ErrCodeRateLimited, GetCode(outer))
	suite.True(HasCode(outer, ErrCodeRateLimited))
}

func (suite *ErrorTestSuite) TestGetCodeNonStructured() {
	suite.Equal(ErrCodeUnknown, GetCode(fmt.Errorf("plain error")))
}

func (suite *ErrorTestSuite) TestCodeClassification() {
	tests := []struct {
		name      string
		code      ErrorCode
		transient bool
		permanent bool
		risk      bool
		fatal     bool
	}{
		{name: "timeout is transient", code: ErrCodeExchangeTimeout, transient: true},
		{name: "rate limit is transient", code: ErrCodeRateLimited, transient: true},
		{name: "rejection is permanent", code: ErrCodeOrderRejected, permanent: true},
		{name: "insufficient balance is permanent", code: ErrCodeInsufficientBalance, permanent: true},
		{name: "daily loss is risk rejection", code: ErrCodeDailyLossLimitReached, risk: true},
		{name: "store down is fatal", code: ErrCodeStoreUnavailable, fatal: true},
		{name: "validation is none of them", code: ErrCodeInvalidIntent},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.Equal(tt.transient, tt.code.IsTransient())
			suite.Equal(tt.permanent, tt.code.IsPermanent())
			suite.Equal(tt.risk, tt.code.IsRiskRejection())
			suite.Equal(tt.fatal, tt.code.IsFatal())
		})
	}
}

func (suite *ErrorTestSuite) TestClassificationHelpersOnErrors() {
	suite.True(IsTransient(New(ErrCodeExchangeUnavailable, "down")))
	suite.True(IsPermanent(Wrap(ErrCodeInsufficientBalance, "no funds", fmt.Errorf("code -2010"))))
	suite.True(IsFatal(New(ErrCodeRecoveryFailed, "cannot load positions")))
	suite.False(IsTransient(fmt.Errorf("plain")))
}
