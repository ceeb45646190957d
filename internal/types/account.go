package types

// AccountInfo represents the current account state as reported by the
// exchange gateway.
type AccountInfo struct {
	// Balances maps asset symbol to held quantity.
	Balances map[string]float64 `json:"balances" yaml:"balances"`
	// QuoteBalance is the free balance of the quote currency (e.g. USDT).
	QuoteBalance float64 `json:"quote_balance" yaml:"quote_balance"`
}

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	Price  float64 `json:"price" yaml:"price"`
}
