// Package store persists positions, orders, and the trade ledger so a
// restarted process can resume managing what it left behind.
package store

import (
	"context"
	"time"

	"github.com/quantfoundry/tradepilot/internal/types"
)

// Store is the durability surface of the trading core. Save methods are
// upserts keyed by id so repeated state transitions of the same entity
// overwrite cleanly.
type Store interface {
	SavePosition(ctx context.Context, position types.Position) error
	SaveOrder(ctx context.Context, order types.Order) error
	SaveTrade(ctx context.Context, trade types.Trade) error
	// LoadOpenPositions returns positions in Open or Closing state, oldest
	// first. Called once at startup to rebuild the position book.
	LoadOpenPositions(ctx context.Context) ([]types.Position, error)
	// RecentTrades returns the newest trades first, at most limit rows.
	RecentTrades(ctx context.Context, limit int) ([]types.Trade, error)
	// RealizedPnLSince sums ledger pnl for trades executed at or after
	// since. Used to rebuild the daily loss guard after a restart.
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	Close() error
}
