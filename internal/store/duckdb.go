package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/quantfoundry/tradepilot/internal/logger"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"go.uber.org/zap"
)

// DuckDBStore persists state in a DuckDB database, either on disk or, with
// path ":memory:", in process memory.
type DuckDBStore struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewDuckDBStore opens the database at path and creates the schema.
func NewDuckDBStore(path string, log *logger.Logger) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreUnavailable, err, "failed to open database at %s", path)
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStoreUnavailable, err, "database at %s is not reachable", path)
	}

	store := &DuckDBStore{
		db:     db,
		logger: log,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}

	if err := store.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	return store, nil
}

// initialize creates the positions, orders, and trades tables.
func (s *DuckDBStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT,
			quantity DOUBLE,
			avg_entry_price DOUBLE,
			opened_at TIMESTAMP,
			status TEXT,
			strategy_id TEXT,
			exit_rules TEXT,
			closing_order_id TEXT,
			closed_at TIMESTAMP,
			realized_pnl DOUBLE
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create positions table", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			exchange_id TEXT,
			idempotency_token TEXT,
			symbol TEXT,
			side TEXT,
			quantity DOUBLE,
			status TEXT,
			filled_quantity DOUBLE,
			avg_fill_price DOUBLE,
			reason TEXT,
			message TEXT,
			strategy_id TEXT,
			position_id TEXT,
			submitted_at TIMESTAMP,
			updated_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create orders table", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			order_id TEXT,
			position_id TEXT,
			symbol TEXT,
			side TEXT,
			quantity DOUBLE,
			price DOUBLE,
			reason TEXT,
			message TEXT,
			strategy_id TEXT,
			pnl DOUBLE,
			executed_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create trades table", err)
	}

	return nil
}

// SavePosition implements Store.
func (s *DuckDBStore) SavePosition(ctx context.Context, position types.Position) error {
	rules, err := json.Marshal(position.ExitRules)
	if err != nil {
		return errors.Wrap(errors.ErrCodePersistFailed, "failed to encode exit rules", err)
	}

	query := s.sq.
		Insert("positions").
		Options("OR REPLACE").
		Columns(
			"id", "symbol", "quantity", "avg_entry_price", "opened_at",
			"status", "strategy_id", "exit_rules", "closing_order_id",
			"closed_at", "realized_pnl",
		).
		Values(
			position.ID, position.Symbol, position.Quantity, position.AvgEntryPrice,
			position.OpenedAt, string(position.Status), position.StrategyID,
			string(rules), position.ClosingOrderID, nullableTime(position.ClosedAt),
			position.RealizedPnL,
		).
		RunWith(s.db)

	if _, err := query.ExecContext(ctx); err != nil {
		return errors.Wrapf(errors.ErrCodePersistFailed, err, "failed to save position %s", position.ID)
	}

	return nil
}

// SaveOrder implements Store.
func (s *DuckDBStore) SaveOrder(ctx context.Context, order types.Order) error {
	query := s.sq.
		Insert("orders").
		Options("OR REPLACE").
		Columns(
			"id", "exchange_id", "idempotency_token", "symbol", "side",
			"quantity", "status", "filled_quantity", "avg_fill_price",
			"reason", "message", "strategy_id", "position_id",
			"submitted_at", "updated_at",
		).
		Values(
			order.ID, order.ExchangeID, order.IdempotencyToken, order.Symbol,
			string(order.Side), order.Quantity, string(order.Status),
			order.FilledQuantity, order.AvgFillPrice, order.Reason.Reason,
			order.Reason.Message, order.StrategyID, order.PositionID,
			order.SubmittedAt, order.UpdatedAt,
		).
		RunWith(s.db)

	if _, err := query.ExecContext(ctx); err != nil {
		return errors.Wrapf(errors.ErrCodePersistFailed, err, "failed to save order %s", order.ID)
	}

	return nil
}

// SaveTrade implements Store.
func (s *DuckDBStore) SaveTrade(ctx context.Context, trade types.Trade) error {
	query := s.sq.
		Insert("trades").
		Columns(
			"order_id", "position_id", "symbol", "side", "quantity", "price",
			"reason", "message", "strategy_id", "pnl", "executed_at",
		).
		Values(
			trade.OrderID, trade.PositionID, trade.Symbol, string(trade.Side),
			trade.Quantity, trade.Price, trade.Reason.Reason,
			trade.Reason.Message, trade.StrategyID, trade.PnL, trade.ExecutedAt,
		).
		RunWith(s.db)

	if _, err := query.ExecContext(ctx); err != nil {
		return errors.Wrapf(errors.ErrCodePersistFailed, err, "failed to save trade for order %s", trade.OrderID)
	}

	return nil
}

// LoadOpenPositions implements Store.
func (s *DuckDBStore) LoadOpenPositions(ctx context.Context) ([]types.Position, error) {
	query := s.sq.
		Select(
			"id", "symbol", "quantity", "avg_entry_price", "opened_at",
			"status", "strategy_id", "exit_rules", "closing_order_id",
			"closed_at", "realized_pnl",
		).
		From("positions").
		Where(squirrel.Eq{"status": []string{
			string(types.PositionStatusOpen),
			string(types.PositionStatusClosing),
		}}).
		OrderBy("opened_at ASC").
		RunWith(s.db)

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query open positions", err)
	}
	defer rows.Close()

	var positions []types.Position

	for rows.Next() {
		var (
			position types.Position
			status   string
			rules    string
			closedAt sql.NullTime
		)

		err := rows.Scan(
			&position.ID,
			&position.Symbol,
			&position.Quantity,
			&position.AvgEntryPrice,
			&position.OpenedAt,
			&status,
			&position.StrategyID,
			&rules,
			&position.ClosingOrderID,
			&closedAt,
			&position.RealizedPnL,
		)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan position", err)
		}

		position.Status = types.PositionStatus(status)

		if closedAt.Valid {
			position.ClosedAt = closedAt.Time
		}

		if rules != "" {
			if err := json.Unmarshal([]byte(rules), &position.ExitRules); err != nil {
				return nil, errors.Wrapf(errors.ErrCodeQueryFailed, err, "corrupt exit rules for position %s", position.ID)
			}
		}

		positions = append(positions, position)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate positions", err)
	}

	return positions, nil
}

// RecentTrades implements Store.
func (s *DuckDBStore) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	query := s.sq.
		Select(
			"order_id", "position_id", "symbol", "side", "quantity", "price",
			"reason", "message", "strategy_id", "pnl", "executed_at",
		).
		From("trades").
		OrderBy("executed_at DESC").
		Limit(uint64(limit)).
		RunWith(s.db)

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query trades", err)
	}
	defer rows.Close()

	var trades []types.Trade

	for rows.Next() {
		var (
			trade types.Trade
			side  string
		)

		err := rows.Scan(
			&trade.OrderID,
			&trade.PositionID,
			&trade.Symbol,
			&side,
			&trade.Quantity,
			&trade.Price,
			&trade.Reason.Reason,
			&trade.Reason.Message,
			&trade.StrategyID,
			&trade.PnL,
			&trade.ExecutedAt,
		)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan trade", err)
		}

		trade.Side = types.OrderSide(side)
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate trades", err)
	}

	return trades, nil
}

// RealizedPnLSince implements Store.
func (s *DuckDBStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	query := s.sq.
		Select("COALESCE(SUM(pnl), 0)").
		From("trades").
		Where(squirrel.GtOrEq{"executed_at": since}).
		RunWith(s.db)

	var total float64
	if err := query.QueryRowContext(ctx).Scan(&total); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to sum realized pnl", err)
	}

	return total, nil
}

// Close implements Store.
func (s *DuckDBStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close store database", zap.Error(err))

		return err
	}

	return nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}

var _ Store = (*DuckDBStore)(nil)
