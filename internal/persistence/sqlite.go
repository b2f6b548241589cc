package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal at path and migrates it.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return j, nil
}

// Migrate runs database migrations.
func (j *SQLiteJournal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			role TEXT NOT NULL,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_signal_id ON orders(signal_id)`,

		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			quantity TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			exit_leg TEXT NOT NULL,
			pnl_percent TEXT NOT NULL,
			stop_trigger TEXT NOT NULL,
			stop_limit TEXT NOT NULL,
			take_profit TEXT NOT NULL,
			escalation TEXT NOT NULL DEFAULT '',
			indicator TEXT NOT NULL DEFAULT '',
			source_exchange TEXT NOT NULL DEFAULT '',
			source_close TEXT NOT NULL DEFAULT '0',
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol ON outcomes(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_closed_at ON outcomes(closed_at)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveOrder journals an order submission.
func (j *SQLiteJournal) SaveOrder(ctx context.Context, o OrderRecord) error {
	query := `INSERT INTO orders (signal_id, symbol, role, order_id, side, price, quantity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx, query,
		o.SignalID,
		o.Symbol,
		o.Role,
		o.OrderID,
		o.Side,
		o.Price.String(),
		o.Quantity.String(),
		o.Status,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

// ListOrders returns the orders of a signal in submission order.
func (j *SQLiteJournal) ListOrders(ctx context.Context, signalID string) ([]OrderRecord, error) {
	query := `SELECT id, signal_id, symbol, role, order_id, side, price, quantity, status, created_at
		FROM orders WHERE signal_id = ? ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, signalID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var price, qty string

		if err := rows.Scan(&o.ID, &o.SignalID, &o.Symbol, &o.Role, &o.OrderID, &o.Side, &price, &qty, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		o.Price, _ = decimal.NewFromString(price)
		o.Quantity, _ = decimal.NewFromString(qty)

		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// SaveOutcome journals a resolved position. Saving the same outcome twice
// is an error.
func (j *SQLiteJournal) SaveOutcome(ctx context.Context, o types.Outcome) error {
	query := `INSERT INTO outcomes
		(id, signal_id, symbol, direction, quantity, leverage, entry_price, exit_price, exit_leg, pnl_percent,
		 stop_trigger, stop_limit, take_profit, escalation, indicator, source_exchange, source_close, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		o.ID,
		o.SignalID,
		o.Symbol,
		o.Direction.String(),
		o.Quantity.String(),
		o.Leverage,
		o.EntryPrice.String(),
		o.ExitPrice.String(),
		string(o.ExitLeg),
		o.PnLPercent.String(),
		o.Levels.StopTrigger.String(),
		o.Levels.StopLimit.String(),
		o.Levels.TakeProfit.String(),
		o.Escalation,
		o.Source.Indicator,
		o.Source.Exchange,
		o.Source.Close.String(),
		o.OpenedAt.UTC(),
		o.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	return nil
}

// ListOutcomes returns outcomes, most recently closed first.
func (j *SQLiteJournal) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]types.Outcome, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if !f.Since.IsZero() {
		where = append(where, "closed_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, signal_id, symbol, direction, quantity, leverage, entry_price, exit_price, exit_leg, pnl_percent,
		stop_trigger, stop_limit, take_profit, escalation, indicator, source_exchange, source_close, opened_at, closed_at
		FROM outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY closed_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outcomes []types.Outcome
	for rows.Next() {
		var (
			o                  types.Outcome
			direction, exitLeg string
			qty, entry, exit   string
			pnl, srcClose      string
			stopTrig, stopLim  string
			tp                 string
		)

		if err := rows.Scan(&o.ID, &o.SignalID, &o.Symbol, &direction, &qty, &o.Leverage, &entry, &exit, &exitLeg, &pnl,
			&stopTrig, &stopLim, &tp, &o.Escalation, &o.Source.Indicator, &o.Source.Exchange, &srcClose, &o.OpenedAt, &o.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		o.Direction, _ = types.ParseSide(direction)
		o.ExitLeg = types.ExitLeg(exitLeg)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.EntryPrice, _ = decimal.NewFromString(entry)
		o.ExitPrice, _ = decimal.NewFromString(exit)
		o.PnLPercent, _ = decimal.NewFromString(pnl)
		o.Levels.Entry = o.EntryPrice
		o.Levels.StopTrigger, _ = decimal.NewFromString(stopTrig)
		o.Levels.StopLimit, _ = decimal.NewFromString(stopLim)
		o.Levels.TakeProfit, _ = decimal.NewFromString(tp)
		o.Source.Close, _ = decimal.NewFromString(srcClose)

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// Stats summarises the outcomes matching f.
func (j *SQLiteJournal) Stats(ctx context.Context, f OutcomeFilter) (Stats, error) {
	outcomes, err := j.ListOutcomes(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(outcomes), nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
