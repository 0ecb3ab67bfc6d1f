// Package storage is the relational store for K-lines, orders, fills,
// positions, security reference data, and the trading calendar.
//
// Backed by SQLite through database/sql with WAL journaling so the data
// sync job (K-line writes) and the router (order/fill/position writes) can
// run concurrently from one process. Orders and fills are append-only;
// positions are upserted; K-lines upsert on (symbol, timestamp) to absorb
// re-fetches of the same bar.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"tradecore/pkg/types"
)

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS kline_daily (
	symbol    TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	open      TEXT NOT NULL,
	high      TEXT NOT NULL,
	low       TEXT NOT NULL,
	close     TEXT NOT NULL,
	volume    INTEGER NOT NULL,
	turnover  TEXT NOT NULL,
	PRIMARY KEY (symbol, ts)
);
CREATE TABLE IF NOT EXISTS kline_minute (
	symbol    TEXT NOT NULL,
	period    TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	open      TEXT NOT NULL,
	high      TEXT NOT NULL,
	low       TEXT NOT NULL,
	close     TEXT NOT NULL,
	volume    INTEGER NOT NULL,
	turnover  TEXT NOT NULL,
	PRIMARY KEY (symbol, period, ts)
);
CREATE TABLE IF NOT EXISTS orders (
	broker_order_id   TEXT PRIMARY KEY,
	client_order_id   TEXT NOT NULL DEFAULT '',
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	quantity          INTEGER NOT NULL,
	limit_price       TEXT,
	tif               TEXT NOT NULL,
	status            TEXT NOT NULL,
	executed_quantity INTEGER NOT NULL DEFAULT 0,
	executed_price    TEXT,
	submitted_at      INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol, submitted_at);
CREATE TABLE IF NOT EXISTS fills (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	price           TEXT NOT NULL,
	filled_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills (broker_order_id);
CREATE TABLE IF NOT EXISTS positions (
	symbol             TEXT PRIMARY KEY,
	quantity           INTEGER NOT NULL,
	available_quantity INTEGER NOT NULL,
	average_cost       TEXT NOT NULL,
	currency           TEXT NOT NULL,
	market             TEXT NOT NULL,
	entry_time         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS security_static (
	symbol   TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	lot_size INTEGER NOT NULL,
	market   TEXT NOT NULL,
	currency TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trading_calendar (
	market      TEXT NOT NULL,
	trade_date  TEXT NOT NULL,
	sessions    TEXT NOT NULL,
	is_half_day INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (market, trade_date)
);
`

// Open connects, applies pragmas, and creates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; keep the pool at a single connection so
	// busy-timeouts never race inside our own process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the connection.
func (s *Store) Close() error { return s.db.Close() }

// -----------------------------------------------------------------------
// K-lines
// -----------------------------------------------------------------------

// SaveCandles upserts a batch of candles into the table matching their period.
func (s *Store) SaveCandles(ctx context.Context, candles []types.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	daily, err := tx.PrepareContext(ctx, `INSERT INTO kline_daily
		(symbol, ts, open, high, low, close, volume, turnover)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, ts) DO UPDATE SET
		open=excluded.open, high=excluded.high, low=excluded.low,
		close=excluded.close, volume=excluded.volume, turnover=excluded.turnover`)
	if err != nil {
		return fmt.Errorf("prepare daily: %w", err)
	}
	defer daily.Close()

	minute, err := tx.PrepareContext(ctx, `INSERT INTO kline_minute
		(symbol, period, ts, open, high, low, close, volume, turnover)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, period, ts) DO UPDATE SET
		open=excluded.open, high=excluded.high, low=excluded.low,
		close=excluded.close, volume=excluded.volume, turnover=excluded.turnover`)
	if err != nil {
		return fmt.Errorf("prepare minute: %w", err)
	}
	defer minute.Close()

	for _, c := range candles {
		ts := c.Timestamp.Unix()
		if c.Period == types.Period1d {
			_, err = daily.ExecContext(ctx, c.Symbol, ts,
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
				c.Volume, c.Turnover.String())
		} else {
			_, err = minute.ExecContext(ctx, c.Symbol, string(c.Period), ts,
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
				c.Volume, c.Turnover.String())
		}
		if err != nil {
			return fmt.Errorf("upsert candle %s@%d: %w", c.Symbol, ts, err)
		}
	}
	return tx.Commit()
}

// Candles returns the most recent limit candles for a symbol and period,
// oldest first.
func (s *Store) Candles(ctx context.Context, symbol string, period types.Period, limit int) ([]types.Candle, error) {
	var rows *sql.Rows
	var err error
	if period == types.Period1d {
		rows, err = s.db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume, turnover
			FROM kline_daily WHERE symbol = ? ORDER BY ts DESC LIMIT ?`, symbol, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume, turnover
			FROM kline_minute WHERE symbol = ? AND period = ? ORDER BY ts DESC LIMIT ?`, symbol, string(period), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		var ts int64
		var o, h, l, cl, to string
		var vol int64
		if err := rows.Scan(&ts, &o, &h, &l, &cl, &vol, &to); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, types.Candle{
			Symbol:    symbol,
			Period:    period,
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      mustDecimal(o),
			High:      mustDecimal(h),
			Low:       mustDecimal(l),
			Close:     mustDecimal(cl),
			Volume:    vol,
			Turnover:  mustDecimal(to),
		})
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------
// Orders & fills
// -----------------------------------------------------------------------

// ErrTerminalOrder is returned when an update would revert a terminal status.
var ErrTerminalOrder = errors.New("order is in a terminal status")

// InsertOrder records a newly submitted order.
func (s *Store) InsertOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders
		(broker_order_id, client_order_id, symbol, side, type, quantity, limit_price,
		 tif, status, executed_quantity, executed_price, submitted_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.BrokerOrderID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type),
		o.Quantity, o.LimitPrice.String(), string(o.TIF), string(o.Status),
		o.ExecutedQuantity, o.ExecutedPrice.String(),
		o.SubmittedAt.Unix(), o.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.BrokerOrderID, err)
	}
	return nil
}

// UpdateOrder persists a state transition. Terminal statuses are one-way:
// updating an already-terminal order fails with ErrTerminalOrder.
func (s *Store) UpdateOrder(ctx context.Context, o types.Order) error {
	cur, err := s.Order(ctx, o.BrokerOrderID)
	if err != nil {
		return err
	}
	if cur != nil && cur.Status.Terminal() && cur.Status != o.Status {
		return fmt.Errorf("update order %s: %w", o.BrokerOrderID, ErrTerminalOrder)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE orders SET
		status = ?, executed_quantity = ?, executed_price = ?, updated_at = ?
		WHERE broker_order_id = ?`,
		string(o.Status), o.ExecutedQuantity, o.ExecutedPrice.String(),
		o.UpdatedAt.Unix(), o.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.BrokerOrderID, err)
	}
	return nil
}

// Order returns one order, or nil if unknown.
func (s *Store) Order(ctx context.Context, brokerOrderID string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT broker_order_id, client_order_id, symbol,
		side, type, quantity, limit_price, tif, status, executed_quantity,
		executed_price, submitted_at, updated_at
		FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// OrdersForSymbolSince counts orders for a symbol submitted at or after t.
// Used by the per-symbol daily cap.
func (s *Store) OrdersForSymbolSince(ctx context.Context, symbol string, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders
		WHERE symbol = ? AND submitted_at >= ?`, symbol, t.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// OrdersSince counts all orders submitted at or after t.
func (s *Store) OrdersSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders
		WHERE submitted_at >= ?`, t.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// InsertFill appends one execution report.
func (s *Store) InsertFill(ctx context.Context, f types.Fill) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fills
		(broker_order_id, symbol, side, quantity, price, filled_at)
		VALUES (?,?,?,?,?,?)`,
		f.BrokerOrderID, f.Symbol, string(f.Side), f.Quantity, f.Price.String(), f.FilledAt.Unix())
	if err != nil {
		return fmt.Errorf("insert fill for %s: %w", f.BrokerOrderID, err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Positions
// -----------------------------------------------------------------------

// UpsertPosition writes the current state of a holding. A zero quantity
// deletes the row.
func (s *Store) UpsertPosition(ctx context.Context, p types.Position) error {
	if p.Quantity <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, p.Symbol)
		if err != nil {
			return fmt.Errorf("delete position %s: %w", p.Symbol, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions
		(symbol, quantity, available_quantity, average_cost, currency, market, entry_time)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
		quantity=excluded.quantity, available_quantity=excluded.available_quantity,
		average_cost=excluded.average_cost, currency=excluded.currency,
		market=excluded.market, entry_time=excluded.entry_time`,
		p.Symbol, p.Quantity, p.AvailableQuantity, p.AverageCost.String(),
		string(p.Currency), string(p.Market), p.EntryTime.Unix())
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// Positions returns all stored holdings.
func (s *Store) Positions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, quantity, available_quantity,
		average_cost, currency, market, entry_time FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var cost, cur, mkt string
		var entry int64
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvailableQuantity, &cost, &cur, &mkt, &entry); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.AverageCost = mustDecimal(cost)
		p.Currency = types.Currency(cur)
		p.Market = types.Market(mkt)
		p.EntryTime = time.Unix(entry, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------
// Security static & calendar
// -----------------------------------------------------------------------

// SecurityStatic returns reference data for one symbol, or nil if unknown.
func (s *Store) SecurityStatic(ctx context.Context, symbol string) (*types.SecurityStatic, error) {
	var info types.SecurityStatic
	var mkt, cur string
	err := s.db.QueryRowContext(ctx, `SELECT symbol, name, lot_size, market, currency
		FROM security_static WHERE symbol = ?`, symbol).
		Scan(&info.Symbol, &info.Name, &info.LotSize, &mkt, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query security static %s: %w", symbol, err)
	}
	info.Market = types.Market(mkt)
	info.Currency = types.Currency(cur)
	return &info, nil
}

// SaveSecurityStatic upserts reference data for one symbol.
func (s *Store) SaveSecurityStatic(ctx context.Context, info types.SecurityStatic) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO security_static
		(symbol, name, lot_size, market, currency) VALUES (?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
		name=excluded.name, lot_size=excluded.lot_size,
		market=excluded.market, currency=excluded.currency`,
		info.Symbol, info.Name, info.LotSize, string(info.Market), string(info.Currency))
	if err != nil {
		return fmt.Errorf("save security static %s: %w", info.Symbol, err)
	}
	return nil
}

// TradingDays returns calendar entries for a market between from and to.
func (s *Store) TradingDays(ctx context.Context, market types.Market, from, to time.Time) ([]types.TradingDay, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trade_date, sessions, is_half_day
		FROM trading_calendar WHERE market = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date`, string(market), from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query trading days: %w", err)
	}
	defer rows.Close()

	var out []types.TradingDay
	for rows.Next() {
		var dateStr, sessionsJSON string
		var half int
		if err := rows.Scan(&dateStr, &sessionsJSON, &half); err != nil {
			return nil, fmt.Errorf("scan trading day: %w", err)
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("parse trade_date %q: %w", dateStr, err)
		}
		var sessions []types.SessionSpan
		if err := json.Unmarshal([]byte(sessionsJSON), &sessions); err != nil {
			return nil, fmt.Errorf("parse sessions for %s %s: %w", market, dateStr, err)
		}
		out = append(out, types.TradingDay{
			Market:    market,
			TradeDate: date,
			Sessions:  sessions,
			IsHalfDay: half != 0,
		})
	}
	return out, rows.Err()
}

// SaveTradingDays upserts calendar entries.
func (s *Store) SaveTradingDays(ctx context.Context, days []types.TradingDay) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range days {
		sessions, err := json.Marshal(d.Sessions)
		if err != nil {
			return fmt.Errorf("marshal sessions: %w", err)
		}
		half := 0
		if d.IsHalfDay {
			half = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO trading_calendar
			(market, trade_date, sessions, is_half_day) VALUES (?,?,?,?)
			ON CONFLICT(market, trade_date) DO UPDATE SET
			sessions=excluded.sessions, is_half_day=excluded.is_half_day`,
			string(d.Market), d.TradeDate.Format("2006-01-02"), string(sessions), half)
		if err != nil {
			return fmt.Errorf("upsert trading day %s %s: %w", d.Market, d.TradeDate.Format("2006-01-02"), err)
		}
	}
	return tx.Commit()
}

func scanOrder(row *sql.Row) (*types.Order, error) {
	var o types.Order
	var side, typ, tif, status, limit, exec string
	var submitted, updated int64
	err := row.Scan(&o.BrokerOrderID, &o.ClientOrderID, &o.Symbol, &side, &typ,
		&o.Quantity, &limit, &tif, &status, &o.ExecutedQuantity, &exec, &submitted, &updated)
	if err != nil {
		return nil, err
	}
	o.Side = types.Side(side)
	o.Type = types.OrderType(typ)
	o.TIF = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)
	o.LimitPrice = mustDecimal(limit)
	o.ExecutedPrice = mustDecimal(exec)
	o.SubmittedAt = time.Unix(submitted, 0).UTC()
	o.UpdatedAt = time.Unix(updated, 0).UTC()
	return &o, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
