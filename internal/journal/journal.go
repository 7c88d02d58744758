// Package journal persists the order audit trail to SQLite. Writes are
// best-effort from the engine's point of view: a journal failure is logged
// and never blocks a transition.
package journal

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       REAL NOT NULL,
	type           TEXT NOT NULL,
	limit_price    REAL,
	state          TEXT NOT NULL,
	filled_qty     REAL NOT NULL,
	avg_fill_price REAL NOT NULL,
	reason         TEXT,
	signal_score   REAL,
	ref_price      REAL,
	created_at     TIMESTAMP NOT NULL,
	transition_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	key        TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	quantity   REAL NOT NULL,
	price      REAL NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	symbol     TEXT,
	order_id   TEXT,
	old_state  TEXT,
	new_state  TEXT,
	reason     TEXT,
	quantity   REAL,
	avg_cost   REAL,
	halted     INTEGER,
	equity     REAL
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_events_order ON lifecycle_events(order_id);
`

// Journal is a SQLite-backed audit trail of orders, fills and lifecycle
// events
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at dbPath
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "journal", "open")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CategoryConfig, "journal", "migrate")
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveOrder upserts the order's current snapshot
func (j *Journal) SaveOrder(ctx context.Context, order *types.Order) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (id, symbol, side, quantity, type, limit_price, state,
			filled_qty, avg_fill_price, reason, signal_score, ref_price, created_at, transition_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			reason = excluded.reason,
			transition_at = excluded.transition_at`,
		order.ID, order.Symbol, string(order.Side), order.Quantity, string(order.Type),
		order.LimitPrice, string(order.State), order.FilledQty, order.AvgFillPrice,
		order.Reason, order.SignalScore, order.RefPrice, order.CreatedAt, order.TransitionAt)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "journal", "save_order")
	}
	return nil
}

// SaveFill records an applied fill, keyed by its dedup identity
func (j *Journal) SaveFill(ctx context.Context, fill types.Fill) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (key, order_id, quantity, price, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		fill.Key(), fill.OrderID, fill.Quantity, fill.Price, fill.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "journal", "save_fill")
	}
	return nil
}

// SaveEvent appends a lifecycle event to the audit trail
func (j *Journal) SaveEvent(ctx context.Context, e events.Event) error {
	halted := 0
	if e.Halted {
		halted = 1
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (type, timestamp, symbol, order_id, old_state,
			new_state, reason, quantity, avg_cost, halted, equity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.Timestamp, e.Symbol, e.OrderID, string(e.OldState),
		string(e.NewState), e.Reason, e.Quantity, e.AvgCost, halted, e.Equity)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "journal", "save_event")
	}
	return nil
}

// OrderRecord is one row of the orders table
type OrderRecord struct {
	ID           string
	Symbol       string
	Side         string
	Quantity     float64
	Type         string
	LimitPrice   float64
	State        string
	FilledQty    float64
	AvgFillPrice float64
	Reason       string
	SignalScore  float64
	RefPrice     float64
	CreatedAt    time.Time
	TransitionAt time.Time
}

// Orders returns every journaled order, oldest first
func (j *Journal) Orders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, symbol, side, quantity, type, limit_price, state, filled_qty,
			avg_fill_price, reason, signal_score, ref_price, created_at, transition_at
		FROM orders ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "list_orders")
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		var r OrderRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Quantity, &r.Type,
			&r.LimitPrice, &r.State, &r.FilledQty, &r.AvgFillPrice, &r.Reason,
			&r.SignalScore, &r.RefPrice, &r.CreatedAt, &r.TransitionAt); err != nil {
			return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "scan_order")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FillRecord is one row of the fills table
type FillRecord struct {
	OrderID   string
	Quantity  float64
	Price     float64
	Timestamp time.Time
}

// Fills returns every journaled fill, oldest first
func (j *Journal) Fills(ctx context.Context) ([]FillRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, quantity, price, timestamp FROM fills ORDER BY timestamp`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "list_fills")
	}
	defer rows.Close()

	var records []FillRecord
	for rows.Next() {
		var r FillRecord
		if err := rows.Scan(&r.OrderID, &r.Quantity, &r.Price, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "scan_fill")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EventRecord is one row of the lifecycle_events table
type EventRecord struct {
	Seq       int64
	Type      string
	Timestamp time.Time
	Symbol    string
	OrderID   string
	OldState  string
	NewState  string
	Reason    string
	Quantity  float64
	AvgCost   float64
	Halted    bool
	Equity    float64
}

// Events returns the lifecycle event trail in append order
func (j *Journal) Events(ctx context.Context) ([]EventRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, type, timestamp, symbol, order_id, old_state, new_state,
			reason, quantity, avg_cost, halted, equity
		FROM lifecycle_events ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "list_events")
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var halted int
		if err := rows.Scan(&r.Seq, &r.Type, &r.Timestamp, &r.Symbol, &r.OrderID,
			&r.OldState, &r.NewState, &r.Reason, &r.Quantity, &r.AvgCost,
			&halted, &r.Equity); err != nil {
			return nil, errors.Wrap(err, errors.CategoryBroker, "journal", "scan_event")
		}
		r.Halted = halted != 0
		records = append(records, r)
	}
	return records, rows.Err()
}
