// Package store provides durable order-state persistence in an embedded
// sqlite database.
//
// Each order is one row keyed by order_id. Saves use INSERT OR REPLACE so
// they are idempotent, with three integrity guards enforced before the
// write: a terminal status (FILLED, CANCELED, REJECTED, EXPIRED) is never
// overwritten by a non-terminal update, protective-order links (stop-loss /
// take-profit IDs) may be set only once, and the filled quantity must stay
// within [0, quantity]. Violating writes are rejected with a typed error
// and dropped by the caller.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ensemble-trader/pkg/types"
)

var (
	// ErrTerminalState is returned when a write would downgrade a terminal
	// order status to a non-terminal one.
	ErrTerminalState = errors.New("store: order is in a terminal state")

	// ErrProtectiveRelink is returned when a write would change an already
	// linked stop-loss or take-profit order ID.
	ErrProtectiveRelink = errors.New("store: protective order already linked")

	// ErrFilledQuantity is returned when a write carries a filled quantity
	// outside [0, quantity].
	ErrFilledQuantity = errors.New("store: filled quantity out of range")
)

// Store persists order state to a sqlite file. Safe for concurrent use;
// each operation runs in its own short transaction.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id             INTEGER PRIMARY KEY,
	symbol               TEXT NOT NULL,
	side                 TEXT NOT NULL,
	type                 TEXT NOT NULL,
	quantity             REAL NOT NULL,
	price                REAL,
	status               TEXT NOT NULL,
	filled_qty           REAL DEFAULT 0,
	avg_price            REAL DEFAULT 0,
	timestamp            REAL NOT NULL,
	stop_loss_order_id   INTEGER,
	take_profit_order_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_timestamp ON orders(timestamp);
`

// Open creates (or opens) the order database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open order db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init order schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveOrder persists an order state. Idempotent: re-saving an identical
// state leaves the row unchanged. Integrity violations return
// ErrTerminalState, ErrProtectiveRelink, or ErrFilledQuantity without
// writing.
func (s *Store) SaveOrder(ctx context.Context, o types.OrderState) error {
	if o.FilledQty < 0 || o.FilledQty > o.Quantity {
		return fmt.Errorf("%w: order %d filled %v of %v",
			ErrFilledQuantity, o.OrderID, o.FilledQty, o.Quantity)
	}
	existing, err := s.LoadOrder(ctx, o.OrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status.IsTerminal() && !o.Status.IsTerminal() {
			return fmt.Errorf("%w: %d is %s, refusing %s",
				ErrTerminalState, o.OrderID, existing.Status, o.Status)
		}
		// A zero incoming link inherits the stored one; a differing
		// non-zero link is a relink attempt.
		if o.StopLossOrderID == 0 {
			o.StopLossOrderID = existing.StopLossOrderID
		} else if existing.StopLossOrderID != 0 && existing.StopLossOrderID != o.StopLossOrderID {
			return fmt.Errorf("%w: order %d stop-loss", ErrProtectiveRelink, o.OrderID)
		}
		if o.TakeProfitOrderID == 0 {
			o.TakeProfitOrderID = existing.TakeProfitOrderID
		} else if existing.TakeProfitOrderID != 0 && existing.TakeProfitOrderID != o.TakeProfitOrderID {
			return fmt.Errorf("%w: order %d take-profit", ErrProtectiveRelink, o.OrderID)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
		(order_id, symbol, side, type, quantity, price, status,
		 filled_qty, avg_price, timestamp, stop_loss_order_id, take_profit_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, string(o.Side), string(o.Type), o.Quantity, o.Price,
		string(o.Status), o.FilledQty, o.AvgPrice, float64(o.Timestamp.UnixMilli())/1000.0,
		nullableID(o.StopLossOrderID), nullableID(o.TakeProfitOrderID),
	)
	if err != nil {
		return fmt.Errorf("save order %d: %w", o.OrderID, err)
	}
	return nil
}

// LoadOrder returns the stored state for an order, or nil if unknown.
func (s *Store) LoadOrder(ctx context.Context, orderID int64) (*types.OrderState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, symbol, side, type, quantity, price, status,
		       filled_qty, avg_price, timestamp, stop_loss_order_id, take_profit_order_id
		FROM orders WHERE order_id = ?`, orderID)

	var (
		o       types.OrderState
		side    string
		otype   string
		status  string
		price   sql.NullFloat64
		ts      float64
		slID    sql.NullInt64
		tpID    sql.NullInt64
	)
	err := row.Scan(&o.OrderID, &o.Symbol, &side, &otype, &o.Quantity, &price,
		&status, &o.FilledQty, &o.AvgPrice, &ts, &slID, &tpID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}

	o.Side = types.Side(side)
	o.Type = types.OrderType(otype)
	o.Status = types.OrderStatus(status)
	o.Price = price.Float64
	o.Timestamp = time.UnixMilli(int64(ts * 1000)).UTC()
	o.StopLossOrderID = slID.Int64
	o.TakeProfitOrderID = tpID.Int64
	return &o, nil
}

// OpenOrders returns all orders not in a terminal state, oldest first.
func (s *Store) OpenOrders(ctx context.Context) ([]types.OrderState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED')
		ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]types.OrderState, 0, len(ids))
	for _, id := range ids {
		o, err := s.LoadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
