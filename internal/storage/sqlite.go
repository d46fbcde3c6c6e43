package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/internal/timeline"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	name          TEXT NOT NULL,
	trading_state TEXT NOT NULL,
	hours_policy  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	portfolio_id  TEXT NOT NULL,
	asset_symbol  TEXT NOT NULL,
	qty           TEXT NOT NULL,
	cash          TEXT NOT NULL,
	anchor_price  TEXT NOT NULL,
	avg_cost      TEXT NOT NULL,
	commission_paid    TEXT NOT NULL,
	dividends_received TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_portfolio ON positions(tenant_id, portfolio_id);
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	portfolio_id      TEXT NOT NULL,
	position_id       TEXT NOT NULL,
	side              TEXT NOT NULL,
	qty               TEXT NOT NULL,
	status            TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL,
	request_signature TEXT NOT NULL,
	commission_rate   TEXT NOT NULL,
	broker_order_id   TEXT NOT NULL DEFAULT '',
	broker_status     TEXT NOT NULL DEFAULT '',
	filled_qty        TEXT NOT NULL,
	avg_fill_price    TEXT NOT NULL,
	total_commission  TEXT NOT NULL,
	trace_id          TEXT NOT NULL,
	created_day_utc   TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position_day ON orders(position_id, created_day_utc);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at);
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	portfolio_id   TEXT NOT NULL,
	position_id    TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	side           TEXT NOT NULL,
	qty            TEXT NOT NULL,
	price          TEXT NOT NULL,
	commission     TEXT NOT NULL,
	commission_rate TEXT NOT NULL,
	status         TEXT NOT NULL,
	trace_id       TEXT NOT NULL,
	executed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
CREATE TABLE IF NOT EXISTS evaluation_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL,
	ts          TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_position ON evaluation_records(position_id, seq);
CREATE INDEX IF NOT EXISTS idx_records_ts ON evaluation_records(ts);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	position_id TEXT NOT NULL,
	key         TEXT NOT NULL,
	signature   TEXT NOT NULL,
	order_id    TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	PRIMARY KEY (position_id, key)
);
CREATE TABLE IF NOT EXISTS position_configs (
	position_id TEXT PRIMARY KEY,
	payload     TEXT NOT NULL
);
`

// SQLite is a durable implementation of every repository port on a single
// database file. The pure-Go driver keeps the binary cgo-free.
type SQLite struct {
	logger *zap.Logger
	db     *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" works for
// tests.
func OpenSQLite(logger *zap.Logger, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection; the driver serializes, the engine already
	// serializes per position.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLite{logger: logger.Named("sqlite"), db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// sinceBound returns a second-truncated lower bound for comparing stored
// RFC3339Nano strings. Trimmed fractional digits do not sort lexicographically
// inside one second, so queries over-select by a second and the caller makes
// the exact cut on parsed times.
func sinceBound(since time.Time) string {
	return since.UTC().Truncate(time.Second).Add(-time.Second).Format("2006-01-02T15:04:05")
}

// Get loads one position.
func (s *SQLite) Get(ctx context.Context, id string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, portfolio_id, asset_symbol,
		qty, cash, anchor_price, avg_cost, commission_paid, dividends_received,
		created_at, updated_at FROM positions WHERE id = ?`, id)
	var p types.Position
	var qty, cash, anchor, avgCost, comm, div, created, updated string
	err := row.Scan(&p.ID, &p.TenantID, &p.PortfolioID, &p.AssetSymbol,
		&qty, &cash, &anchor, &avgCost, &comm, &div, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}
	p.Qty, p.Cash, p.AnchorPrice, p.AvgCost = parseDec(qty), parseDec(cash), parseDec(anchor), parseDec(avgCost)
	p.TotalCommissionPaid, p.TotalDividendsReceived = parseDec(comm), parseDec(div)
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

// Save upserts a position.
func (s *SQLite) Save(ctx context.Context, pos *types.Position) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions
		(id, tenant_id, portfolio_id, asset_symbol, qty, cash, anchor_price, avg_cost,
		 commission_paid, dividends_received, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		 qty=excluded.qty, cash=excluded.cash, anchor_price=excluded.anchor_price,
		 avg_cost=excluded.avg_cost, commission_paid=excluded.commission_paid,
		 dividends_received=excluded.dividends_received, updated_at=excluded.updated_at`,
		pos.ID, pos.TenantID, pos.PortfolioID, pos.AssetSymbol,
		pos.Qty.String(), pos.Cash.String(), pos.AnchorPrice.String(), pos.AvgCost.String(),
		pos.TotalCommissionPaid.String(), pos.TotalDividendsReceived.String(),
		fmtTime(pos.CreatedAt), fmtTime(pos.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return nil
}

// List returns positions for a tenant/portfolio pair; empty selectors match all.
func (s *SQLite) List(ctx context.Context, tenantID, portfolioID string) ([]*types.Position, error) {
	q := `SELECT id FROM positions`
	var conds []string
	var args []any
	if tenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if portfolioID != "" {
		conds = append(conds, "portfolio_id = ?")
		args = append(args, portfolioID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(ids))
	for _, id := range ids {
		pos, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// Portfolios exposes the portfolio repository view of the store.
func (s *SQLite) Portfolios() ports.PortfolioRepo { return (*sqlitePortfolios)(s) }

// Orders exposes the order repository view of the store.
func (s *SQLite) Orders() ports.OrderRepo { return (*sqliteOrders)(s) }

// Trades exposes the trade repository view of the store.
func (s *SQLite) Trades() ports.TradeRepo { return (*sqliteTrades)(s) }

// Records exposes the evaluation record repository view of the store.
func (s *SQLite) Records() timeline.Repo { return (*sqliteRecords)(s) }

// Idempotency exposes the idempotency repository view of the store.
func (s *SQLite) Idempotency() ports.IdempotencyRepo { return (*sqliteIdem)(s) }

// Configs exposes the config repository view of the store.
func (s *SQLite) Configs() ports.ConfigRepo { return (*sqliteConfigs)(s) }

type sqlitePortfolios SQLite

func (s *sqlitePortfolios) Get(ctx context.Context, id string) (*types.Portfolio, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, name, trading_state,
		hours_policy, created_at, updated_at FROM portfolios WHERE id = ?`, id)
	var pf types.Portfolio
	var created, updated string
	err := row.Scan(&pf.ID, &pf.TenantID, &pf.Name, &pf.TradingState, &pf.HoursPolicy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load portfolio %s: %w", id, err)
	}
	pf.CreatedAt, pf.UpdatedAt = parseTime(created), parseTime(updated)
	return &pf, nil
}

func (s *sqlitePortfolios) Save(ctx context.Context, pf *types.Portfolio) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO portfolios
		(id, tenant_id, name, trading_state, hours_policy, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, trading_state=excluded.trading_state,
		 hours_policy=excluded.hours_policy, updated_at=excluded.updated_at`,
		pf.ID, pf.TenantID, pf.Name, string(pf.TradingState), string(pf.HoursPolicy),
		fmtTime(pf.CreatedAt), fmtTime(pf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save portfolio %s: %w", pf.ID, err)
	}
	return nil
}

type sqliteOrders SQLite

func (s *sqliteOrders) Get(ctx context.Context, id string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, portfolio_id, position_id,
		side, qty, status, idempotency_key, request_signature, commission_rate,
		broker_order_id, broker_status, filled_qty, avg_fill_price, total_commission,
		trace_id, created_at, updated_at FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (*types.Order, error) {
	var o types.Order
	var qty, rate, filled, avg, comm, created, updated string
	err := row.Scan(&o.ID, &o.TenantID, &o.PortfolioID, &o.PositionID,
		&o.Side, &qty, &o.Status, &o.IdempotencyKey, &o.RequestSignature, &rate,
		&o.BrokerOrderID, &o.BrokerStatus, &filled, &avg, &comm,
		&o.TraceID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	o.Qty, o.CommissionRateSnapshot = parseDec(qty), parseDec(rate)
	o.FilledQty, o.AvgFillPrice, o.TotalCommission = parseDec(filled), parseDec(avg), parseDec(comm)
	o.CreatedAt, o.UpdatedAt = parseTime(created), parseTime(updated)
	return &o, nil
}

func scanOrderRows(rows *sql.Rows) (*types.Order, error) {
	var o types.Order
	var qty, rate, filled, avg, comm, created, updated string
	err := rows.Scan(&o.ID, &o.TenantID, &o.PortfolioID, &o.PositionID,
		&o.Side, &qty, &o.Status, &o.IdempotencyKey, &o.RequestSignature, &rate,
		&o.BrokerOrderID, &o.BrokerStatus, &filled, &avg, &comm,
		&o.TraceID, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Qty, o.CommissionRateSnapshot = parseDec(qty), parseDec(rate)
	o.FilledQty, o.AvgFillPrice, o.TotalCommission = parseDec(filled), parseDec(avg), parseDec(comm)
	o.CreatedAt, o.UpdatedAt = parseTime(created), parseTime(updated)
	return &o, nil
}

const orderColumns = `id, tenant_id, portfolio_id, position_id, side, qty, status,
	idempotency_key, request_signature, commission_rate, broker_order_id, broker_status,
	filled_qty, avg_fill_price, total_commission, trace_id, created_at, updated_at`

func (s *sqliteOrders) Save(ctx context.Context, order *types.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders
		(id, tenant_id, portfolio_id, position_id, side, qty, status,
		 idempotency_key, request_signature, commission_rate, broker_order_id,
		 broker_status, filled_qty, avg_fill_price, total_commission, trace_id,
		 created_day_utc, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		 status=excluded.status, broker_order_id=excluded.broker_order_id,
		 broker_status=excluded.broker_status, filled_qty=excluded.filled_qty,
		 avg_fill_price=excluded.avg_fill_price, total_commission=excluded.total_commission,
		 updated_at=excluded.updated_at`,
		order.ID, order.TenantID, order.PortfolioID, order.PositionID,
		string(order.Side), order.Qty.String(), string(order.Status),
		order.IdempotencyKey, order.RequestSignature, order.CommissionRateSnapshot.String(),
		order.BrokerOrderID, order.BrokerStatus, order.FilledQty.String(),
		order.AvgFillPrice.String(), order.TotalCommission.String(), order.TraceID,
		order.CreatedAt.UTC().Format("2006-01-02"), fmtTime(order.CreatedAt), fmtTime(order.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	return nil
}

func (s *sqliteOrders) CountForPositionOnDay(ctx context.Context, positionID string, dayUTC time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE position_id = ? AND created_day_utc = ?`,
		positionID, dayUTC.UTC().Format("2006-01-02"))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count daily orders: %w", err)
	}
	return n, nil
}

func (s *sqliteOrders) ListOpen(ctx context.Context) ([]*types.Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN ('submitted','pending','working','partial')
		ORDER BY created_at`)
}

func (s *sqliteOrders) ListByPosition(ctx context.Context, positionID string) ([]*types.Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE position_id = ? ORDER BY created_at`, positionID)
}

func (s *sqliteOrders) ListUpdatedSince(ctx context.Context, since time.Time) ([]*types.Order, error) {
	coarse, err := s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE updated_at >= ? ORDER BY updated_at`, sinceBound(since))
	if err != nil {
		return nil, err
	}
	out := coarse[:0]
	for _, order := range coarse {
		if !order.UpdatedAt.Before(since) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *sqliteOrders) list(ctx context.Context, query string, args ...any) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []*types.Order
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

type sqliteTrades SQLite

func (s *sqliteTrades) Save(ctx context.Context, trade *types.Trade) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trades
		(id, tenant_id, portfolio_id, position_id, order_id, side, qty, price,
		 commission, commission_rate, status, trace_id, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		trade.ID, trade.TenantID, trade.PortfolioID, trade.PositionID, trade.OrderID,
		string(trade.Side), trade.Qty.String(), trade.Price.String(),
		trade.Commission.String(), trade.CommissionRateEffective.String(),
		trade.Status, trade.TraceID, fmtTime(trade.ExecutedAt))
	if err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}
	return nil
}

func (s *sqliteTrades) ListByOrder(ctx context.Context, orderID string) ([]*types.Trade, error) {
	return s.list(ctx, "order_id", orderID)
}

func (s *sqliteTrades) ListByPosition(ctx context.Context, positionID string) ([]*types.Trade, error) {
	return s.list(ctx, "position_id", positionID)
}

func (s *sqliteTrades) list(ctx context.Context, column, value string) ([]*types.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, portfolio_id, position_id,
		order_id, side, qty, price, commission, commission_rate, status, trace_id, executed_at
		FROM trades WHERE `+column+` = ? ORDER BY executed_at`, value)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	var out []*types.Trade
	for rows.Next() {
		var t types.Trade
		var qty, price, comm, rate, executed string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.PortfolioID, &t.PositionID,
			&t.OrderID, &t.Side, &qty, &price, &comm, &rate, &t.Status, &t.TraceID, &executed); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Qty, t.Price = parseDec(qty), parseDec(price)
		t.Commission, t.CommissionRateEffective = parseDec(comm), parseDec(rate)
		t.ExecutedAt = parseTime(executed)
		cp := t
		out = append(out, &cp)
	}
	return out, rows.Err()
}

type sqliteRecords SQLite

// Append stores the record as its JSON document, so unknown fields written by
// newer builds survive round-trips.
func (s *sqliteRecords) Append(ctx context.Context, rec timeline.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal evaluation record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluation_records (position_id, ts, payload) VALUES (?,?,?)`,
		rec.PositionID, fmtTime(rec.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("append evaluation record: %w", err)
	}
	return nil
}

func (s *sqliteRecords) ListByPosition(ctx context.Context, positionID string) ([]timeline.Record, error) {
	return s.list(ctx,
		`SELECT payload FROM evaluation_records WHERE position_id = ? ORDER BY seq`, positionID)
}

func (s *sqliteRecords) ListSince(ctx context.Context, since time.Time) ([]timeline.Record, error) {
	coarse, err := s.list(ctx,
		`SELECT payload FROM evaluation_records WHERE ts >= ? ORDER BY ts`, sinceBound(since))
	if err != nil {
		return nil, err
	}
	out := coarse[:0]
	for _, rec := range coarse {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *sqliteRecords) list(ctx context.Context, query string, args ...any) ([]timeline.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluation records: %w", err)
	}
	defer rows.Close()
	var out []timeline.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec timeline.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqliteIdem SQLite

func (s *sqliteIdem) Reserve(ctx context.Context, rec ports.IdempotencyRecord) (ports.IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys
		(position_id, key, signature, order_id, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(position_id, key) DO NOTHING`,
		rec.PositionID, rec.Key, rec.Signature, rec.OrderID, fmtTime(rec.CreatedAt))
	if err != nil {
		return ports.IdempotencyRecord{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ports.IdempotencyRecord{}, false, err
	}
	if n > 0 {
		return rec, true, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT position_id, key, signature, order_id, created_at
		FROM idempotency_keys WHERE position_id = ? AND key = ?`, rec.PositionID, rec.Key)
	var stored ports.IdempotencyRecord
	var created string
	if err := row.Scan(&stored.PositionID, &stored.Key, &stored.Signature, &stored.OrderID, &created); err != nil {
		return ports.IdempotencyRecord{}, false, fmt.Errorf("load idempotency key: %w", err)
	}
	stored.CreatedAt = parseTime(created)
	return stored, false, nil
}

func (s *sqliteIdem) Bind(ctx context.Context, positionID, key, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET order_id = ? WHERE position_id = ? AND key = ?`,
		orderID, positionID, key)
	if err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %s not reserved for position %s", key, positionID)
	}
	return nil
}

type sqliteConfigs SQLite

func (s *sqliteConfigs) Resolve(ctx context.Context, positionID string) (types.PositionConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM position_configs WHERE position_id = ?`, positionID)
	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PositionConfig{}, fmt.Errorf("no configuration for position %s", positionID)
	}
	if err != nil {
		return types.PositionConfig{}, fmt.Errorf("load configuration: %w", err)
	}
	var cfg types.PositionConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return types.PositionConfig{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func (s *sqliteConfigs) Save(ctx context.Context, positionID string, cfg types.PositionConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO position_configs (position_id, payload)
		VALUES (?,?) ON CONFLICT(position_id) DO UPDATE SET payload=excluded.payload`,
		positionID, string(payload))
	if err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}
