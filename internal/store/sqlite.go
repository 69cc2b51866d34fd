package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/pitchx/founder-exchange/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS founder_pools (
    founder_id          TEXT PRIMARY KEY,
    event_id            TEXT NOT NULL REFERENCES events(id),
    name                TEXT NOT NULL,
    shares_in_pool      INTEGER NOT NULL CHECK (shares_in_pool > 0),
    cash_in_pool        TEXT NOT NULL,
    k_constant          TEXT NOT NULL,
    min_reserve_shares  INTEGER NOT NULL,
    initial_shares      INTEGER NOT NULL,
    current_price       TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS investors (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    current_balance  TEXT NOT NULL,
    initial_balance  TEXT NOT NULL,
    created_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS investor_holdings (
    investor_id  TEXT NOT NULL REFERENCES investors(id),
    founder_id   TEXT NOT NULL REFERENCES founder_pools(founder_id),
    shares       INTEGER NOT NULL CHECK (shares >= 0),
    cost_basis   TEXT NOT NULL,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (investor_id, founder_id)
);
CREATE TABLE IF NOT EXISTS trades (
    id               TEXT PRIMARY KEY,
    investor_id      TEXT NOT NULL REFERENCES investors(id),
    founder_id       TEXT NOT NULL REFERENCES founder_pools(founder_id),
    event_id         TEXT NOT NULL,
    type             TEXT NOT NULL CHECK (type IN ('buy', 'sell')),
    shares           INTEGER NOT NULL CHECK (shares > 0),
    amount           TEXT NOT NULL,
    price_per_share  TEXT NOT NULL,
    resulting_price  TEXT NOT NULL,
    sequence         INTEGER NOT NULL,
    note             TEXT NOT NULL DEFAULT '',
    timestamp        INTEGER NOT NULL,
    UNIQUE (founder_id, sequence)
);
CREATE INDEX IF NOT EXISTS trades_investor_idx ON trades (investor_id, timestamp);
CREATE TABLE IF NOT EXISTS price_history (
    founder_id      TEXT NOT NULL REFERENCES founder_pools(founder_id),
    sequence        INTEGER NOT NULL,
    price           TEXT NOT NULL,
    shares_in_pool  INTEGER NOT NULL,
    cash_in_pool    TEXT NOT NULL,
    source          TEXT NOT NULL,
    timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS price_history_founder_idx ON price_history (founder_id, sequence, timestamp);
`

// SQLiteStore implements Store on an embedded SQLite database for
// single-node deployments. Trades run in BEGIN IMMEDIATE transactions, which
// take the database write lock up front.
type SQLiteStore struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer, and a trade holds the
	// connection for its whole transaction.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, e.Status, toMillis(e.CreatedAt))
	return wrapSQLiteCreate(err, "event "+e.ID)
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEventSQL(ctx, s.db, id)
}

func getEventSQL(ctx context.Context, q sqlQuerier, id string) (*model.Event, error) {
	var e model.Event
	var created int64
	err := q.QueryRowContext(ctx, `SELECT id, name, status, created_at FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Status, &created)
	if err != nil {
		return nil, wrapSQLNoRows(err, "event "+id)
	}
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

const sqlitePoolColumns = `founder_id, event_id, name, shares_in_pool, cash_in_pool, k_constant,
	min_reserve_shares, initial_shares, current_price, version, created_at, updated_at`

func (s *SQLiteStore) CreatePool(ctx context.Context, p *model.FounderPool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO founder_pools (`+sqlitePoolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.FounderID, p.EventID, p.Name, p.SharesInPool, p.CashInPool.String(), p.KConstant.String(),
		p.MinReserveShares, p.InitialShares, p.CurrentPrice.String(), p.Version,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	return wrapSQLiteCreate(err, "founder "+p.FounderID)
}

func (s *SQLiteStore) GetPool(ctx context.Context, founderID string) (*model.FounderPool, error) {
	return getPoolSQL(ctx, s.db, founderID)
}

func getPoolSQL(ctx context.Context, q sqlQuerier, founderID string) (*model.FounderPool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqlitePoolColumns+` FROM founder_pools WHERE founder_id = ?`, founderID)
	p, err := scanSQLitePool(row)
	if err != nil {
		return nil, wrapSQLNoRows(err, "founder "+founderID)
	}
	return p, nil
}

func (s *SQLiteStore) ListPools(ctx context.Context) ([]model.FounderPool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePoolColumns+` FROM founder_pools ORDER BY founder_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.FounderPool
	for rows.Next() {
		p, err := scanSQLitePool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *SQLiteStore) CreateInvestor(ctx context.Context, inv *model.Investor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO investors (id, name, current_balance, initial_balance, created_at) VALUES (?, ?, ?, ?, ?)`,
		inv.ID, inv.Name, inv.CurrentBalance.String(), inv.InitialBalance.String(), toMillis(inv.CreatedAt))
	return wrapSQLiteCreate(err, "investor "+inv.ID)
}

func (s *SQLiteStore) GetInvestor(ctx context.Context, id string) (*model.Investor, error) {
	return getInvestorSQL(ctx, s.db, id)
}

func getInvestorSQL(ctx context.Context, q sqlQuerier, id string) (*model.Investor, error) {
	var inv model.Investor
	var balS, initS string
	var created int64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, current_balance, initial_balance, created_at FROM investors WHERE id = ?`, id).
		Scan(&inv.ID, &inv.Name, &balS, &initS, &created)
	if err != nil {
		return nil, wrapSQLNoRows(err, "investor "+id)
	}
	inv.CurrentBalance, _ = decimal.NewFromString(balS)
	inv.InitialBalance, _ = decimal.NewFromString(initS)
	inv.CreatedAt = fromMillis(created)
	return &inv, nil
}

func (s *SQLiteStore) GetHoldings(ctx context.Context, investorID string) ([]model.InvestorHolding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT investor_id, founder_id, shares, cost_basis, updated_at
		 FROM investor_holdings WHERE investor_id = ? ORDER BY founder_id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.InvestorHolding
	for rows.Next() {
		var h model.InvestorHolding
		var basisS string
		var updated int64
		if err := rows.Scan(&h.InvestorID, &h.FounderID, &h.Shares, &basisS, &updated); err != nil {
			return nil, err
		}
		h.CostBasis, _ = decimal.NewFromString(basisS)
		h.UpdatedAt = fromMillis(updated)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

const sqliteTradeColumns = `id, investor_id, founder_id, event_id, type, shares,
	amount, price_per_share, resulting_price, sequence, note, timestamp`

func (s *SQLiteStore) GetTradesByFounder(ctx context.Context, founderID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE founder_id = ? ORDER BY sequence`, founderID)
}

func (s *SQLiteStore) GetTradesByInvestor(ctx context.Context, investorID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE investor_id = ? ORDER BY timestamp, sequence`, investorID)
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, arg string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var typ, amountS, ppsS, resultS string
		var ts int64
		if err := rows.Scan(&t.ID, &t.InvestorID, &t.FounderID, &t.EventID, &typ, &t.Shares,
			&amountS, &ppsS, &resultS, &t.Sequence, &t.Note, &ts); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.PricePerShare, _ = decimal.NewFromString(ppsS)
		t.ResultingPrice, _ = decimal.NewFromString(resultS)
		t.Timestamp = fromMillis(ts)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) GetPriceHistory(ctx context.Context, founderID string, since, until time.Time) ([]model.PriceHistoryPoint, error) {
	query := `SELECT founder_id, sequence, price, shares_in_pool, cash_in_pool, source, timestamp
		FROM price_history WHERE founder_id = ?`
	args := []any{founderID}
	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, toMillis(since))
	}
	if !until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, toMillis(until))
	}
	query += " ORDER BY sequence, timestamp"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PriceHistoryPoint
	for rows.Next() {
		var p model.PriceHistoryPoint
		var priceS, cashS, source string
		var ts int64
		if err := rows.Scan(&p.FounderID, &p.Sequence, &priceS, &p.SharesInPool, &cashS, &source, &ts); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		p.CashInPool, _ = decimal.NewFromString(cashS)
		p.Source = model.PricePointSource(source)
		p.Timestamp = fromMillis(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// RunTrade runs fn inside an immediate transaction and commits when fn
// succeeds. The transaction is not bound to ctx: database/sql would roll it
// back asynchronously on cancellation, racing the commit. Statements inside
// fn still observe ctx.
func (s *SQLiteStore) RunTrade(ctx context.Context, founderID string, fn func(ctx context.Context, tx TradeTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, &sqliteTradeTx{tx: tx, founderID: founderID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade tx: %w", err)
	}
	committed = true
	return nil
}

type sqliteTradeTx struct {
	tx        *sql.Tx
	founderID string
	done      bool
}

func (t *sqliteTradeTx) Pool(ctx context.Context) (*model.FounderPool, error) {
	return getPoolSQL(ctx, t.tx, t.founderID)
}

func (t *sqliteTradeTx) Investor(ctx context.Context, id string) (*model.Investor, error) {
	return getInvestorSQL(ctx, t.tx, id)
}

func (t *sqliteTradeTx) Holding(ctx context.Context, investorID string) (*model.InvestorHolding, error) {
	h := model.InvestorHolding{InvestorID: investorID, FounderID: t.founderID}
	var basisS string
	var updated int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT shares, cost_basis, updated_at FROM investor_holdings WHERE investor_id = ? AND founder_id = ?`,
		investorID, t.founderID).Scan(&h.Shares, &basisS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &h, nil
	}
	if err != nil {
		return nil, err
	}
	h.CostBasis, _ = decimal.NewFromString(basisS)
	h.UpdatedAt = fromMillis(updated)
	return &h, nil
}

func (t *sqliteTradeTx) Event(ctx context.Context, id string) (*model.Event, error) {
	return getEventSQL(ctx, t.tx, id)
}

func (t *sqliteTradeTx) Commit(ctx context.Context, c *TradeCommit) (*model.Investor, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if c.Holding.Shares < 0 {
		return nil, fmt.Errorf("%w: holding would be %d", ErrInsufficientShares, c.Holding.Shares)
	}

	// The transaction holds the write lock, so read-modify-write of the
	// balance cannot interleave with another trade.
	inv, err := getInvestorSQL(ctx, t.tx, c.Trade.InvestorID)
	if err != nil {
		return nil, err
	}
	newBalance := inv.CurrentBalance.Add(c.BalanceDelta)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientBalance, inv.CurrentBalance, c.BalanceDelta)
	}

	p := c.Pool
	res, err := t.tx.ExecContext(ctx,
		`UPDATE founder_pools SET shares_in_pool = ?, cash_in_pool = ?, current_price = ?, version = ?, updated_at = ?
		 WHERE founder_id = ? AND version = ?`,
		p.SharesInPool, p.CashInPool.String(), p.CurrentPrice.String(), p.Version, toMillis(p.UpdatedAt),
		t.founderID, p.Version-1)
	if err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: founder %s not at version %d", ErrConcurrencyConflict, t.founderID, p.Version-1)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE investors SET current_balance = ? WHERE id = ?`, newBalance.String(), inv.ID); err != nil {
		return nil, fmt.Errorf("update investor: %w", err)
	}

	h := c.Holding
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO investor_holdings (investor_id, founder_id, shares, cost_basis, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (investor_id, founder_id)
		 DO UPDATE SET shares = excluded.shares, cost_basis = excluded.cost_basis, updated_at = excluded.updated_at`,
		h.InvestorID, t.founderID, h.Shares, h.CostBasis.String(), toMillis(h.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("upsert holding: %w", err)
	}

	tr := c.Trade
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (`+sqliteTradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.InvestorID, tr.FounderID, tr.EventID, string(tr.Type), tr.Shares,
		tr.Amount.String(), tr.PricePerShare.String(), tr.ResultingPrice.String(),
		tr.Sequence, tr.Note, toMillis(tr.Timestamp)); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	pt := c.Point
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO price_history (founder_id, sequence, price, shares_in_pool, cash_in_pool, source, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pt.FounderID, pt.Sequence, pt.Price.String(), pt.SharesInPool, pt.CashInPool.String(),
		string(pt.Source), toMillis(pt.Timestamp)); err != nil {
		return nil, fmt.Errorf("insert price point: %w", err)
	}

	t.done = true
	inv.CurrentBalance = newBalance
	return inv, nil
}

// sqlRow is satisfied by *sql.Row and *sql.Rows.
type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLitePool(row sqlRow) (*model.FounderPool, error) {
	var p model.FounderPool
	var cashS, kS, priceS string
	var created, updated int64
	if err := row.Scan(&p.FounderID, &p.EventID, &p.Name, &p.SharesInPool, &cashS, &kS,
		&p.MinReserveShares, &p.InitialShares, &priceS, &p.Version, &created, &updated); err != nil {
		return nil, err
	}
	p.CashInPool, _ = decimal.NewFromString(cashS)
	p.KConstant, _ = decimal.NewFromString(kS)
	p.CurrentPrice, _ = decimal.NewFromString(priceS)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func wrapSQLNoRows(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func wrapSQLiteCreate(err error, what string) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: parent of %s", ErrNotFound, what)
		}
	}
	return fmt.Errorf("create %s: %w", what, err)
}
