package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/model"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trades lock the pool row and the investor row with SELECT ... FOR UPDATE,
// so several engine instances can share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const poolColumns = `founder_id, event_id, name, shares_in_pool, cash_in_pool::TEXT, k_constant::TEXT,
		        min_reserve_shares, initial_shares, current_price::TEXT, version, created_at, updated_at`

const investorColumns = `id, name, current_balance::TEXT, initial_balance::TEXT, created_at`

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, name, status, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Name, e.Status, e.CreatedAt,
	)
	return wrapUnique(err, "event "+e.ID)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEventPG(ctx, s.pool, id)
}

func getEventPG(ctx context.Context, q querier, id string) (*model.Event, error) {
	var e model.Event
	err := q.QueryRow(ctx,
		`SELECT id, name, status, created_at FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, wrapNoRows(err, "event "+id)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.FounderPool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO founder_pools (founder_id, event_id, name, shares_in_pool, cash_in_pool, k_constant,
		                            min_reserve_shares, initial_shares, current_price, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10, $11, $12)`,
		p.FounderID, p.EventID, p.Name, p.SharesInPool,
		p.CashInPool.String(), p.KConstant.String(),
		p.MinReserveShares, p.InitialShares, p.CurrentPrice.String(), p.Version,
		p.CreatedAt, p.UpdatedAt,
	)
	return wrapUnique(err, "founder "+p.FounderID)
}

func (s *PostgresStore) GetPool(ctx context.Context, founderID string) (*model.FounderPool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM founder_pools WHERE founder_id = $1`, founderID)
	p, err := scanPool(row)
	if err != nil {
		return nil, wrapNoRows(err, "founder "+founderID)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.FounderPool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolColumns+` FROM founder_pools ORDER BY founder_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.FounderPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) CreateInvestor(ctx context.Context, inv *model.Investor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investors (id, name, current_balance, initial_balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		inv.ID, inv.Name, inv.CurrentBalance.String(), inv.InitialBalance.String(), inv.CreatedAt,
	)
	return wrapUnique(err, "investor "+inv.ID)
}

func (s *PostgresStore) GetInvestor(ctx context.Context, id string) (*model.Investor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+investorColumns+` FROM investors WHERE id = $1`, id)
	inv, err := scanInvestor(row)
	if err != nil {
		return nil, wrapNoRows(err, "investor "+id)
	}
	return inv, nil
}

func (s *PostgresStore) GetHoldings(ctx context.Context, investorID string) ([]model.InvestorHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT investor_id, founder_id, shares, cost_basis::TEXT, updated_at
		 FROM investor_holdings WHERE investor_id = $1 ORDER BY founder_id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.InvestorHolding
	for rows.Next() {
		var h model.InvestorHolding
		var basisS string
		if err := rows.Scan(&h.InvestorID, &h.FounderID, &h.Shares, &basisS, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.CostBasis, _ = decimal.NewFromString(basisS)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

const tradeColumns = `id, investor_id, founder_id, event_id, type, shares,
		        amount::TEXT, price_per_share::TEXT, resulting_price::TEXT, sequence, note, timestamp`

func (s *PostgresStore) GetTradesByFounder(ctx context.Context, founderID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE founder_id = $1 ORDER BY sequence`, founderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByInvestor(ctx context.Context, investorID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE investor_id = $1 ORDER BY timestamp, sequence`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, founderID string, since, until time.Time) ([]model.PriceHistoryPoint, error) {
	query := `SELECT founder_id, sequence, price::TEXT, shares_in_pool, cash_in_pool::TEXT, source, timestamp
		 FROM price_history WHERE founder_id = $1`
	args := []any{founderID}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !until.IsZero() {
		args = append(args, until)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY sequence, timestamp"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PriceHistoryPoint
	for rows.Next() {
		var p model.PriceHistoryPoint
		var priceS, cashS, source string
		if err := rows.Scan(&p.FounderID, &p.Sequence, &priceS, &p.SharesInPool, &cashS, &source, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		p.CashInPool, _ = decimal.NewFromString(cashS)
		p.Source = model.PricePointSource(source)
		points = append(points, p)
	}
	return points, rows.Err()
}

// RunTrade opens a transaction, runs fn and commits when fn succeeds. The
// final COMMIT and any rollback ignore cancellation of ctx so a trade that
// reached its commit is never left half applied.
func (s *PostgresStore) RunTrade(ctx context.Context, founderID string, fn func(ctx context.Context, tx TradeTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &pgTradeTx{tx: tx, founderID: founderID}); err != nil {
		return err
	}
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("commit trade tx: %w", err)
	}
	committed = true
	return nil
}

type pgTradeTx struct {
	tx        pgx.Tx
	founderID string
	done      bool
}

func (t *pgTradeTx) Pool(ctx context.Context) (*model.FounderPool, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM founder_pools WHERE founder_id = $1 FOR UPDATE`, t.founderID)
	p, err := scanPool(row)
	if err != nil {
		return nil, wrapNoRows(err, "founder "+t.founderID)
	}
	return p, nil
}

func (t *pgTradeTx) Investor(ctx context.Context, id string) (*model.Investor, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+investorColumns+` FROM investors WHERE id = $1 FOR UPDATE`, id)
	inv, err := scanInvestor(row)
	if err != nil {
		return nil, wrapNoRows(err, "investor "+id)
	}
	return inv, nil
}

func (t *pgTradeTx) Holding(ctx context.Context, investorID string) (*model.InvestorHolding, error) {
	h := model.InvestorHolding{InvestorID: investorID, FounderID: t.founderID}
	var basisS string
	err := t.tx.QueryRow(ctx,
		`SELECT shares, cost_basis::TEXT, updated_at FROM investor_holdings
		 WHERE investor_id = $1 AND founder_id = $2`, investorID, t.founderID).
		Scan(&h.Shares, &basisS, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &h, nil
	}
	if err != nil {
		return nil, err
	}
	h.CostBasis, _ = decimal.NewFromString(basisS)
	return &h, nil
}

func (t *pgTradeTx) Event(ctx context.Context, id string) (*model.Event, error) {
	return getEventPG(ctx, t.tx, id)
}

func (t *pgTradeTx) Commit(ctx context.Context, c *TradeCommit) (*model.Investor, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if c.Holding.Shares < 0 {
		return nil, fmt.Errorf("%w: holding would be %d", ErrInsufficientShares, c.Holding.Shares)
	}
	p := c.Pool

	tag, err := t.tx.Exec(ctx,
		`UPDATE founder_pools
		 SET shares_in_pool = $2, cash_in_pool = $3::NUMERIC, current_price = $4::NUMERIC,
		     version = $5, updated_at = $6
		 WHERE founder_id = $1 AND version = $7`,
		t.founderID, p.SharesInPool, p.CashInPool.String(), p.CurrentPrice.String(),
		p.Version, p.UpdatedAt, p.Version-1,
	)
	if err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: founder %s not at version %d", ErrConcurrencyConflict, t.founderID, p.Version-1)
	}

	row := t.tx.QueryRow(ctx,
		`UPDATE investors SET current_balance = current_balance + $2::NUMERIC
		 WHERE id = $1 AND current_balance + $2::NUMERIC >= 0
		 RETURNING `+investorColumns,
		c.Trade.InvestorID, c.BalanceDelta.String())
	inv, err := scanInvestor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: investor %s, delta %s", ErrInsufficientBalance, c.Trade.InvestorID, c.BalanceDelta)
	}
	if err != nil {
		return nil, fmt.Errorf("update investor: %w", err)
	}

	h := c.Holding
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO investor_holdings (investor_id, founder_id, shares, cost_basis, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (investor_id, founder_id)
		 DO UPDATE SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis, updated_at = EXCLUDED.updated_at`,
		h.InvestorID, t.founderID, h.Shares, h.CostBasis.String(), h.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("upsert holding: %w", err)
	}

	tr := c.Trade
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, investor_id, founder_id, event_id, type, shares,
		                     amount, price_per_share, resulting_price, sequence, note, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		tr.ID, tr.InvestorID, tr.FounderID, tr.EventID, string(tr.Type), tr.Shares,
		tr.Amount.String(), tr.PricePerShare.String(), tr.ResultingPrice.String(),
		tr.Sequence, tr.Note, tr.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	pt := c.Point
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO price_history (founder_id, sequence, price, shares_in_pool, cash_in_pool, source, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)`,
		pt.FounderID, pt.Sequence, pt.Price.String(), pt.SharesInPool, pt.CashInPool.String(),
		string(pt.Source), pt.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert price point: %w", err)
	}

	t.done = true
	return inv, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxRow reads one row; pgx.Row and pgx.Rows both satisfy it.
type pgxRow interface {
	Scan(dest ...any) error
}

// pgxRows reads a result set.
type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanPool(row pgxRow) (*model.FounderPool, error) {
	var p model.FounderPool
	var cashS, kS, priceS string
	if err := row.Scan(&p.FounderID, &p.EventID, &p.Name, &p.SharesInPool, &cashS, &kS,
		&p.MinReserveShares, &p.InitialShares, &priceS, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CashInPool, _ = decimal.NewFromString(cashS)
	p.KConstant, _ = decimal.NewFromString(kS)
	p.CurrentPrice, _ = decimal.NewFromString(priceS)
	return &p, nil
}

func scanInvestor(row pgxRow) (*model.Investor, error) {
	var inv model.Investor
	var balS, initS string
	if err := row.Scan(&inv.ID, &inv.Name, &balS, &initS, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.CurrentBalance, _ = decimal.NewFromString(balS)
	inv.InitialBalance, _ = decimal.NewFromString(initS)
	return &inv, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var typ, amountS, ppsS, resultS string
		if err := rows.Scan(&t.ID, &t.InvestorID, &t.FounderID, &t.EventID, &typ, &t.Shares,
			&amountS, &ppsS, &resultS, &t.Sequence, &t.Note, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.PricePerShare, _ = decimal.NewFromString(ppsS)
		t.ResultingPrice, _ = decimal.NewFromString(resultS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func wrapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// wrapUnique maps unique and foreign key violations (SQLSTATE 23505, 23503).
func wrapUnique(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "23505":
			return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
		case "23503":
			return fmt.Errorf("%w: parent of %s", ErrNotFound, what)
		}
	}
	return fmt.Errorf("create %s: %w", what, err)
}
