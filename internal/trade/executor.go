package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitchx/founder-exchange/internal/amm"
	"github.com/pitchx/founder-exchange/internal/history"
	"github.com/pitchx/founder-exchange/internal/invariant"
	"github.com/pitchx/founder-exchange/internal/metrics"
	"github.com/pitchx/founder-exchange/internal/model"
	"github.com/pitchx/founder-exchange/internal/notify"
	"github.com/pitchx/founder-exchange/internal/store"
)

var (
	// ErrInvalidInput is returned for malformed requests, before any lock is taken.
	ErrInvalidInput = errors.New("trade: invalid input")

	// ErrInsufficientBalance is returned when a buy costs more than the
	// investor's current balance.
	ErrInsufficientBalance = store.ErrInsufficientBalance

	// ErrInsufficientShares is returned when a sell exceeds the investor's holding.
	ErrInsufficientShares = store.ErrInsufficientShares

	// ErrTradingClosed is returned when the founder's event is not active.
	ErrTradingClosed = errors.New("trade: trading is closed for this event")

	// ErrLockTimeout is returned when exclusive access to a founder could not
	// be obtained in time. Safe to retry.
	ErrLockTimeout = errors.New("trade: timed out waiting for founder lock")
)

const (
	// DefaultLockTimeout bounds how long a trade waits for its founder.
	DefaultLockTimeout = 5 * time.Second

	// DefaultMaxRetries is how often a trade is retried after a version conflict.
	DefaultMaxRetries = 3

	maxNoteLength = 500
	maxIDLength   = 128
)

var tracer = otel.Tracer("github.com/pitchx/founder-exchange/internal/trade")

// TradeRequest asks to buy or sell whole shares of one founder.
type TradeRequest struct {
	InvestorID string          `json:"investor_id"`
	FounderID  string          `json:"founder_id"`
	EventID    string          `json:"event_id"`
	Shares     int64           `json:"shares"`
	Type       model.TradeType `json:"type"`
	Note       string          `json:"note,omitempty"`
}

// TradeResult is everything a committed trade wrote.
type TradeResult struct {
	Trade          *model.Trade           `json:"trade"`
	ResultingPrice decimal.Decimal        `json:"resulting_price"`
	Pool           *model.FounderPool     `json:"pool"`
	Investor       *model.Investor        `json:"investor"`
	Holding        *model.InvestorHolding `json:"holding"`
}

// ExecutorConfig configures an Executor. Zero values take defaults; a
// negative MaxRetries disables retries.
type ExecutorConfig struct {
	Locker      Locker
	Publisher   notify.Publisher
	Validator   *invariant.Validator
	LockTimeout time.Duration
	MaxRetries  int
}

// Executor runs trades. For any one founder, the read-simulate-validate-
// commit window is exclusive; different founders trade in parallel.
type Executor struct {
	store       store.Store
	locker      Locker
	publisher   notify.Publisher
	validator   *invariant.Validator
	lockTimeout time.Duration
	maxRetries  int
	now         func() time.Time
}

// NewExecutor creates a trade executor on st.
func NewExecutor(st store.Store, cfg ExecutorConfig) *Executor {
	e := &Executor{
		store:       st,
		locker:      cfg.Locker,
		publisher:   cfg.Publisher,
		validator:   cfg.Validator,
		lockTimeout: cfg.LockTimeout,
		maxRetries:  cfg.MaxRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.publisher == nil {
		e.publisher = notify.Nop{}
	}
	if e.validator == nil {
		e.validator = invariant.NewValidator()
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	switch {
	case e.maxRetries == 0:
		e.maxRetries = DefaultMaxRetries
	case e.maxRetries < 0:
		e.maxRetries = 0
	}
	return e
}

// ValidateRequest checks a request's shape without touching the store.
func ValidateRequest(req *TradeRequest) error {
	req.InvestorID = strings.TrimSpace(req.InvestorID)
	req.FounderID = strings.TrimSpace(req.FounderID)
	req.EventID = strings.TrimSpace(req.EventID)

	for _, f := range []struct{ name, value string }{
		{"investor_id", req.InvestorID},
		{"founder_id", req.FounderID},
		{"event_id", req.EventID},
	} {
		if err := validID(f.name, f.value); err != nil {
			return err
		}
	}

	switch {
	case req.Shares <= 0:
		return fmt.Errorf("%w: shares must be a positive integer", ErrInvalidInput)
	case len(req.Note) > maxNoteLength:
		return fmt.Errorf("%w: note longer than %d characters", ErrInvalidInput, maxNoteLength)
	}
	typ, err := model.ParseTradeType(string(req.Type))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Type = typ
	return nil
}

func validID(name, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidInput, name, maxIDLength)
	case strings.ContainsAny(id, " \t\r\n/"):
		return fmt.Errorf("%w: %s is malformed", ErrInvalidInput, name)
	}
	return nil
}

// ExecuteTrade validates, prices and commits one trade. On any error
// nothing has been written.
func (e *Executor) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "trade.Execute", trace.WithAttributes(
		attribute.String("founder_id", req.FounderID),
		attribute.String("investor_id", req.InvestorID),
		attribute.String("type", string(req.Type)),
		attribute.Int64("shares", req.Shares),
	))
	defer span.End()

	res, err := e.execute(ctx, &req)

	typ := typeLabel(req.Type)
	metrics.TradeLatency.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	if err != nil {
		code := Code(err)
		metrics.TradesTotal.WithLabelValues(typ, code).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		slog.Info("trade rejected",
			"investor", req.InvestorID,
			"founder", req.FounderID,
			"type", string(req.Type),
			"shares", req.Shares,
			"code", code,
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(typ, "committed").Inc()
	metrics.SharesTraded.WithLabelValues(req.FounderID, typ).Add(float64(req.Shares))
	span.SetAttributes(
		attribute.String("trade_id", res.Trade.ID),
		attribute.Int64("sequence", res.Trade.Sequence),
	)
	return res, nil
}

func typeLabel(t model.TradeType) string {
	if t == model.Buy || t == model.Sell {
		return string(t)
	}
	return "unknown"
}

func (e *Executor) execute(ctx context.Context, req *TradeRequest) (*TradeResult, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.TradeRetries.Inc()
		}
		var res *TradeResult
		res, err = e.attempt(ctx, *req)
		if err == nil {
			e.publish(ctx, res)
			return res, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return nil, err
		}
	}
	return nil, err
}

// attempt holds the founder lock for one read-simulate-validate-commit pass.
func (e *Executor) attempt(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	waitStart := time.Now()
	unlock, err := e.locker.Lock(lockCtx, req.FounderID)
	cancel()
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("founder lock timeout", "founder", req.FounderID, "timeout", e.lockTimeout.String())
			return nil, fmt.Errorf("%w: founder %s after %s", ErrLockTimeout, req.FounderID, e.lockTimeout)
		}
		slog.Error("founder lock failed", "founder", req.FounderID, "err", err)
		return nil, fmt.Errorf("acquire founder lock %s: %w", req.FounderID, err)
	}
	defer unlock()

	var result *TradeResult
	err = e.store.RunTrade(ctx, req.FounderID, func(ctx context.Context, tx store.TradeTx) error {
		res, err := e.commitTrade(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commitTrade re-reads everything under exclusive access, so the decision
// is made on state nobody else can change before the commit.
func (e *Executor) commitTrade(ctx context.Context, tx store.TradeTx, req TradeRequest) (*TradeResult, error) {
	pool, err := tx.Pool(ctx)
	if err != nil {
		return nil, err
	}
	if pool.EventID != req.EventID {
		return nil, fmt.Errorf("%w: founder %s is not listed in event %s", ErrInvalidInput, req.FounderID, req.EventID)
	}
	event, err := tx.Event(ctx, pool.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != model.EventActive {
		return nil, fmt.Errorf("%w: event %s is %s", ErrTradingClosed, event.ID, event.Status)
	}
	investor, err := tx.Investor(ctx, req.InvestorID)
	if err != nil {
		return nil, err
	}
	holding, err := tx.Holding(ctx, req.InvestorID)
	if err != nil {
		return nil, err
	}

	q, err := amm.Simulate(pool, req.Type, req.Shares)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case model.Buy:
		if investor.CurrentBalance.LessThan(q.Amount) {
			return nil, fmt.Errorf("%w: cost %s exceeds balance %s",
				ErrInsufficientBalance, q.Amount.StringFixed(2), investor.CurrentBalance.StringFixed(2))
		}
	case model.Sell:
		if holding.Shares < req.Shares {
			return nil, fmt.Errorf("%w: selling %d, holding %d", ErrInsufficientShares, req.Shares, holding.Shares)
		}
	}

	now := e.now()
	next := amm.Apply(pool, q, now)
	if err := e.validator.CheckTransition(pool, next, req.Type); err != nil {
		metrics.InvariantViolations.WithLabelValues(pool.FounderID).Inc()
		slog.Error("invariant violation, trade aborted",
			"founder", pool.FounderID,
			"version", pool.Version,
			"type", string(req.Type),
			"shares", req.Shares,
			"err", err,
		)
		return nil, err
	}

	trade := &model.Trade{
		ID:             uuid.New().String(),
		InvestorID:     req.InvestorID,
		FounderID:      pool.FounderID,
		EventID:        pool.EventID,
		Type:           req.Type,
		Shares:         req.Shares,
		Amount:         q.SignedAmount(),
		PricePerShare:  q.PricePerShare,
		ResultingPrice: q.ResultingPrice,
		Sequence:       next.Version,
		Note:           req.Note,
		Timestamp:      now,
	}
	point := &model.PriceHistoryPoint{
		FounderID:    pool.FounderID,
		Price:        next.CurrentPrice,
		SharesInPool: next.SharesInPool,
		CashInPool:   next.CashInPool,
		Source:       model.SourceTrade,
		Sequence:     next.Version,
		Timestamp:    now,
	}
	newHolding := applyToHolding(holding, q, now)

	// Last point at which the caller can walk away.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updated, err := tx.Commit(context.WithoutCancel(ctx), &store.TradeCommit{
		Pool:         next,
		Trade:        trade,
		Point:        point,
		BalanceDelta: q.SignedAmount().Neg(),
		Holding:      newHolding,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"investor", trade.InvestorID,
		"founder", trade.FounderID,
		"type", string(trade.Type),
		"shares", trade.Shares,
		"amount", trade.Amount.String(),
		"price_per_share", trade.PricePerShare.String(),
		"resulting_price", trade.ResultingPrice.String(),
		"sequence", trade.Sequence,
	)

	return &TradeResult{
		Trade:          trade,
		ResultingPrice: q.ResultingPrice,
		Pool:           next,
		Investor:       updated,
		Holding:        newHolding,
	}, nil
}

// applyToHolding returns the holding after q. Buys fold the actual cost into
// a weighted average; sells keep the average and reset it to zero once the
// position is closed.
func applyToHolding(h *model.InvestorHolding, q amm.Quote, at time.Time) *model.InvestorHolding {
	next := *h
	next.UpdatedAt = at
	switch q.Type {
	case model.Buy:
		next.Shares = h.Shares + q.Shares
		spent := h.CostBasis.Mul(decimal.NewFromInt(h.Shares)).Add(q.Amount)
		next.CostBasis = spent.DivRound(decimal.NewFromInt(next.Shares), amm.Scale)
	case model.Sell:
		next.Shares = h.Shares - q.Shares
		if next.Shares == 0 {
			next.CostBasis = decimal.Zero
		}
	}
	return &next
}

// publish emits the committed trade's change events. Failures are logged by
// the publisher and never affect the trade.
func (e *Executor) publish(ctx context.Context, res *TradeResult) {
	at := res.Trade.Timestamp
	events := []model.ChangeEvent{
		{Entity: model.EntityFounderPool, ID: res.Pool.FounderID, NewState: res.Pool, Timestamp: at},
		{Entity: model.EntityInvestor, ID: res.Investor.ID, NewState: res.Investor, Timestamp: at},
		{Entity: model.EntityInvestorHolding, ID: res.Holding.InvestorID + "/" + res.Holding.FounderID, NewState: res.Holding, Timestamp: at},
		{Entity: model.EntityTrade, ID: res.Trade.ID, NewState: res.Trade, Timestamp: at},
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := e.publisher.Publish(pubCtx, events); err != nil {
		slog.Warn("change events not fully delivered", "trade_id", res.Trade.ID, "err", err)
	}
}

// Quote prices a trade against the pool's current state without taking a
// lock. The realised price of a later trade may differ.
func (e *Executor) Quote(ctx context.Context, founderID string, typ model.TradeType, shares int64) (amm.Quote, *model.FounderPool, error) {
	founderID = strings.TrimSpace(founderID)
	if founderID == "" {
		return amm.Quote{}, nil, fmt.Errorf("%w: founder_id is required", ErrInvalidInput)
	}
	parsed, err := model.ParseTradeType(string(typ))
	if err != nil {
		return amm.Quote{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if shares <= 0 {
		return amm.Quote{}, nil, fmt.Errorf("%w: shares must be a positive integer", ErrInvalidInput)
	}

	pool, err := e.store.GetPool(ctx, founderID)
	if err != nil {
		return amm.Quote{}, nil, err
	}
	q, err := amm.Simulate(pool, parsed, shares)
	if err != nil {
		return amm.Quote{}, pool, err
	}
	return q, pool, nil
}

// Code maps an error to the stable code reported to clients and metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput), errors.Is(err, amm.ErrInvalidShares),
		errors.Is(err, amm.ErrInvalidPool), errors.Is(err, amm.ErrShareOverflow),
		errors.Is(err, history.ErrInvalidRange):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, amm.ErrMinReserveBreach):
		return "min_reserve_breach"
	case errors.Is(err, invariant.ErrViolation):
		return "invariant_violation"
	case errors.Is(err, ErrTradingClosed):
		return "trading_closed"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

// Retryable reports whether the same request may succeed if sent again.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, store.ErrConcurrencyConflict)
}
