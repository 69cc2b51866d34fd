package trade_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/amm"
	"github.com/pitchx/founder-exchange/internal/invariant"
	"github.com/pitchx/founder-exchange/internal/model"
	"github.com/pitchx/founder-exchange/internal/store"
	"github.com/pitchx/founder-exchange/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	eventID   = "demo-day"
	founderID = "f1"
)

// seedExchange creates an active event, one 100000-share / 1000000-cash
// pool (price 10) and the given investors with the given balances.
func seedExchange(t *testing.T, st store.Store, investors map[string]float64) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateEvent(ctx, &model.Event{ID: eventID, Name: "Demo Day", Status: model.EventActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	pool, err := amm.NewPool(founderID, eventID, "Ada", 100000, decimal.NewFromInt(1000000), 1000)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := st.CreatePool(ctx, pool); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	for id, bal := range investors {
		inv := &model.Investor{ID: id, Name: id, CurrentBalance: d(bal), InitialBalance: d(bal), CreatedAt: time.Now().UTC()}
		if err := st.CreateInvestor(ctx, inv); err != nil {
			t.Fatalf("seed investor: %v", err)
		}
	}
}

func buy(investor string, shares int64) trade.TradeRequest {
	return trade.TradeRequest{InvestorID: investor, FounderID: founderID, EventID: eventID, Shares: shares, Type: model.Buy}
}

func sell(investor string, shares int64) trade.TradeRequest {
	return trade.TradeRequest{InvestorID: investor, FounderID: founderID, EventID: eventID, Shares: shares, Type: model.Sell}
}

// assertUntouched checks that a rejected trade left no trace.
func assertUntouched(t *testing.T, st store.Store, investor string, balance float64) {
	t.Helper()
	ctx := context.Background()
	pool, _ := st.GetPool(ctx, founderID)
	if pool.SharesInPool != 100000 || pool.Version != 0 {
		t.Errorf("pool changed: shares=%d version=%d", pool.SharesInPool, pool.Version)
	}
	inv, _ := st.GetInvestor(ctx, investor)
	if !inv.CurrentBalance.Equal(d(balance)) {
		t.Errorf("balance changed: %s", inv.CurrentBalance)
	}
	trades, _ := st.GetTradesByFounder(ctx, founderID)
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}
	points, _ := st.GetPriceHistory(ctx, founderID, time.Time{}, time.Time{})
	if len(points) != 0 {
		t.Errorf("expected no price points, got %d", len(points))
	}
}

func TestExecuteTrade_BuyScenario(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})

	res, err := exec.ExecuteTrade(context.Background(), buy("inv1", 1000))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// k / 99000 − 1000000 ≈ 10101.0101
	if res.Trade.Amount.Sub(d(10101.0101)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("cost = %s, want ≈ 10101.01", res.Trade.Amount)
	}
	if res.ResultingPrice.Sub(d(10.2030)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("resulting price = %s, want ≈ 10.2030", res.ResultingPrice)
	}
	if res.Pool.SharesInPool != 99000 || res.Pool.Version != 1 {
		t.Errorf("pool shares=%d version=%d", res.Pool.SharesInPool, res.Pool.Version)
	}
	if res.Trade.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", res.Trade.Sequence)
	}
	wantBalance := d(1000000).Sub(res.Trade.Amount)
	if !res.Investor.CurrentBalance.Equal(wantBalance) {
		t.Errorf("balance = %s, want %s", res.Investor.CurrentBalance, wantBalance)
	}
	if res.Holding.Shares != 1000 {
		t.Errorf("holding = %d, want 1000", res.Holding.Shares)
	}
	if !res.Holding.CostBasis.Equal(res.Trade.PricePerShare) {
		t.Errorf("cost basis %s should equal fill price %s", res.Holding.CostBasis, res.Trade.PricePerShare)
	}

	ctx := context.Background()
	points, _ := st.GetPriceHistory(ctx, founderID, time.Time{}, time.Time{})
	if len(points) != 1 || points[0].SharesInPool != 99000 || points[0].Sequence != 1 {
		t.Fatalf("unexpected price history: %+v", points)
	}
	if !points[0].Price.Equal(res.ResultingPrice) {
		t.Errorf("price point %s != resulting price %s", points[0].Price, res.ResultingPrice)
	}
}

func TestExecuteTrade_MinReserveBreachLeavesPool(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"whale": 1e15})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})

	_, err := exec.ExecuteTrade(context.Background(), buy("whale", 99500))
	if !errors.Is(err, amm.ErrMinReserveBreach) {
		t.Fatalf("expected ErrMinReserveBreach, got %v", err)
	}
	assertUntouched(t, st, "whale", 1e15)
}

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, st store.Store)
		req   trade.TradeRequest
		want  error
		code  string
	}{
		{"zero shares", nil, buy("inv1", 0), trade.ErrInvalidInput, "invalid_input"},
		{"negative shares", nil, sell("inv1", -5), trade.ErrInvalidInput, "invalid_input"},
		{"unknown type", nil, trade.TradeRequest{InvestorID: "inv1", FounderID: founderID, EventID: eventID, Shares: 1, Type: "hold"}, trade.ErrInvalidInput, "invalid_input"},
		{"missing investor id", nil, buy("", 10), trade.ErrInvalidInput, "invalid_input"},
		{"malformed founder id", nil, trade.TradeRequest{InvestorID: "inv1", FounderID: "f 1", EventID: eventID, Shares: 1, Type: model.Buy}, trade.ErrInvalidInput, "invalid_input"},
		{"wrong event", nil, trade.TradeRequest{InvestorID: "inv1", FounderID: founderID, EventID: "other", Shares: 1, Type: model.Buy}, trade.ErrInvalidInput, "invalid_input"},
		{"unknown founder", nil, trade.TradeRequest{InvestorID: "inv1", FounderID: "ghost", EventID: eventID, Shares: 1, Type: model.Buy}, store.ErrNotFound, "not_found"},
		{"unknown investor", nil, buy("ghost", 1), store.ErrNotFound, "not_found"},
		{"insufficient balance", nil, buy("inv1", 1000), trade.ErrInsufficientBalance, "insufficient_balance"},
		{"insufficient shares", nil, sell("inv1", 1), trade.ErrInsufficientShares, "insufficient_shares"},
		{"trading closed", func(t *testing.T, st store.Store) {
			if err := st.UpdateEventStatus(context.Background(), eventID, model.EventClosed); err != nil {
				t.Fatal(err)
			}
		}, buy("inv1", 1), trade.ErrTradingClosed, "trading_closed"},
		{"event draft", func(t *testing.T, st store.Store) {
			if err := st.UpdateEventStatus(context.Background(), eventID, model.EventDraft); err != nil {
				t.Fatal(err)
			}
		}, buy("inv1", 1), trade.ErrTradingClosed, "trading_closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			seedExchange(t, st, map[string]float64{"inv1": 100})
			if tt.setup != nil {
				tt.setup(t, st)
			}
			exec := trade.NewExecutor(st, trade.ExecutorConfig{})

			_, err := exec.ExecuteTrade(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if code := trade.Code(err); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
			if trade.Retryable(err) {
				t.Error("rejection should not be retryable")
			}
			assertUntouched(t, st, "inv1", 100)
		})
	}
}

func TestExecuteTrade_BuyThenSell(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})
	ctx := context.Background()

	bought, err := exec.ExecuteTrade(ctx, buy("inv1", 500))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sold, err := exec.ExecuteTrade(ctx, sell("inv1", 500))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	payout := sold.Trade.Amount.Neg()
	if !payout.IsPositive() {
		t.Fatalf("sell amount should be negative, got %s", sold.Trade.Amount)
	}
	if payout.GreaterThan(bought.Trade.Amount) {
		t.Errorf("round trip extracted cash: paid %s, received %s", bought.Trade.Amount, payout)
	}
	if sold.Pool.SharesInPool != 100000 {
		t.Errorf("pool shares = %d, want 100000", sold.Pool.SharesInPool)
	}
	if sold.Holding.Shares != 0 || !sold.Holding.CostBasis.IsZero() {
		t.Errorf("closed holding = %d @ %s, want 0 @ 0", sold.Holding.Shares, sold.Holding.CostBasis)
	}
	if sold.Investor.CurrentBalance.GreaterThan(d(1000000)) {
		t.Errorf("balance grew on a round trip: %s", sold.Investor.CurrentBalance)
	}

	holdings, _ := st.GetHoldings(ctx, "inv1")
	if len(holdings) != 1 || holdings[0].Shares != 0 {
		t.Errorf("closed holding row should persist at zero shares: %+v", holdings)
	}
}

func TestExecuteTrade_CostBasisWeightedAverage(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})
	ctx := context.Background()

	first, err := exec.ExecuteTrade(ctx, buy("inv1", 100))
	if err != nil {
		t.Fatal(err)
	}
	second, err := exec.ExecuteTrade(ctx, buy("inv1", 300))
	if err != nil {
		t.Fatal(err)
	}

	spent := first.Holding.CostBasis.Mul(decimal.NewFromInt(100)).Add(second.Trade.Amount)
	want := spent.DivRound(decimal.NewFromInt(400), amm.Scale)
	if want.Sub(first.Trade.Amount.Add(second.Trade.Amount).Div(decimal.NewFromInt(400))).Abs().GreaterThan(d(0.000001)) {
		t.Fatalf("weighted average %s drifted from total spend", want)
	}
	if !second.Holding.CostBasis.Equal(want) {
		t.Errorf("cost basis = %s, want %s", second.Holding.CostBasis, want)
	}

	partial, err := exec.ExecuteTrade(ctx, sell("inv1", 150))
	if err != nil {
		t.Fatal(err)
	}
	if partial.Holding.Shares != 250 || !partial.Holding.CostBasis.Equal(want) {
		t.Errorf("partial sell should keep cost basis: %d @ %s", partial.Holding.Shares, partial.Holding.CostBasis)
	}
}

func TestExecuteTrade_ConsecutiveBuysRaisePrice(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1e12})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})

	last := d(10)
	for i := 0; i < 20; i++ {
		res, err := exec.ExecuteTrade(context.Background(), buy("inv1", 2000))
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
		if !res.ResultingPrice.GreaterThan(last) {
			t.Fatalf("buy %d: price %s did not rise above %s", i, res.ResultingPrice, last)
		}
		last = res.ResultingPrice
	}
}

func TestExecuteTrade_InvariantViolationAborts(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})

	// A validator with a ceiling below the post-trade price must reject the commit.
	strict := &invariant.Validator{Tolerance: invariant.DefaultTolerance, MaxPrice: d(10.1)}
	exec := trade.NewExecutor(st, trade.ExecutorConfig{Validator: strict})

	_, err := exec.ExecuteTrade(context.Background(), buy("inv1", 1000))
	if !errors.Is(err, invariant.ErrViolation) {
		t.Fatalf("expected ErrViolation, got %v", err)
	}
	if trade.Code(err) != "invariant_violation" {
		t.Errorf("code = %q", trade.Code(err))
	}
	assertUntouched(t, st, "inv1", 1000000)
}

func TestExecuteTrade_LockTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})

	locker := trade.NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), founderID)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	exec := trade.NewExecutor(st, trade.ExecutorConfig{Locker: locker, LockTimeout: 20 * time.Millisecond})
	_, err = exec.ExecuteTrade(context.Background(), buy("inv1", 10))
	if !errors.Is(err, trade.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !trade.Retryable(err) {
		t.Error("lock timeout should be retryable")
	}
	assertUntouched(t, st, "inv1", 1000000)
}

// brokenLocker fails every acquisition the way an unreachable Redis would.
type brokenLocker struct{ err error }

func (l brokenLocker) Lock(context.Context, string) (func(), error) {
	return nil, l.err
}

func TestExecuteTrade_LockBackendFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})

	down := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	exec := trade.NewExecutor(st, trade.ExecutorConfig{Locker: brokenLocker{err: down}})
	_, err := exec.ExecuteTrade(context.Background(), buy("inv1", 10))
	if !errors.Is(err, down) {
		t.Fatalf("expected the backend error, got %v", err)
	}
	if errors.Is(err, trade.ErrLockTimeout) {
		t.Error("backend failure must not be reported as a lock timeout")
	}
	if code := trade.Code(err); code != "internal" {
		t.Errorf("code = %q, want internal", code)
	}
	if trade.Retryable(err) {
		t.Error("backend failure should not be retryable")
	}
	assertUntouched(t, st, "inv1", 1000000)
}

func TestExecuteTrade_CancelledContext(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.ExecuteTrade(ctx, buy("inv1", 10))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, trade.ErrLockTimeout) {
		t.Error("caller cancellation must not be reported as a lock timeout")
	}
	assertUntouched(t, st, "inv1", 1000000)
}

// conflictStore fails the first n RunTrade calls with a version conflict.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
	calls     int
}

func (c *conflictStore) RunTrade(ctx context.Context, founderID string, fn func(context.Context, store.TradeTx) error) error {
	c.mu.Lock()
	c.calls++
	fail := c.remaining > 0
	if fail {
		c.remaining--
	}
	c.mu.Unlock()
	if fail {
		return store.ErrConcurrencyConflict
	}
	return c.Store.RunTrade(ctx, founderID, fn)
}

func TestExecuteTrade_RetriesConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	seedExchange(t, ms, map[string]float64{"inv1": 1000000})

	cs := &conflictStore{Store: ms, remaining: 2}
	exec := trade.NewExecutor(cs, trade.ExecutorConfig{MaxRetries: 3})
	if _, err := exec.ExecuteTrade(context.Background(), buy("inv1", 10)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if cs.calls != 3 {
		t.Errorf("RunTrade calls = %d, want 3", cs.calls)
	}

	cs = &conflictStore{Store: ms, remaining: 10}
	exec = trade.NewExecutor(cs, trade.ExecutorConfig{MaxRetries: 2})
	_, err := exec.ExecuteTrade(context.Background(), buy("inv1", 10))
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if !trade.Retryable(err) {
		t.Error("conflict should be retryable")
	}
	if cs.calls != 3 {
		t.Errorf("RunTrade calls = %d, want 3", cs.calls)
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]model.ChangeEvent
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, events []model.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return r.err
}

func TestExecuteTrade_PublishesChangeEvents(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	pub := &recordingPublisher{err: errors.New("subscriber offline")}
	exec := trade.NewExecutor(st, trade.ExecutorConfig{Publisher: pub})

	res, err := exec.ExecuteTrade(context.Background(), buy("inv1", 10))
	if err != nil {
		t.Fatalf("a failing publisher must not fail the trade: %v", err)
	}
	if len(pub.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(pub.batches))
	}

	entities := map[string]string{}
	for _, e := range pub.batches[0] {
		entities[e.Entity] = e.ID
	}
	if entities[model.EntityFounderPool] != founderID {
		t.Errorf("missing founder pool change: %v", entities)
	}
	if entities[model.EntityInvestor] != "inv1" {
		t.Errorf("missing investor change: %v", entities)
	}
	if entities[model.EntityInvestorHolding] != "inv1/"+founderID {
		t.Errorf("missing holding change: %v", entities)
	}
	if entities[model.EntityTrade] != res.Trade.ID {
		t.Errorf("missing trade change: %v", entities)
	}

	// Rejected trades publish nothing.
	if _, err := exec.ExecuteTrade(context.Background(), buy("inv1", 0)); err == nil {
		t.Fatal("expected rejection")
	}
	if len(pub.batches) != 1 {
		t.Errorf("rejected trade published events")
	}
}

func TestExecuteTrade_ConcurrentSameFounder(t *testing.T) {
	const (
		workers = 100
		shares  = 50
	)
	st := store.NewMemoryStore()
	investors := map[string]float64{}
	for i := 0; i < 10; i++ {
		investors["inv"+string(rune('a'+i))] = 1e9
	}
	seedExchange(t, st, investors)
	exec := trade.NewExecutor(st, trade.ExecutorConfig{LockTimeout: 30 * time.Second})

	// Every investor first buys, so sells in the storm have shares to draw on.
	ctx := context.Background()
	for id := range investors {
		if _, err := exec.ExecuteTrade(ctx, buy(id, 1000)); err != nil {
			t.Fatalf("pre-buy %s: %v", id, err)
		}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		netBuy int64
		errs   []error
	)
	ids := make([]string, 0, len(investors))
	for id := range investors {
		ids = append(ids, id)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := buy(ids[i%len(ids)], shares)
			if i%4 == 0 {
				req = sell(ids[i%len(ids)], shares)
			}
			_, err := exec.ExecuteTrade(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if req.Type == model.Buy {
				netBuy += shares
			} else {
				netBuy -= shares
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("%d trades failed, first: %v", len(errs), errs[0])
	}

	pool, _ := st.GetPool(ctx, founderID)
	wantShares := int64(100000) - int64(len(investors))*1000 - netBuy
	if pool.SharesInPool != wantShares {
		t.Errorf("pool shares = %d, want %d", pool.SharesInPool, wantShares)
	}
	wantTrades := len(investors) + workers
	if pool.Version != int64(wantTrades) {
		t.Errorf("pool version = %d, want %d", pool.Version, wantTrades)
	}

	// Every committed state passed the validator, and the log replays cleanly.
	v := invariant.NewValidator()
	points, _ := st.GetPriceHistory(ctx, founderID, time.Time{}, time.Time{})
	if len(points) != wantTrades {
		t.Fatalf("price points = %d, want %d", len(points), wantTrades)
	}
	for i, p := range points {
		if p.Sequence != int64(i+1) {
			t.Fatalf("point %d has sequence %d", i, p.Sequence)
		}
		snapshot := *pool
		snapshot.SharesInPool = p.SharesInPool
		snapshot.CashInPool = p.CashInPool
		snapshot.CurrentPrice = p.Price
		if err := v.Check(&snapshot); err != nil {
			t.Fatalf("point %d violates invariants: %v", i, err)
		}
	}

	// Cash conservation: what investors paid in net equals what the pool gained.
	var paid decimal.Decimal
	trades, _ := st.GetTradesByFounder(ctx, founderID)
	for _, tr := range trades {
		paid = paid.Add(tr.Amount)
	}
	if gained := pool.CashInPool.Sub(decimal.NewFromInt(1000000)); !gained.Equal(paid) {
		t.Errorf("pool gained %s but investors paid %s", gained, paid)
	}
	var spent decimal.Decimal
	for id, bal := range investors {
		inv, _ := st.GetInvestor(ctx, id)
		spent = spent.Add(d(bal).Sub(inv.CurrentBalance))
	}
	if !spent.Equal(paid) {
		t.Errorf("investors spent %s but trades record %s", spent, paid)
	}
}

func TestExecuteTrade_DifferentFoundersInParallel(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1e9})
	ctx := context.Background()
	other, _ := amm.NewPool("f2", eventID, "Grace", 100000, decimal.NewFromInt(1000000), 1000)
	if err := st.CreatePool(ctx, other); err != nil {
		t.Fatal(err)
	}

	// Holding f1's lock must not block f2.
	locker := trade.NewLocalLocker()
	unlock, _ := locker.Lock(ctx, founderID)
	defer unlock()

	exec := trade.NewExecutor(st, trade.ExecutorConfig{Locker: locker, LockTimeout: time.Second})
	req := trade.TradeRequest{InvestorID: "inv1", FounderID: "f2", EventID: eventID, Shares: 10, Type: model.Buy}
	if _, err := exec.ExecuteTrade(ctx, req); err != nil {
		t.Fatalf("f2 trade blocked by f1 lock: %v", err)
	}
}

func TestQuote_MatchesExecution(t *testing.T) {
	st := store.NewMemoryStore()
	seedExchange(t, st, map[string]float64{"inv1": 1000000})
	exec := trade.NewExecutor(st, trade.ExecutorConfig{})
	ctx := context.Background()

	q, pool, err := exec.Quote(ctx, founderID, model.Buy, 750)
	if err != nil {
		t.Fatal(err)
	}
	if pool.Version != 0 {
		t.Errorf("quote should read current pool, got version %d", pool.Version)
	}
	res, err := exec.ExecuteTrade(ctx, buy("inv1", 750))
	if err != nil {
		t.Fatal(err)
	}
	if !q.Amount.Equal(res.Trade.Amount) || !q.ResultingPrice.Equal(res.ResultingPrice) {
		t.Errorf("quote %s @ %s differs from execution %s @ %s",
			q.Amount, q.ResultingPrice, res.Trade.Amount, res.ResultingPrice)
	}

	if _, _, err := exec.Quote(ctx, founderID, model.Sell, 0); !errors.Is(err, trade.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := exec.Quote(ctx, "ghost", model.Buy, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteTrade_SQLiteStore(t *testing.T) {
	lite, err := store.OpenSQLite(filepath.Join(t.TempDir(), "exchange.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer lite.Close()
	seedExchange(t, lite, map[string]float64{"inv1": 1e9})
	exec := trade.NewExecutor(lite, trade.ExecutorConfig{LockTimeout: 30 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.ExecuteTrade(ctx, buy("inv1", 100)); err != nil {
				t.Errorf("buy: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := exec.ExecuteTrade(ctx, sell("inv1", 500)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	pool, err := lite.GetPool(ctx, founderID)
	if err != nil {
		t.Fatal(err)
	}
	if pool.SharesInPool != 100000-2000+500 || pool.Version != 21 {
		t.Errorf("pool shares=%d version=%d", pool.SharesInPool, pool.Version)
	}
	holdings, _ := lite.GetHoldings(ctx, "inv1")
	if len(holdings) != 1 || holdings[0].Shares != 1500 {
		t.Errorf("holdings = %+v", holdings)
	}
	points, _ := lite.GetPriceHistory(ctx, founderID, time.Time{}, time.Time{})
	if len(points) != 21 || points[20].SharesInPool != pool.SharesInPool {
		t.Errorf("history does not end at the pool state: %d points", len(points))
	}

	// A rejected trade leaves the database untouched.
	if _, err := exec.ExecuteTrade(ctx, sell("inv1", 5000)); !errors.Is(err, trade.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	after, _ := lite.GetPool(ctx, founderID)
	if after.Version != pool.Version {
		t.Errorf("rejected trade bumped version to %d", after.Version)
	}
}
