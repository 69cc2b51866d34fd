package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitchx/founder-exchange/internal/model"
)

type holdingKey struct {
	investorID string
	founderID  string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunTrade does not hold a lock while fn runs; callers serialize per founder
// and Commit re-checks the pool version under the write lock.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*model.Event
	pools     map[string]*model.FounderPool
	investors map[string]*model.Investor
	holdings  map[holdingKey]*model.InvestorHolding
	trades    []model.Trade
	history   map[string][]model.PriceHistoryPoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*model.Event),
		pools:     make(map[string]*model.FounderPool),
		investors: make(map[string]*model.Investor),
		holdings:  make(map[holdingKey]*model.InvestorHolding),
		history:   make(map[string][]model.PriceHistoryPoint),
	}
}

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("%w: event %s", ErrAlreadyExists, e.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *e
	s.events[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEvent(id)
}

func (s *MemoryStore) getEvent(id string) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) UpdateEventStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	e.Status = status
	return nil
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.FounderPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.FounderID]; ok {
		return fmt.Errorf("%w: founder %s", ErrAlreadyExists, p.FounderID)
	}
	if _, ok := s.events[p.EventID]; !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, p.EventID)
	}
	copy := *p
	s.pools[p.FounderID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, founderID string) (*model.FounderPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPool(founderID)
}

func (s *MemoryStore) getPool(founderID string) (*model.FounderPool, error) {
	p, ok := s.pools[founderID]
	if !ok {
		return nil, fmt.Errorf("%w: founder %s", ErrNotFound, founderID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.FounderPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.FounderPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].FounderID < pools[j].FounderID })
	return pools, nil
}

func (s *MemoryStore) CreateInvestor(_ context.Context, inv *model.Investor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.investors[inv.ID]; ok {
		return fmt.Errorf("%w: investor %s", ErrAlreadyExists, inv.ID)
	}
	copy := *inv
	s.investors[inv.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInvestor(_ context.Context, id string) (*model.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInvestor(id)
}

func (s *MemoryStore) getInvestor(id string) (*model.Investor, error) {
	inv, ok := s.investors[id]
	if !ok {
		return nil, fmt.Errorf("%w: investor %s", ErrNotFound, id)
	}
	copy := *inv
	return &copy, nil
}

func (s *MemoryStore) GetHoldings(_ context.Context, investorID string) ([]model.InvestorHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InvestorHolding
	for k, h := range s.holdings {
		if k.investorID == investorID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FounderID < result[j].FounderID })
	return result, nil
}

func (s *MemoryStore) GetTradesByFounder(_ context.Context, founderID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.FounderID == founderID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByInvestor(_ context.Context, investorID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.InvestorID == investorID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, founderID string, since, until time.Time) ([]model.PriceHistoryPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceHistoryPoint
	for _, p := range s.history[founderID] {
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && p.Timestamp.After(until) {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *MemoryStore) RunTrade(ctx context.Context, founderID string, fn func(ctx context.Context, tx TradeTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memoryTx{store: s, founderID: founderID})
}

// memoryTx reads through to the store and applies the commit under a single
// write lock, so no reader ever sees half a trade.
type memoryTx struct {
	store     *MemoryStore
	founderID string
	done      bool
}

func (tx *memoryTx) Pool(_ context.Context) (*model.FounderPool, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.getPool(tx.founderID)
}

func (tx *memoryTx) Investor(_ context.Context, id string) (*model.Investor, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.getInvestor(id)
}

func (tx *memoryTx) Holding(_ context.Context, investorID string) (*model.InvestorHolding, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if h, ok := tx.store.holdings[holdingKey{investorID, tx.founderID}]; ok {
		copy := *h
		return &copy, nil
	}
	return &model.InvestorHolding{InvestorID: investorID, FounderID: tx.founderID}, nil
}

func (tx *memoryTx) Event(_ context.Context, id string) (*model.Event, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.getEvent(id)
}

func (tx *memoryTx) Commit(_ context.Context, c *TradeCommit) (*model.Investor, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write.
	current, ok := s.pools[tx.founderID]
	if !ok {
		return nil, fmt.Errorf("%w: founder %s", ErrNotFound, tx.founderID)
	}
	if c.Pool.FounderID != tx.founderID || c.Pool.Version != current.Version+1 {
		return nil, fmt.Errorf("%w: founder %s at version %d, commit for %d",
			ErrConcurrencyConflict, tx.founderID, current.Version, c.Pool.Version)
	}
	inv, ok := s.investors[c.Trade.InvestorID]
	if !ok {
		return nil, fmt.Errorf("%w: investor %s", ErrNotFound, c.Trade.InvestorID)
	}
	newBalance := inv.CurrentBalance.Add(c.BalanceDelta)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientBalance, inv.CurrentBalance, c.BalanceDelta)
	}
	if c.Holding.Shares < 0 {
		return nil, fmt.Errorf("%w: holding would be %d", ErrInsufficientShares, c.Holding.Shares)
	}

	pool := *c.Pool
	s.pools[tx.founderID] = &pool
	inv.CurrentBalance = newBalance
	holding := *c.Holding
	s.holdings[holdingKey{holding.InvestorID, tx.founderID}] = &holding
	s.trades = append(s.trades, *c.Trade)
	s.history[tx.founderID] = append(s.history[tx.founderID], *c.Point)
	tx.done = true

	updated := *inv
	return &updated, nil
}
