package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pitchx/founder-exchange/internal/amm"
	"github.com/pitchx/founder-exchange/internal/model"
)

// AddEvent validates and persists an event. Status defaults to draft.
func (s *Service) AddEvent(ctx context.Context, req CreateEventRequest) (*model.Event, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	status := model.EventDraft
	if req.Status != "" {
		var err error
		if status, err = parseEventStatus(req.Status); err != nil {
			return nil, err
		}
	}

	id, err := newID("id", req.ID)
	if err != nil {
		return nil, err
	}

	e := &model.Event{
		ID:        id,
		Name:      name,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	slog.Info("event created", "id", e.ID, "name", e.Name, "status", e.Status)
	return e, nil
}

// AddFounder lists a founder in an existing event with a fresh pool. Zero
// pool parameters take the package defaults.
func (s *Service) AddFounder(ctx context.Context, req CreateFounderRequest) (*model.FounderPool, error) {
	name := strings.TrimSpace(req.Name)
	eventID := strings.TrimSpace(req.EventID)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := validID("event_id", eventID); err != nil {
		return nil, err
	}
	founderID, err := newID("founder_id", req.FounderID)
	if err != nil {
		return nil, err
	}

	shares := req.InitialShares
	if shares == 0 {
		shares = DefaultInitialShares
	}
	cash := req.InitialCash
	if cash.IsZero() {
		cash = DefaultInitialCash
	}
	reserve := req.MinReserveShares
	if reserve == 0 {
		reserve = DefaultMinReserveShares
	}

	pool, err := amm.NewPool(founderID, eventID, name, shares, cash, reserve)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	slog.Info("founder pool created",
		"founder", pool.FounderID,
		"event", pool.EventID,
		"shares", pool.SharesInPool,
		"cash", pool.CashInPool.String(),
		"k", pool.KConstant.String(),
		"price", pool.CurrentPrice.String(),
	)
	return pool, nil
}

// AddInvestor registers an investor with a starting balance.
func (s *Service) AddInvestor(ctx context.Context, req CreateInvestorRequest) (*model.Investor, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	balance := req.InitialBalance
	if balance.IsZero() {
		balance = DefaultInitialBalance
	}
	if balance.IsNegative() {
		return nil, errors.Join(ErrInvalidInput, errors.New("initial_balance must be positive"))
	}

	id, err := newID("id", req.ID)
	if err != nil {
		return nil, err
	}

	inv := &model.Investor{
		ID:             id,
		Name:           name,
		CurrentBalance: balance,
		InitialBalance: balance,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateInvestor(ctx, inv); err != nil {
		return nil, err
	}
	slog.Info("investor created", "id", inv.ID, "balance", inv.CurrentBalance.String())
	return inv, nil
}
