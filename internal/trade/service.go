// Package trade provides the HTTP handlers and business logic for
// executing trades against founder pools and querying prices, history and
// portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/amm"
	"github.com/pitchx/founder-exchange/internal/history"
	"github.com/pitchx/founder-exchange/internal/model"
	"github.com/pitchx/founder-exchange/internal/portfolio"
	"github.com/pitchx/founder-exchange/internal/store"
)

// Pool and investor defaults for bootstrap requests that leave them out.
var (
	DefaultInitialShares    int64 = 100000
	DefaultInitialCash            = decimal.NewFromInt(1000000)
	DefaultMinReserveShares int64 = 1000
	DefaultInitialBalance         = decimal.NewFromInt(1000000)
)

// Service exposes the exchange over HTTP. Trades go through the Executor;
// reads go straight to the store and take no trade locks.
type Service struct {
	store    store.Store
	executor *Executor
}

// NewService creates a new trade service.
func NewService(st store.Store, exec *Executor) *Service {
	return &Service{store: st, executor: exec}
}

// Routes mounts the API under the given router.
func (s *Service) Routes(r chi.Router, tradeLimiter func(http.Handler) http.Handler) {
	if tradeLimiter == nil {
		tradeLimiter = func(next http.Handler) http.Handler { return next }
	}
	r.With(tradeLimiter).Post("/trades", s.ExecuteTrade)
	r.Post("/quotes", s.Quote)

	r.Get("/founders", s.ListFounders)
	r.Post("/founders", s.CreateFounder)
	r.Get("/founders/{founderID}", s.GetFounder)
	r.Get("/founders/{founderID}/history", s.GetFounderHistory)
	r.Get("/founders/{founderID}/trades", s.GetFounderTrades)

	r.Post("/events", s.CreateEvent)
	r.Put("/events/{eventID}/status", s.UpdateEventStatus)

	r.Post("/investors", s.CreateInvestor)
	r.Get("/investors/{investorID}", s.GetInvestor)
	r.Get("/investors/{investorID}/trades", s.GetInvestorTrades)

	r.Get("/portfolio/{investorID}", s.GetPortfolio)
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quotes.
type QuoteRequest struct {
	FounderID string          `json:"founder_id"`
	Shares    int64           `json:"shares"`
	Type      model.TradeType `json:"type"`
}

// QuoteResponse is a non-binding estimate. Exactly one of Cost and Payout is set.
type QuoteResponse struct {
	FounderID      string           `json:"founder_id"`
	Type           model.TradeType  `json:"type"`
	Shares         int64            `json:"shares"`
	Cost           *decimal.Decimal `json:"cost,omitempty"`
	Payout         *decimal.Decimal `json:"payout,omitempty"`
	PricePerShare  decimal.Decimal  `json:"price_per_share"`
	CurrentPrice   decimal.Decimal  `json:"current_price"`
	ResultingPrice decimal.Decimal  `json:"resulting_price"`
	PoolVersion    int64            `json:"pool_version"`
}

// FounderView is a pool with its derived market figures.
type FounderView struct {
	*model.FounderPool
	MarketCap decimal.Decimal `json:"market_cap"`
}

// CreateEventRequest is the JSON body for POST /events.
type CreateEventRequest struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"` // draft (default), active or closed
}

// UpdateEventStatusRequest is the JSON body for PUT /events/{eventID}/status.
type UpdateEventStatusRequest struct {
	Status string `json:"status"`
}

// CreateFounderRequest is the JSON body for POST /founders.
type CreateFounderRequest struct {
	FounderID        string          `json:"founder_id" yaml:"founder_id"`
	EventID          string          `json:"event_id" yaml:"event_id"`
	Name             string          `json:"name" yaml:"name"`
	InitialShares    int64           `json:"initial_shares" yaml:"initial_shares"`         // 0 → DefaultInitialShares
	InitialCash      decimal.Decimal `json:"initial_cash" yaml:"initial_cash"`             // 0 → DefaultInitialCash
	MinReserveShares int64           `json:"min_reserve_shares" yaml:"min_reserve_shares"` // 0 → DefaultMinReserveShares
}

// CreateInvestorRequest is the JSON body for POST /investors.
type CreateInvestorRequest struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance" yaml:"initial_balance"` // 0 → DefaultInitialBalance
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}

	res, err := s.executor.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Quote handles POST /api/v1/quotes
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}

	q, pool, err := s.executor.Quote(r.Context(), req.FounderID, req.Type, req.Shares)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := QuoteResponse{
		FounderID:      pool.FounderID,
		Type:           q.Type,
		Shares:         q.Shares,
		PricePerShare:  q.PricePerShare,
		CurrentPrice:   q.StartPrice,
		ResultingPrice: q.ResultingPrice,
		PoolVersion:    pool.Version,
	}
	amount := q.Amount
	if q.Type == model.Buy {
		resp.Cost = &amount
	} else {
		resp.Payout = &amount
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListFounders handles GET /api/v1/founders
// Optionally filtered by ?event_id=<eventID>.
func (s *Service) ListFounders(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	eventID := r.URL.Query().Get("event_id")
	views := []FounderView{}
	for i := range pools {
		if eventID != "" && pools[i].EventID != eventID {
			continue
		}
		views = append(views, founderView(&pools[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetFounder handles GET /api/v1/founders/{founderID}
func (s *Service) GetFounder(w http.ResponseWriter, r *http.Request) {
	pool, err := s.store.GetPool(r.Context(), chi.URLParam(r, "founderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, founderView(pool))
}

func founderView(p *model.FounderPool) FounderView {
	return FounderView{FounderPool: p, MarketCap: amm.MarketCap(p, p.InitialShares)}
}

// GetFounderHistory handles GET /api/v1/founders/{founderID}/history
// Query: since, until (RFC3339), max_points.
func (s *Service) GetFounderHistory(w http.ResponseWriter, r *http.Request) {
	founderID := chi.URLParam(r, "founderID")
	ctx := r.Context()

	q := history.Query{FounderID: founderID}
	var err error
	if q.Since, err = parseTime(r, "since"); err != nil {
		writeErr(w, err)
		return
	}
	if q.Until, err = parseTime(r, "until"); err != nil {
		writeErr(w, err)
		return
	}
	if v := r.URL.Query().Get("max_points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "max_points must be an integer", "invalid_input", http.StatusBadRequest)
			return
		}
		q.MaxPoints = n
	}

	if _, err := s.store.GetPool(ctx, founderID); err != nil {
		writeErr(w, err)
		return
	}
	points, err := history.Fetch(ctx, s.store, q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Join(ErrInvalidInput, errors.New(key+" must be RFC3339"))
	}
	return t, nil
}

// GetFounderTrades handles GET /api/v1/founders/{founderID}/trades
func (s *Service) GetFounderTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByFounder(r.Context(), chi.URLParam(r, "founderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetInvestorTrades handles GET /api/v1/investors/{investorID}/trades
func (s *Service) GetInvestorTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByInvestor(r.Context(), chi.URLParam(r, "investorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /api/v1/portfolio/{investorID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := portfolio.Valuate(r.Context(), s.store, chi.URLParam(r, "investorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateEvent handles POST /api/v1/events
func (s *Service) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	e, err := s.AddEvent(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// UpdateEventStatus handles PUT /api/v1/events/{eventID}/status
func (s *Service) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	status, err := parseEventStatus(req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	if err := s.store.UpdateEventStatus(r.Context(), eventID, status); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("event status changed", "event", eventID, "status", status)

	e, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CreateFounder handles POST /api/v1/founders
func (s *Service) CreateFounder(w http.ResponseWriter, r *http.Request) {
	var req CreateFounderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	pool, err := s.AddFounder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, founderView(pool))
}

// CreateInvestor handles POST /api/v1/investors
func (s *Service) CreateInvestor(w http.ResponseWriter, r *http.Request) {
	var req CreateInvestorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	inv, err := s.AddInvestor(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetInvestor handles GET /api/v1/investors/{investorID}
func (s *Service) GetInvestor(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.GetInvestor(r.Context(), chi.URLParam(r, "investorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// --- helpers ---

func parseEventStatus(s string) (string, error) {
	switch status := strings.ToLower(strings.TrimSpace(s)); status {
	case model.EventDraft, model.EventActive, model.EventClosed:
		return status, nil
	}
	return "", errors.Join(ErrInvalidInput, errors.New("status must be draft, active or closed"))
}

// writeErr maps err to a status code and writes the error body.
func writeErr(w http.ResponseWriter, err error) {
	code := Code(err)
	status := httpStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "err", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code, Retryable: Retryable(err)})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, amm.ErrInvalidShares),
		errors.Is(err, amm.ErrInvalidPool), errors.Is(err, amm.ErrShareOverflow),
		errors.Is(err, history.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientShares),
		errors.Is(err, amm.ErrMinReserveBreach):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTradingClosed), errors.Is(err, store.ErrConcurrencyConflict),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// newID returns id trimmed, or a fresh UUID when empty.
// newID returns id, or a fresh UUID when id is blank. Supplied ids must be
// tradable, so they pass the same check as trade requests.
func newID(name, id string) (string, error) {
	if id = strings.TrimSpace(id); id == "" {
		return uuid.New().String(), nil
	}
	if err := validID(name, id); err != nil {
		return "", err
	}
	return id, nil
}
