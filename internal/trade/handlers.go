package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/outcome"
)

// badRequest is the kind reported for requests that never reach the ledger.
const badRequest = "BadRequest"

// OrderRequest is the JSON body for POST /api/v1/orders.
type OrderRequest struct {
	UserID   string     `json:"user_id"`
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Quantity int64      `json:"quantity"`
}

// AccountRequest is the JSON body for POST /api/v1/accounts. A missing
// opening_balance opens with the configured default.
type AccountRequest struct {
	UserID         string           `json:"user_id"`
	OpeningBalance *decimal.Decimal `json:"opening_balance,omitempty"`
}

// CashRequest is the JSON body for deposits and withdrawals.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RegisterRoutes mounts the ledger API on r.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/accounts", s.HandleOpenAccount)
		r.Post("/accounts/{userID}/deposit", s.HandleDeposit)
		r.Post("/accounts/{userID}/withdraw", s.HandleWithdraw)
		r.Get("/accounts/{userID}/transactions", s.HandleCashHistory)

		r.Post("/orders", s.HandleOrder)

		r.Get("/portfolio/{userID}", s.HandlePortfolio)
		r.Get("/trades/{userID}", s.HandleHistory)
		r.Get("/audit/{userID}", s.HandleAudit)
	})
}

// HandleOrder handles POST /api/v1/orders.
func (s *Service) HandleOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), badRequest, http.StatusBadRequest)
		return
	}
	if req.Side != model.Buy && req.Side != model.Sell {
		writeError(w, "side must be BUY or SELL", badRequest, http.StatusBadRequest)
		return
	}

	res, err := s.Execute(r.Context(), req.Side, req.UserID, req.Symbol, req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleOpenAccount handles POST /api/v1/accounts.
func (s *Service) HandleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), badRequest, http.StatusBadRequest)
		return
	}
	res, err := s.OpenAccount(r.Context(), req.UserID, req.OpeningBalance)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleDeposit handles POST /api/v1/accounts/{userID}/deposit.
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.Deposit)
}

// HandleWithdraw handles POST /api/v1/accounts/{userID}/withdraw.
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.Withdraw)
}

func (s *Service) handleCash(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, userID string, amount decimal.Decimal) (*CashResult, error)) {
	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), badRequest, http.StatusBadRequest)
		return
	}
	res, err := move(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCashHistory handles GET /api/v1/accounts/{userID}/transactions.
func (s *Service) HandleCashHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err.Error(), badRequest, http.StatusBadRequest)
		return
	}
	txns, err := s.CashHistory(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// HandlePortfolio handles GET /api/v1/portfolio/{userID}.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleHistory handles GET /api/v1/trades/{userID}?start=&end=.
// Bounds are RFC 3339 timestamps or dates; a date-only end covers the
// whole day.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err.Error(), badRequest, http.StatusBadRequest)
		return
	}
	trades, err := s.History(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// HandleAudit handles GET /api/v1/audit/{userID}. A failed audit still
// returns its report, with status 500.
func (s *Service) HandleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.Audit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil && report == nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(outcome.KindOf(err))
	}
	writeJSON(w, status, report)
}

const dateLayout = "2006-01-02"

// parseFilter reads the optional start and end query parameters.
func parseFilter(r *http.Request) (model.TimeFilter, error) {
	var f model.TimeFilter
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, _, err := parseBound(v)
		if err != nil {
			return f, fmt.Errorf("invalid start %q: use RFC 3339 or YYYY-MM-DD", v)
		}
		f.Start = &t
	}
	if v := q.Get("end"); v != "" {
		t, dateOnly, err := parseBound(v)
		if err != nil {
			return f, fmt.Errorf("invalid end %q: use RFC 3339 or YYYY-MM-DD", v)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		f.End = &t
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return f, errors.New("end is before start")
	}
	return f, nil
}

func parseBound(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}

// statusFor maps an outcome kind onto an HTTP status.
func statusFor(k outcome.Kind) int {
	switch k {
	case outcome.InvalidQuantity, outcome.InvalidAmount, outcome.UnknownSymbol:
		return http.StatusBadRequest
	case outcome.UserNotFound:
		return http.StatusNotFound
	case outcome.InsufficientFunds, outcome.InsufficientShares, outcome.PositionLimit, outcome.AccountExists:
		return http.StatusConflict
	case outcome.PriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes a classified error.
func writeFailure(w http.ResponseWriter, err error) {
	kind := outcome.KindOf(err)
	writeError(w, outcome.MessageOf(err), kind.String(), statusFor(kind))
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, kind string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
