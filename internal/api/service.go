// Package api provides the HTTP handlers for prices, portfolios, manual
// decision batches and agent runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/agent"
	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/consensus"
	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
)

// DefaultListLimit applies when ?limit is absent.
const DefaultListLimit = 50

// Runner executes agent runs.
type Runner interface {
	Run(ctx context.Context, userID string, assets []string) (*agent.Result, error)
}

// Service serves the HTTP API. Every portfolio mutation goes through the
// ledger transactor.
type Service struct {
	verifier agent.Verifier
	ledger   *ledger.Transactor
	store    store.Store
	runner   Runner
	hub      *WSHub
	logger   *slog.Logger
}

// NewService creates a new API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(v agent.Verifier, lt *ledger.Transactor, st store.Store, runner Runner, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		verifier: v,
		ledger:   lt,
		store:    st,
		runner:   runner,
		hub:      hub,
		logger:   logger,
	}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/prices/{asset}", s.GetPrice)
	r.Route("/portfolio/{userID}", func(r chi.Router) {
		r.Get("/", s.GetPortfolio)
		r.Get("/trades", s.ListTrades)
		r.Get("/history", s.ListHistory)
		r.Post("/reset", s.Reset)
		r.Post("/decisions", s.ApplyDecisions)
	})
	r.Post("/runs", s.Run)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// PriceResponse is the JSON body for GET /prices/{asset}.
type PriceResponse struct {
	Price *model.VerifiedPrice `json:"price"`
	Stats *model.MarketStats   `json:"stats"`
}

// ResetRequest is the JSON body for POST /portfolio/{userID}/reset.
type ResetRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// DecisionsRequest is the JSON body for POST /portfolio/{userID}/decisions.
type DecisionsRequest struct {
	Decisions []model.Decision `json:"decisions"`
}

// RunRequest is the JSON body for POST /runs.
type RunRequest struct {
	UserID string   `json:"user_id"`
	Assets []string `json:"assets"`
}

// --- HTTP Handlers ---

// GetPrice handles GET /api/v1/prices/{asset}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ticker, err := asset.Parse(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	vp, err := s.verifier.Verify(r.Context(), ticker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Price: vp, Stats: s.verifier.Enrich(r.Context(), ticker)})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// With ?live=true holdings are valued at freshly verified prices; assets
// that fail verification fall back to average cost.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	p, err := s.ledger.Get(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	prices := make(map[string]decimal.Decimal, len(p.Holdings))
	if live, _ := strconv.ParseBool(r.URL.Query().Get("live")); live {
		for a := range p.Holdings {
			vp, err := s.verifier.Verify(ctx, a)
			if err != nil {
				s.logger.Warn("live price unavailable", "asset", a, "error", err)
				continue
			}
			prices[a] = vp.Price
		}
	}
	writeJSON(w, http.StatusOK, ledger.Summarize(p, prices))
}

// ListTrades handles GET /api/v1/portfolio/{userID}/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTrades(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListHistory handles GET /api/v1/portfolio/{userID}/history?limit=N
func (s *Service) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// Reset handles POST /api/v1/portfolio/{userID}/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.ledger.Reset(r.Context(), chi.URLParam(r, "userID"), req.InitialBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ApplyDecisions handles POST /api/v1/portfolio/{userID}/decisions
func (s *Service) ApplyDecisions(w http.ResponseWriter, r *http.Request) {
	var req DecisionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")

	res, err := s.ledger.Apply(r.Context(), userID, req.Decisions)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.hub != nil {
		for _, t := range res.Trades {
			s.hub.Publish("trade", t)
		}
		s.hub.Publish("snapshot", res.Snapshot)
	}
	writeJSON(w, http.StatusOK, res)
}

// Run handles POST /api/v1/runs and blocks until the run finishes.
func (s *Service) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	assets, err := asset.ParseAll(req.Assets)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.runner.Run(r.Context(), req.UserID, assets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps domain errors to HTTP statuses.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidBalance), errors.Is(err, ledger.ErrInvalidDecision):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrPortfolioNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrRunInProgress), errors.Is(err, ledger.ErrRetriesExhausted):
		status = http.StatusConflict
	case errors.Is(err, consensus.ErrConsensusFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err.Error(), status)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
