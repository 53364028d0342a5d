package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/agent"
	"github.com/atmx/paper-trader/internal/api"
	"github.com/atmx/paper-trader/internal/consensus"
	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/provider"
	"github.com/atmx/paper-trader/internal/rules"
	"github.com/atmx/paper-trader/internal/scheduler"
	"github.com/atmx/paper-trader/internal/score"
	"github.com/atmx/paper-trader/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	primary *provider.Static
	scores  *score.Static
	ledger  *ledger.Transactor
	router  chi.Router
}

// newTestEnv wires the full stack over static providers and an in-memory
// store.
func newTestEnv(t *testing.T, hub *api.WSHub) *testEnv {
	t.Helper()
	prices := map[string]decimal.Decimal{"BTC": d("100"), "ETH": d("10")}
	primary := provider.NewStatic("primary", prices)
	secondary := provider.NewStatic("secondary", map[string]decimal.Decimal{"BTC": d("100.5"), "ETH": d("10")})
	primary.SetStats("BTC", &model.MarketStats{Asset: "BTC", High24h: d("105")})

	engine := consensus.New(primary, secondary, nil, consensus.DefaultTolerancePct, nil)
	ms := store.NewMemoryStore()
	lt := ledger.New(ms, ledger.Config{InitialBalance: d("1000")}, nil)
	scores := score.NewStatic(map[string]int{"BTC": 50, "ETH": 50})
	sched := scheduler.New(scheduler.DefaultPolicy(), nil).
		WithSleeper(func(context.Context, time.Duration) error { return nil })
	runner := agent.NewRunner(engine, scores, rules.New(rules.DefaultConfig()), lt, sched, hub, []string{"BTC", "ETH"}, nil)

	svc := api.NewService(engine, lt, ms, runner, hub, nil)
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Route("/api/v1", svc.Routes)
	return &testEnv{primary: primary, scores: scores, ledger: lt, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Price tests ---

func TestGetPrice(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodGet, "/api/v1/prices/btc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.PriceResponse](t, w)
	if !resp.Price.Price.Equal(d("100.25")) {
		t.Errorf("price = %s, want 100.25", resp.Price.Price)
	}
	if resp.Price.Provenance != model.ProvenanceTwoSourceAvg {
		t.Errorf("provenance = %s", resp.Price.Provenance)
	}
	if !resp.Stats.High24h.Equal(d("105")) {
		t.Errorf("high_24h = %s, want 105", resp.Stats.High24h)
	}
}

func TestGetPrice_Errors(t *testing.T) {
	e := newTestEnv(t, nil)
	e.primary.SetError("ETH", errors.New("down"))

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/prices/b!tc", http.StatusBadRequest},
		{"/api/v1/prices/ETH", http.StatusBadGateway},
	}
	for _, tt := range tests {
		if w := e.do(t, http.MethodGet, tt.path, nil); w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d: %s", tt.path, tt.want, w.Code, w.Body.String())
		}
	}
}

// --- Portfolio tests ---

func TestPortfolio_NotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, http.MethodGet, "/api/v1/portfolio/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if msg := decode[map[string]string](t, w)["error"]; msg == "" {
		t.Error("expected error message")
	}
}

func TestApplyDecisions_AndPortfolio(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := e.ledger.Open(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, http.MethodPost, "/api/v1/portfolio/alice/decisions", api.DecisionsRequest{
		Decisions: []model.Decision{
			{Asset: "BTC", Action: model.ActionBuy, Price: d("100"), Notional: d("50")},
			{Asset: "ETH", Action: model.ActionSell, Price: d("10")},
			{Asset: "", Action: model.ActionBuy},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[ledger.Result](t, w)
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if len(res.Rejected) != 2 {
		t.Errorf("expected 2 rejections, got %d", len(res.Rejected))
	}

	// Stored view values BTC at average cost; the live view re-verifies.
	sum := decode[ledger.Summary](t, e.do(t, http.MethodGet, "/api/v1/portfolio/alice", nil))
	if !sum.TotalValue.Equal(d("1000")) {
		t.Errorf("total = %s, want 1000", sum.TotalValue)
	}
	live := decode[ledger.Summary](t, e.do(t, http.MethodGet, "/api/v1/portfolio/alice?live=true", nil))
	if !live.TotalValue.Equal(d("1000.125")) {
		t.Errorf("live total = %s, want 1000.125", live.TotalValue)
	}
	if len(live.Positions) != 1 || !live.Positions[0].Price.Equal(d("100.25")) {
		t.Errorf("unexpected positions %+v", live.Positions)
	}

	trades := decode[[]model.Trade](t, e.do(t, http.MethodGet, "/api/v1/portfolio/alice/trades?limit=10", nil))
	if len(trades) != 1 || trades[0].Side != model.SideBuy {
		t.Errorf("unexpected trades %+v", trades)
	}
	history := decode[[]model.Snapshot](t, e.do(t, http.MethodGet, "/api/v1/portfolio/alice/history", nil))
	if len(history) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(history))
	}
}

func TestApplyDecisions_MissingPortfolio(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, http.MethodPost, "/api/v1/portfolio/ghost/decisions", api.DecisionsRequest{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListTrades_BadLimit(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, http.MethodGet, "/api/v1/portfolio/alice/trades?limit=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/v1/portfolio/nobody/trades", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", w.Code, w.Body.String())
	}
}

func TestReset(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/api/v1/portfolio/bob/reset", `{"initial_balance": "600"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	p := decode[model.Portfolio](t, w)
	if !p.CashBalance.Equal(d("600")) || !p.InitialBalance.Equal(d("600")) {
		t.Errorf("unexpected portfolio %+v", p)
	}

	tests := []struct {
		name string
		body string
	}{
		{"zero balance", `{"initial_balance": "0"}`},
		{"negative balance", `{"initial_balance": "-5"}`},
		{"bad json", `{"initial_balance":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, "/api/v1/portfolio/bob/reset", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

// --- Run tests ---

func TestRun(t *testing.T) {
	e := newTestEnv(t, nil)
	e.scores.Set("ETH", 90, "")

	w := e.do(t, http.MethodPost, "/api/v1/runs", api.RunRequest{UserID: "carol", Assets: []string{"eth", "ETH"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[agent.Result](t, w)
	if len(res.Decisions) != 1 || res.Decisions[0].Action != model.ActionBuy {
		t.Fatalf("unexpected decisions %+v", res.Decisions)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Amount.Equal(d("5")) {
		t.Errorf("unexpected trades %+v", res.Trades)
	}
}

func TestRun_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name string
		req  api.RunRequest
	}{
		{"missing user", api.RunRequest{Assets: []string{"BTC"}}},
		{"bad ticker", api.RunRequest{UserID: "carol", Assets: []string{"B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, "/api/v1/runs", tt.req); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

// --- WebSocket tests ---

func TestWSHub_BroadcastsRunEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := api.NewWSHub(nil)
	go hub.Run(ctx)

	e := newTestEnv(t, hub)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.scores.Set("BTC", 80, "")
	if w := e.do(t, http.MethodPost, "/api/v1/runs", api.RunRequest{UserID: "dave", Assets: []string{"BTC"}}); w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for range 2 {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		types = append(types, msg.Type)
	}
	if types[0] != "trade" || types[1] != "snapshot" {
		t.Errorf("unexpected event order %v", types)
	}
}
