// Package score obtains the 0-100 signal for an asset from an external
// scoring service. The score is opaque: only its band matters downstream.
package score

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/telemetry"
)

// DefaultTimeout bounds one scoring call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrOutOfRange is returned for scores outside [0,100].
	ErrOutOfRange = errors.New("score: value out of range")

	// ErrNoScore is returned by Static for assets without a configured score.
	ErrNoScore = errors.New("score: no score for asset")

	// ErrMissingScore is returned when a scoring reply omits the score field.
	ErrMissingScore = errors.New("score: response missing score")
)

// Input is the context sent to the scorer.
type Input struct {
	Asset string               `json:"asset"`
	Price *model.VerifiedPrice `json:"price,omitempty"`
	Stats *model.MarketStats   `json:"stats,omitempty"`
}

// Scorer produces a score for one asset.
type Scorer interface {
	Score(ctx context.Context, in Input) (model.Score, error)
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, in Input) (model.Score, error)

func (f Func) Score(ctx context.Context, in Input) (model.Score, error) { return f(ctx, in) }

// Validate checks the score range.
func Validate(s model.Score) error {
	if s.Value < 0 || s.Value > 100 {
		return fmt.Errorf("%w: %d", ErrOutOfRange, s.Value)
	}
	return nil
}

// HTTPScorer posts Input as JSON and expects {"score": int, "rationale": string}.
type HTTPScorer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPScorer creates a scorer for endpoint. timeout <= 0 selects
// DefaultTimeout.
func NewHTTPScorer(endpoint, apiKey string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPScorer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTPScorer) Score(ctx context.Context, in Input) (_ model.Score, err error) {
	ctx, span := telemetry.StartSpan(ctx, "score.HTTP", attribute.String("asset", in.Asset))
	defer func() { telemetry.EndSpan(span, err) }()

	body, err := json.Marshal(in)
	if err != nil {
		return model.Score{}, fmt.Errorf("score: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Score{}, fmt.Errorf("score: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return model.Score{}, fmt.Errorf("score: %s: %w", in.Asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return model.Score{}, fmt.Errorf("score: %s: http %d: %s", in.Asset, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	// A pointer tells an absent score apart from a genuine 0.
	var reply struct {
		Score     *int   `json:"score"`
		Rationale string `json:"rationale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return model.Score{}, fmt.Errorf("score: %s: decode: %w", in.Asset, err)
	}
	if reply.Score == nil {
		return model.Score{}, fmt.Errorf("%w: %s", ErrMissingScore, in.Asset)
	}
	s := model.Score{Value: *reply.Score, Rationale: reply.Rationale}
	if err := Validate(s); err != nil {
		return model.Score{}, err
	}
	return s, nil
}

// Static returns configured scores. Used for development and testing.
type Static struct {
	mu     sync.Mutex
	scores map[string]model.Score
	errs   map[string]error
}

// NewStatic creates a static scorer with the given values.
func NewStatic(values map[string]int) *Static {
	s := &Static{
		scores: make(map[string]model.Score),
		errs:   make(map[string]error),
	}
	for asset, v := range values {
		s.scores[asset] = model.Score{Value: v, Rationale: "static"}
	}
	return s
}

// Set replaces the score for asset and clears any injected error.
func (s *Static) Set(asset string, value int, rationale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[asset] = model.Score{Value: value, Rationale: rationale}
	delete(s.errs, asset)
}

// SetError makes every call for asset fail with err.
func (s *Static) SetError(asset string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[asset] = err
}

func (s *Static) Score(_ context.Context, in Input) (model.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[in.Asset]; ok {
		return model.Score{}, err
	}
	sc, ok := s.scores[in.Asset]
	if !ok {
		return model.Score{}, fmt.Errorf("%w: %s", ErrNoScore, in.Asset)
	}
	return sc, nil
}
