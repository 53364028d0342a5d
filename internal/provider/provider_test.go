package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFailure_IsUnavailable(t *testing.T) {
	f := fail("x", "BTC", KindDecode, errors.New("boom"))
	assert.True(t, errors.Is(f, ErrUnavailable))
	assert.Equal(t, KindDecode, KindOf(f))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Contains(t, f.Error(), "provider x")
}

func TestTransportFailure_ClassifiesDeadline(t *testing.T) {
	f := transportFailure("x", "BTC", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, f.Kind)
	f = transportFailure("x", "BTC", errors.New("connection refused"))
	assert.Equal(t, KindTransport, f.Kind)
}

// --- Binance ---

func newBinanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"100.00000000"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"symbol":"BTCUSDT","priceChange":"2.5","priceChangePercent":"2.56",`+
			`"lastPrice":"100.0","highPrice":"101.5","lowPrice":"97.2","volume":"10","quoteVolume":"1000.5"}`)
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[`)
		for i := 1; i <= 10; i++ {
			if i > 1 {
				fmt.Fprint(w, `,`)
			}
			fmt.Fprintf(w, `[%d,"1","1","1","%d","1",%d,"1",1,"1","1","0"]`, i*1000, i*10, i*1000+999)
		}
		fmt.Fprint(w, `]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBinance_FetchSpotPrice(t *testing.T) {
	srv := newBinanceServer(t)
	b := NewBinance(srv.URL, time.Second)

	q, err := b.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "binance", q.Provider)
	assert.Equal(t, "BTC", q.Asset)
	assert.True(t, q.Price.Equal(d("100")), "got %s", q.Price)
}

func TestBinance_APIErrorIsStatusFailure(t *testing.T) {
	srv := newBinanceServer(t)
	b := NewBinance(srv.URL, time.Second)

	_, err := b.FetchSpotPrice(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, KindStatus, KindOf(err))
}

func TestBinance_FetchStats(t *testing.T) {
	srv := newBinanceServer(t)
	b := NewBinance(srv.URL, time.Second)

	st, err := b.FetchStats(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, st.High24h.Equal(d("101.5")))
	assert.True(t, st.Low24h.Equal(d("97.2")))
	assert.True(t, st.Change24hPct.Equal(d("2.56")))
	// closes are 10..100; last 7 are 40..100 → mean 70; all 10 → mean 55.
	assert.True(t, st.Avg7d.Equal(d("70")), "avg7d=%s", st.Avg7d)
	assert.True(t, st.Avg30d.Equal(d("55")), "avg30d=%s", st.Avg30d)
	assert.True(t, st.MarketCap.IsZero())
}

// --- CoinGecko ---

func TestCoinGecko_FetchSpotPrice(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-demo-api-key")
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"bitcoin":{"usd":100.5}}`)
	}))
	defer srv.Close()

	c := NewCoinGecko(srv.URL, "demo-key", asset.NewMapper(nil), time.Second)
	q, err := c.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "coingecko", q.Provider)
	assert.True(t, q.Price.Equal(d("100.5")))
	assert.Equal(t, "demo-key", gotKey)
}

func TestCoinGecko_FetchMarketCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_market_cap"))
		fmt.Fprint(w, `{"ethereum":{"usd":3100.2,"usd_market_cap":372500000000.5}}`)
	}))
	defer srv.Close()

	c := NewCoinGecko(srv.URL, "", nil, time.Second)
	mc, err := c.FetchMarketCap(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, mc.Equal(d("372500000000.5")), "got %s", mc)

	var m MarketCapper = WithBudget(c, NewBudget(0, 0))
	mc, err = m.FetchMarketCap(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, mc.Equal(d("372500000000.5")))
}

func TestCoinGecko_MarketCapMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":100}}`)
	}))
	defer srv.Close()

	_, err := NewCoinGecko(srv.URL, "", nil, time.Second).FetchMarketCap(context.Background(), "BTC")
	require.Error(t, err)
	assert.Equal(t, KindMissing, KindOf(err))

	_, err = WithBudget(NewBybit(srv.URL, time.Second), NewBudget(0, 0)).FetchMarketCap(context.Background(), "BTC")
	assert.Equal(t, KindMissing, KindOf(err))
}

func TestCoinGecko_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		ticker  string
		want    Kind
	}{
		{
			name:    "missing field",
			handler: func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{"bitcoin":{}}`) },
			ticker:  "BTC",
			want:    KindMissing,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"status":{"error_code":429}}`)
			},
			ticker: "BTC",
			want:   KindStatus,
		},
		{
			name:    "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `not json`) },
			ticker:  "BTC",
			want:    KindDecode,
		},
		{
			name:    "zero price",
			handler: func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `{"bitcoin":{"usd":0}}`) },
			ticker:  "BTC",
			want:    KindInvalid,
		},
		{
			name:    "unmapped ticker",
			handler: func(w http.ResponseWriter, _ *http.Request) { t.Error("should not be called") },
			ticker:  "ZZZ",
			want:    KindInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewCoinGecko(srv.URL, "", nil, time.Second)
			_, err := c.FetchSpotPrice(context.Background(), tt.ticker)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestCoinGecko_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewCoinGecko(srv.URL, "", nil, 50*time.Millisecond)
	_, err := c.FetchSpotPrice(context.Background(), "BTC")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

// --- Bybit ---

func TestBybit_FetchSpotPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[`+
			`{"symbol":"BTCUSDT","lastPrice":"100.2"}]},"retExtInfo":{},"time":1700000000000}`)
	}))
	defer srv.Close()

	b := NewBybit(srv.URL, time.Second)
	q, err := b.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "bybit", q.Provider)
	assert.True(t, q.Price.Equal(d("100.2")))

	_, err = b.FetchSpotPrice(context.Background(), "ETH")
	require.Error(t, err)
	assert.Equal(t, KindMissing, KindOf(err))
}

// --- Static / Limited ---

func TestStatic_InjectedFailure(t *testing.T) {
	s := NewStatic("fake", map[string]decimal.Decimal{"BTC": d("100")})
	q, err := s.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("100")))

	s.SetError("BTC", errors.New("down"))
	_, err = s.FetchSpotPrice(context.Background(), "BTC")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, 2, s.Calls("BTC"))

	s.SetPrice("BTC", d("101"))
	q, err = s.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("101")))
}

func TestLimited_ForwardsAndHonoursContext(t *testing.T) {
	s := NewStatic("fake", map[string]decimal.Decimal{"BTC": d("100")})
	s.SetStats("BTC", &model.MarketStats{Asset: "BTC", Avg7d: d("99")})

	l := WithBudget(s, NewBudget(0, 0))
	assert.Equal(t, "fake", l.Name())
	_, err := l.FetchSpotPrice(context.Background(), "BTC")
	require.NoError(t, err)
	st, err := l.FetchStats(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, st.Avg7d.Equal(d("99")))

	// An exhausted budget with a cancelled context fails fast as timeout.
	drained := rate.NewLimiter(rate.Every(time.Hour), 1)
	drained.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WithBudget(s, drained).FetchSpotPrice(ctx, "BTC")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}
