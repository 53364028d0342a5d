package asset

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"BTC", "BTC"},
		{"btc", "BTC"},
		{"  eth ", "ETH"},
		{"BTCUSDT", "BTC"},
		{"sol/usdt", "SOL"},
		{"DOGE-USDT", "DOGE"},
		{"1INCH", "1INCH"},
		{"USDT", "USDT"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC ETH",
		"BTC$",
		"AVERYLONGTICKERNAME",
	}
	for _, ticker := range tests {
		_, err := Parse(ticker)
		if !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("expected ErrInvalidTicker for %q, got %v", ticker, err)
		}
	}
}

func TestParseAll_DedupesInOrder(t *testing.T) {
	got, err := ParseAll([]string{"eth", "BTC", "ETHUSDT", "sol"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"ETH", "BTC", "SOL"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestParseAll_RejectsInvalid(t *testing.T) {
	if _, err := ParseAll([]string{"BTC", "??"}); err == nil {
		t.Error("expected error for invalid ticker in list")
	}
}

func TestPairSymbol(t *testing.T) {
	if got := PairSymbol("BTC"); got != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", got)
	}
}

func TestMapper_CoinGeckoID(t *testing.T) {
	m := NewMapper(map[string]string{"pepe": "Pepe", "btc": "bitcoin-override"})

	id, err := m.CoinGeckoID("ETH")
	if err != nil || id != "ethereum" {
		t.Errorf("expected ethereum, got %q (%v)", id, err)
	}
	id, err = m.CoinGeckoID("PEPE")
	if err != nil || id != "pepe" {
		t.Errorf("expected override pepe, got %q (%v)", id, err)
	}
	id, _ = m.CoinGeckoID("BTC")
	if id != "bitcoin-override" {
		t.Errorf("expected override to win, got %q", id)
	}
	if _, err := m.CoinGeckoID("ZZZ"); !errors.Is(err, ErrUnmapped) {
		t.Errorf("expected ErrUnmapped, got %v", err)
	}
}
