package symbols

import (
	"errors"
	"testing"
)

func tradingSymbol() *Symbol {
	return &Symbol{
		Exchange:       "binance",
		Symbol:         "BTCUSDT",
		TickValue:      0.1,
		BinMultiplier:  1,
		Status:         StatusInactive,
		EnabledByAdmin: true,
		Meta: VenueMeta{Binance: &BinanceMeta{
			BaseAsset: "BTC", QuoteAsset: "USDT", Status: "TRADING",
		}},
	}
}

func TestActivationPrecondition(t *testing.T) {
	r := NewRegistry()
	r.Upsert(tradingSymbol())

	if err := r.Activate("binance", "BTCUSDT"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := r.Get("binance", "BTCUSDT"); got.Status != StatusActive {
		t.Errorf("status: %s", got.Status)
	}
}

func TestActivationRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Symbol)
	}{
		{"not admin enabled", func(s *Symbol) { s.EnabledByAdmin = false }},
		{"delisted", func(s *Symbol) { s.Status = StatusDelisted }},
		{"no venue metadata", func(s *Symbol) { s.Meta = VenueMeta{} }},
		{"venue halted", func(s *Symbol) { s.Meta.Binance.Status = "BREAK" }},
	}
	for _, tc := range cases {
		r := NewRegistry()
		s := tradingSymbol()
		tc.mutate(s)
		r.Upsert(s)
		if err := r.Activate("binance", "BTCUSDT"); !errors.Is(err, ErrNotActivatable) {
			t.Errorf("%s: expected ErrNotActivatable, got %v", tc.name, err)
		}
	}

	r := NewRegistry()
	if err := r.Activate("binance", "NOSUCH"); err == nil {
		t.Error("unregistered symbol must not activate")
	}
}

func TestVenueVariants(t *testing.T) {
	bybit := &Symbol{
		Exchange: "bybit", Symbol: "BTCUSDT", EnabledByAdmin: true,
		Meta: VenueMeta{Bybit: &BybitMeta{BaseCoin: "BTC", QuoteCoin: "USDT", Status: "Trading"}},
	}
	okx := &Symbol{
		Exchange: "okx", Symbol: "BTCUSDT", EnabledByAdmin: true,
		Meta: VenueMeta{OKX: &OKXMeta{BaseCcy: "BTC", QuoteCcy: "USDT", State: "live"}},
	}
	for _, s := range []*Symbol{bybit, okx} {
		if !s.Activatable() {
			t.Errorf("%s: expected activatable", s.Exchange)
		}
	}

	okx.Meta.OKX.State = "suspend"
	if okx.Activatable() {
		t.Error("suspended okx symbol must not be activatable")
	}
}

func TestDeactivateClearsFlow(t *testing.T) {
	r := NewRegistry()
	r.Upsert(tradingSymbol())
	r.Activate("binance", "BTCUSDT")
	r.SetFlow("binance", "BTCUSDT", true, true)

	if len(r.Active()) != 1 {
		t.Fatal("expected one active symbol")
	}

	r.Deactivate("binance", "BTCUSDT")
	s := r.Get("binance", "BTCUSDT")
	if s.Status != StatusInactive || s.IsStreaming || s.IsProcessing {
		t.Errorf("deactivation incomplete: %+v", s)
	}
	if len(r.Active()) != 0 {
		t.Error("deactivated symbol still listed active")
	}
}
