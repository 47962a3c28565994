package symbols

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the registry-side lifecycle of a symbol.
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusDelisted      Status = "delisted"
	StatusPendingReview Status = "pending_review"
)

var ErrNotActivatable = errors.New("symbol does not meet activation preconditions")

// Venue metadata is a tagged variant: exactly one of the venue structs is
// set, matching the exchange the symbol trades on.
type BinanceMeta struct {
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"` // venue-native, "TRADING" when live
}

type BybitMeta struct {
	BaseCoin  string `json:"base_coin"`
	QuoteCoin string `json:"quote_coin"`
	Status    string `json:"status"` // "Trading" when live
}

type OKXMeta struct {
	BaseCcy  string `json:"base_ccy"`
	QuoteCcy string `json:"quote_ccy"`
	State    string `json:"state"` // "live" when live
}

type VenueMeta struct {
	Binance *BinanceMeta `json:"binance,omitempty"`
	Bybit   *BybitMeta   `json:"bybit,omitempty"`
	OKX     *OKXMeta     `json:"okx,omitempty"`
}

// venueLive reports whether the exchange-native status permits streaming.
func (m VenueMeta) venueLive() bool {
	switch {
	case m.Binance != nil:
		return m.Binance.Status == "TRADING"
	case m.Bybit != nil:
		return m.Bybit.Status == "Trading"
	case m.OKX != nil:
		return m.OKX.State == "live"
	}
	return false
}

func (m VenueMeta) present() bool {
	return m.Binance != nil || m.Bybit != nil || m.OKX != nil
}

// Symbol is one registry entry, identified by "exchange:symbol".
type Symbol struct {
	ID                string    `json:"id"`
	Exchange          string    `json:"exchange"`
	Symbol            string    `json:"symbol"`
	TickValue         float64   `json:"tick_value"`
	BinMultiplier     int64     `json:"bin_multiplier"`
	PricePrecision    int       `json:"price_precision"`
	QuantityPrecision int       `json:"quantity_precision"`
	Status            Status    `json:"status"`
	EnabledByAdmin    bool      `json:"enabled_by_admin"`
	IsStreaming       bool      `json:"is_streaming"`
	IsProcessing      bool      `json:"is_processing"`
	Meta              VenueMeta `json:"meta"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Activatable checks the activation precondition: admin-enabled, not
// delisted, venue metadata present, and the venue-native status live.
func (s *Symbol) Activatable() bool {
	return s.EnabledByAdmin &&
		s.Status != StatusDelisted &&
		s.Meta.present() &&
		s.Meta.venueLive()
}

// Registry is the in-process symbol registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Symbol
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Symbol)}
}

func key(exchange, symbol string) string { return exchange + ":" + symbol }

// Upsert inserts or replaces an entry, stamping timestamps and the id.
func (r *Registry) Upsert(s *Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.ID = key(s.Exchange, s.Symbol)
	now := time.Now()
	if existing, ok := r.entries[s.ID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.entries[s.ID] = s
}

// Get returns an entry, or nil when absent.
func (r *Registry) Get(exchange, symbol string) *Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key(exchange, symbol)]
}

// Activate moves a symbol to active after checking the precondition.
func (r *Registry) Activate(exchange, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[key(exchange, symbol)]
	if !ok {
		return fmt.Errorf("symbol %s:%s not registered", exchange, symbol)
	}
	if !s.Activatable() {
		return fmt.Errorf("%w: %s:%s", ErrNotActivatable, exchange, symbol)
	}
	s.Status = StatusActive
	s.UpdatedAt = time.Now()
	return nil
}

// Deactivate moves a symbol to inactive and clears its flow flags.
func (r *Registry) Deactivate(exchange, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.entries[key(exchange, symbol)]; ok {
		s.Status = StatusInactive
		s.IsStreaming = false
		s.IsProcessing = false
		s.UpdatedAt = time.Now()
	}
}

// SetFlow updates the streaming/processing flags.
func (r *Registry) SetFlow(exchange, symbol string, streaming, processing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.entries[key(exchange, symbol)]; ok {
		s.IsStreaming = streaming
		s.IsProcessing = processing
		s.UpdatedAt = time.Now()
	}
}

// Active lists the active entries sorted by id.
func (r *Registry) Active() []*Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Symbol
	for _, s := range r.entries {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All lists every entry sorted by id.
func (r *Registry) All() []*Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Symbol, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
