package events

import "time"

// Event is implemented by everything published to the fan-out channels.
type Event interface {
	GetType() string
	GetSymbol() string
	GetExchange() string
	GetTimestamp() time.Time
}

// TradeData is a normalized trade from any venue. Timestamp is milliseconds
// since epoch on the exchange clock. TradeID is monotone within a symbol on a
// given venue. IsBuyerMaker true means the aggressor was a seller.
type TradeData struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Timestamp    int64   `json:"timestamp"`
	TradeID      int64   `json:"trade_id"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

func (t *TradeData) GetType() string     { return "trade" }
func (t *TradeData) GetSymbol() string   { return t.Symbol }
func (t *TradeData) GetExchange() string { return t.Exchange }
func (t *TradeData) GetTimestamp() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// IsBuy reports whether the aggressor was a buyer. The sign of a trade is
// derived from IsBuyerMaker only, never from price deltas.
func (t *TradeData) IsBuy() bool { return !t.IsBuyerMaker }

// GapRecord is a missing contiguous range of trade ids for one symbol.
type GapRecord struct {
	ID          int64  `json:"id,omitempty"`
	Exchange    string `json:"exchange"`
	Symbol      string `json:"symbol"`
	FromTradeID int64  `json:"from_trade_id"`
	ToTradeID   int64  `json:"to_trade_id"`
	GapSize     int64  `json:"gap_size"`
	DetectedAt  int64  `json:"detected_at"`
	Synced      bool   `json:"synced"`
	SyncedAt    int64  `json:"synced_at,omitempty"`
}

func (g *GapRecord) GetType() string     { return "gap" }
func (g *GapRecord) GetSymbol() string   { return g.Symbol }
func (g *GapRecord) GetExchange() string { return g.Exchange }
func (g *GapRecord) GetTimestamp() time.Time {
	return time.UnixMilli(g.DetectedAt)
}

// ProcessTradeRequest is a batch of trades routed to the owning worker.
type ProcessTradeRequest struct {
	Symbol string       `json:"symbol"`
	Trades []*TradeData `json:"trades"`
}

// WorkerReady is the startup handshake a worker sends its supervisor.
type WorkerReady struct {
	WorkerID  string `json:"worker_id"`
	Timestamp int64  `json:"timestamp"`
}

// WorkerMetrics is the reply to a SYNC_METRICS probe.
type WorkerMetrics struct {
	WorkerID        string  `json:"worker_id"`
	UptimeMillis    int64   `json:"uptime_ms"`
	MemRSS          uint64  `json:"mem_rss"`
	MemHeapUsed     uint64  `json:"mem_heap_used"`
	CPUUserMillis   int64   `json:"cpu_user_ms"`
	CPUSystemMillis int64   `json:"cpu_system_ms"`
	TradesProcessed int64   `json:"trades_processed_total"`
	EventsPublished int64   `json:"events_published_total"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	ErrorCount      int64   `json:"error_count"`
	LastError       string  `json:"last_error,omitempty"`
}

// QueueMessage is a buffered IPC message awaiting redelivery.
type QueueMessage struct {
	MessageID   string `json:"message_id"`
	Type        string `json:"type"`
	Payload     []byte `json:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at"`
	Processed   bool   `json:"processed"`
	ProcessedAt int64  `json:"processed_at,omitempty"`
}
