package exchanges

import (
	"strconv"
	"time"

	"flowtrace/internal/events"
)

// Connector is one live WebSocket subscription to an exchange's trade
// streams. Implementations own a read goroutine and a ping loop and deliver
// normalized trades until closed.
type Connector interface {
	Start() error
	Trades() <-chan *events.TradeData
	Done() <-chan struct{}
	Close() error
	IsConnected() bool
	OpenedAt() time.Time
}

// Factory opens a fresh connection. The rotator uses it to spawn overlap
// secondaries and passes nil symbols; the ingestor's factory ignores the
// argument and subscribes to its feed's configured symbols.
type Factory func(symbols []string) Connector

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
