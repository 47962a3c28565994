package exchanges

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowtrace/internal/events"
)

const bybitWSDefault = "wss://stream.bybit.com/v5/public/linear"

// BybitConnector handles a WebSocket connection to Bybit v5 public trade
// topics.
type BybitConnector struct {
	symbols  []string
	wsURL    string
	logger   *zap.Logger
	conn     *websocket.Conn
	openedAt time.Time

	mu        sync.RWMutex
	connected bool

	trades chan *events.TradeData
	done   chan struct{}
	closed sync.Once
	stop   chan struct{}
}

type bybitMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTrade struct {
	ExecID string `json:"i"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	Side   string `json:"S"`
	Time   int64  `json:"T"`
}

// NewBybitConnector creates a connector for the given symbols.
func NewBybitConnector(symbols []string, wsURL string, logger *zap.Logger) *BybitConnector {
	if wsURL == "" {
		wsURL = bybitWSDefault
	}
	return &BybitConnector{
		symbols: symbols,
		wsURL:   wsURL,
		logger:  logger.Named("bybit"),
		trades:  make(chan *events.TradeData, 20000),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Start dials the socket, subscribes the publicTrade topics and begins the
// read and ping loops.
func (bc *BybitConnector) Start() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	headers := http.Header{}
	headers.Set("User-Agent", "flowtrace/1.0")

	conn, _, err := dialer.Dial(bc.wsURL, headers)
	if err != nil {
		return fmt.Errorf("bybit dial: %w", err)
	}

	args := make([]string, 0, len(bc.symbols))
	for _, sym := range bc.symbols {
		args = append(args, "publicTrade."+strings.ToUpper(sym))
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("bybit subscribe: %w", err)
	}

	conn.SetReadLimit(655350)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	bc.mu.Lock()
	bc.conn = conn
	bc.connected = true
	bc.openedAt = time.Now()
	bc.mu.Unlock()

	go bc.readMessages()
	go bc.pingLoop()

	bc.logger.Info("connected", zap.Int("symbols", len(bc.symbols)))
	return nil
}

func (bc *BybitConnector) readMessages() {
	defer bc.markClosed()

	for {
		_, message, err := bc.conn.ReadMessage()
		if err != nil {
			select {
			case <-bc.stop:
			default:
				bc.logger.Error("read error", zap.Error(err))
			}
			return
		}

		var msg bybitMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if !strings.HasPrefix(msg.Topic, "publicTrade.") {
			continue
		}

		var list []bybitTrade
		if err := json.Unmarshal(msg.Data, &list); err != nil {
			bc.logger.Debug("bad trade payload", zap.Error(err))
			continue
		}

		for _, tr := range list {
			trade := &events.TradeData{
				Exchange:  "bybit",
				Symbol:    strings.ToUpper(tr.Symbol),
				Price:     parseFloat(tr.Price),
				Quantity:  parseFloat(tr.Size),
				Timestamp: tr.Time,
				// Bybit exec ids are not numeric for every market; a zero
				// id opts the trade out of gap tracking.
				TradeID:      parseInt(tr.ExecID),
				IsBuyerMaker: strings.EqualFold(tr.Side, "Sell"),
			}
			select {
			case bc.trades <- trade:
			default:
				bc.logger.Warn("trade channel full, dropping",
					zap.String("symbol", trade.Symbol))
			}
		}
	}
}

func (bc *BybitConnector) pingLoop() {
	// Bybit expects an application-level ping op.
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-bc.stop:
			return
		case <-bc.done:
			return
		case <-ticker.C:
			bc.mu.RLock()
			conn, connected := bc.conn, bc.connected
			bc.mu.RUnlock()
			if connected && conn != nil {
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					bc.logger.Error("ping failed", zap.Error(err))
				}
			}
		}
	}
}

func (bc *BybitConnector) markClosed() {
	bc.mu.Lock()
	bc.connected = false
	if bc.conn != nil {
		bc.conn.Close()
	}
	bc.mu.Unlock()
	bc.closed.Do(func() { close(bc.done) })
}

// Trades delivers normalized trades.
func (bc *BybitConnector) Trades() <-chan *events.TradeData { return bc.trades }

// Done closes when the connection ends for any reason.
func (bc *BybitConnector) Done() <-chan struct{} { return bc.done }

// IsConnected reports the socket state.
func (bc *BybitConnector) IsConnected() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.connected
}

// OpenedAt is when the socket opened.
func (bc *BybitConnector) OpenedAt() time.Time {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.openedAt
}

// Close closes the connection.
func (bc *BybitConnector) Close() error {
	select {
	case <-bc.stop:
	default:
		close(bc.stop)
	}

	bc.mu.Lock()
	if bc.conn != nil {
		bc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		bc.conn.Close()
	}
	bc.connected = false
	bc.mu.Unlock()

	bc.closed.Do(func() { close(bc.done) })
	bc.logger.Info("connection closed")
	return nil
}
