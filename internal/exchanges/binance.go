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

const binanceWSBase = "wss://fstream.binance.com/stream?streams="

// BinanceConnector handles a combined-stream WebSocket connection to
// Binance futures trade streams.
type BinanceConnector struct {
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

// binanceTradeData is the combined-stream trade payload.
type binanceTradeData struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType    string `json:"e"`
		EventTime    int64  `json:"E"`
		Symbol       string `json:"s"`
		TradeID      int64  `json:"t"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// NewBinanceConnector creates a connector for the given symbols. An empty
// wsURL takes the production futures endpoint.
func NewBinanceConnector(symbols []string, wsURL string, logger *zap.Logger) *BinanceConnector {
	if wsURL == "" {
		wsURL = binanceWSBase
	}
	return &BinanceConnector{
		symbols: symbols,
		wsURL:   wsURL,
		logger:  logger.Named("binance"),
		trades:  make(chan *events.TradeData, 20000),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Start dials the combined stream and begins the read and ping loops.
func (bc *BinanceConnector) Start() error {
	streams := make([]string, 0, len(bc.symbols))
	for _, sym := range bc.symbols {
		streams = append(streams, fmt.Sprintf("%s@trade", strings.ToLower(sym)))
	}
	wsURL := bc.wsURL + strings.Join(streams, "/")

	bc.logger.Info("connecting",
		zap.Int("symbols", len(bc.symbols)),
		zap.String("url", wsURL))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	headers := http.Header{}
	headers.Set("User-Agent", "flowtrace/1.0")

	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("binance dial: %w", err)
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

	bc.logger.Info("connected")
	return nil
}

func (bc *BinanceConnector) readMessages() {
	defer bc.markClosed()

	for {
		msgType, message, err := bc.conn.ReadMessage()
		if err != nil {
			select {
			case <-bc.stop:
			default:
				bc.logger.Error("read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var data binanceTradeData
		if err := json.Unmarshal(message, &data); err != nil || data.Data.EventType != "trade" {
			continue
		}

		trade := &events.TradeData{
			Exchange:     "binance",
			Symbol:       strings.ToUpper(data.Data.Symbol),
			Price:        parseFloat(data.Data.Price),
			Quantity:     parseFloat(data.Data.Quantity),
			Timestamp:    data.Data.TradeTime,
			TradeID:      data.Data.TradeID,
			IsBuyerMaker: data.Data.IsBuyerMaker,
		}
		select {
		case bc.trades <- trade:
		default:
			bc.logger.Warn("trade channel full, dropping",
				zap.String("symbol", trade.Symbol))
		}
	}
}

func (bc *BinanceConnector) pingLoop() {
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
				if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					bc.logger.Error("ping failed", zap.Error(err))
				}
			}
		}
	}
}

func (bc *BinanceConnector) markClosed() {
	bc.mu.Lock()
	bc.connected = false
	if bc.conn != nil {
		bc.conn.Close()
	}
	bc.mu.Unlock()
	bc.closed.Do(func() { close(bc.done) })
}

// Trades delivers normalized trades.
func (bc *BinanceConnector) Trades() <-chan *events.TradeData { return bc.trades }

// Done closes when the connection ends for any reason.
func (bc *BinanceConnector) Done() <-chan struct{} { return bc.done }

// IsConnected reports the socket state.
func (bc *BinanceConnector) IsConnected() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.connected
}

// OpenedAt is when the socket opened; the rotator schedules off it.
func (bc *BinanceConnector) OpenedAt() time.Time {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.openedAt
}

// Close closes the connection.
func (bc *BinanceConnector) Close() error {
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
