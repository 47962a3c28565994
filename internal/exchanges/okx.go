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

const okxWSDefault = "wss://ws.okx.com:8443/ws/v5/public"

// OKXConnector handles a WebSocket connection to OKX public trade channels.
// OKX instrument ids use a dash (BTC-USDT); symbols are normalized back to
// the venue-free form on emission.
type OKXConnector struct {
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

type okxMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

type okxTrade struct {
	InstID    string `json:"instId"`
	TradeID   string `json:"tradeId"`
	Price     string `json:"px"`
	Size      string `json:"sz"`
	Side      string `json:"side"`
	Timestamp string `json:"ts"`
}

// NewOKXConnector creates a connector for the given symbols.
func NewOKXConnector(symbols []string, wsURL string, logger *zap.Logger) *OKXConnector {
	if wsURL == "" {
		wsURL = okxWSDefault
	}
	return &OKXConnector{
		symbols: symbols,
		wsURL:   wsURL,
		logger:  logger.Named("okx"),
		trades:  make(chan *events.TradeData, 20000),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// instID converts BTCUSDT to BTC-USDT the way OKX spells linear swaps.
func instID(symbol string) string {
	sym := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "-" + quote
		}
	}
	return sym
}

// Start dials the socket, subscribes the trades channels and begins the
// read and ping loops.
func (oc *OKXConnector) Start() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	headers := http.Header{}
	headers.Set("User-Agent", "flowtrace/1.0")

	conn, _, err := dialer.Dial(oc.wsURL, headers)
	if err != nil {
		return fmt.Errorf("okx dial: %w", err)
	}

	args := make([]map[string]string, 0, len(oc.symbols))
	for _, sym := range oc.symbols {
		args = append(args, map[string]string{"channel": "trades", "instId": instID(sym)})
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("okx subscribe: %w", err)
	}

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	oc.mu.Lock()
	oc.conn = conn
	oc.connected = true
	oc.openedAt = time.Now()
	oc.mu.Unlock()

	go oc.readMessages()
	go oc.pingLoop()

	oc.logger.Info("connected", zap.Int("symbols", len(oc.symbols)))
	return nil
}

func (oc *OKXConnector) readMessages() {
	defer oc.markClosed()

	for {
		_, message, err := oc.conn.ReadMessage()
		if err != nil {
			select {
			case <-oc.stop:
			default:
				oc.logger.Error("read error", zap.Error(err))
			}
			return
		}
		// OKX answers pings with a literal "pong"
		if string(message) == "pong" {
			oc.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			continue
		}

		var msg okxMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Arg.Channel != "trades" {
			continue
		}

		for _, raw := range msg.Data {
			var tr okxTrade
			if err := json.Unmarshal(raw, &tr); err != nil {
				continue
			}
			trade := &events.TradeData{
				Exchange:     "okx",
				Symbol:       strings.ReplaceAll(strings.ToUpper(tr.InstID), "-", ""),
				Price:        parseFloat(tr.Price),
				Quantity:     parseFloat(tr.Size),
				Timestamp:    parseInt(tr.Timestamp),
				TradeID:      parseInt(tr.TradeID),
				IsBuyerMaker: strings.EqualFold(tr.Side, "sell"),
			}
			select {
			case oc.trades <- trade:
			default:
				oc.logger.Warn("trade channel full, dropping",
					zap.String("symbol", trade.Symbol))
			}
		}
	}
}

func (oc *OKXConnector) pingLoop() {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-oc.stop:
			return
		case <-oc.done:
			return
		case <-ticker.C:
			oc.mu.RLock()
			conn, connected := oc.conn, oc.connected
			oc.mu.RUnlock()
			if connected && conn != nil {
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					oc.logger.Error("ping failed", zap.Error(err))
				}
			}
		}
	}
}

func (oc *OKXConnector) markClosed() {
	oc.mu.Lock()
	oc.connected = false
	if oc.conn != nil {
		oc.conn.Close()
	}
	oc.mu.Unlock()
	oc.closed.Do(func() { close(oc.done) })
}

// Trades delivers normalized trades.
func (oc *OKXConnector) Trades() <-chan *events.TradeData { return oc.trades }

// Done closes when the connection ends for any reason.
func (oc *OKXConnector) Done() <-chan struct{} { return oc.done }

// IsConnected reports the socket state.
func (oc *OKXConnector) IsConnected() bool {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	return oc.connected
}

// OpenedAt is when the socket opened.
func (oc *OKXConnector) OpenedAt() time.Time {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	return oc.openedAt
}

// Close closes the connection.
func (oc *OKXConnector) Close() error {
	select {
	case <-oc.stop:
	default:
		close(oc.stop)
	}

	oc.mu.Lock()
	if oc.conn != nil {
		oc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		oc.conn.Close()
	}
	oc.connected = false
	oc.mu.Unlock()

	oc.closed.Do(func() { close(oc.done) })
	oc.logger.Info("connection closed")
	return nil
}
