package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/ingestor"
	"flowtrace/internal/ipc"
	"flowtrace/internal/publisher"
	"flowtrace/internal/supervisor"
	"flowtrace/internal/symbols"
	"flowtrace/pkg/broadcaster"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_]{3,30}$`)

// Server is the REST and streaming façade over the pipeline: historical
// candles and gap reports come from the persistence service, live candle
// events stream over /ws.
type Server struct {
	store    *ipc.Client
	sup      *supervisor.Supervisor
	ing      *ingestor.Ingestor
	pub      *publisher.RedisPublisher
	bcast    *broadcaster.Broadcaster
	registry *symbols.Registry
	logger   *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New wires the façade.
func New(store *ipc.Client, sup *supervisor.Supervisor, ing *ingestor.Ingestor, pub *publisher.RedisPublisher, bcast *broadcaster.Broadcaster, registry *symbols.Registry, logger *zap.Logger) *Server {
	return &Server{
		store:    store,
		sup:      sup,
		ing:      ing,
		pub:      pub,
		bcast:    bcast,
		registry: registry,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
	}
}

// Start serves the API on the given port.
func (s *Server) Start(port string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/candles", s.handleCandles)
	mux.HandleFunc("/api/gaps", s.handleGaps)
	mux.HandleFunc("/api/symbols", s.handleSymbols)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{Addr: ":" + port, Handler: mux}
	s.logger.Info("api server starting", zap.String("port", port))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the API down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// query runs one persistence request, mapping failure classes to HTTP per
// the error taxonomy: precondition 400 (caller side), timeout 504,
// transient transport 503, everything else 500.
func (s *Server) query(w http.ResponseWriter, r *http.Request, msgType, action string, payload interface{}, out interface{}) bool {
	strict := r.URL.Query().Get("strict") == "1"

	msg, err := ipc.NewMessage(msgType, action, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	resp, err := s.store.Request(r.Context(), msg, 10*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, ipc.ErrNotConnected), errors.Is(err, ipc.ErrConnectionClosed):
			if strict {
				writeError(w, http.StatusServiceUnavailable, "persistence unavailable")
			} else {
				// Degraded mode: empty result with the flag, not a 5xx.
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"data":                    []interface{}{},
					"persistence_unavailable": true,
				})
			}
		case errors.Is(err, ipc.ErrRequestTimeout):
			writeError(w, http.StatusGatewayTimeout, "persistence timeout")
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return false
	}
	if !resp.Success {
		writeError(w, http.StatusInternalServerError, resp.Error)
		return false
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			writeError(w, http.StatusInternalServerError, "undecodable persistence reply")
			return false
		}
	}
	return true
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := q.Get("exchange")
	symbol := q.Get("symbol")
	timeframe := q.Get("timeframe")

	if exchange == "" || !symbolPattern.MatchString(symbol) {
		writeError(w, http.StatusBadRequest, "exchange and a valid symbol are required")
		return
	}
	if _, ok := candle.TimeframeByName(timeframe); !ok {
		writeError(w, http.StatusBadRequest, "unknown timeframe")
		return
	}

	start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("end"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	var candles []*candle.FootprintCandle
	if !s.query(w, r, ipc.TypeCandle, "find_by_symbol", map[string]interface{}{
		"exchange": exchange, "symbol": symbol, "timeframe": timeframe,
		"start": start, "end": end, "limit": limit,
	}, &candles) {
		return
	}
	if candles == nil {
		candles = []*candle.FootprintCandle{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchange":  exchange,
		"symbol":    symbol,
		"timeframe": timeframe,
		"count":     len(candles),
		"candles":   candles,
	})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payload := map[string]interface{}{}
	if ex := q.Get("exchange"); ex != "" {
		payload["exchange"] = ex
	}
	if sym := q.Get("symbol"); sym != "" {
		if !symbolPattern.MatchString(sym) {
			writeError(w, http.StatusBadRequest, "invalid symbol")
			return
		}
		payload["symbol"] = sym
	}
	if v := q.Get("synced"); v != "" {
		payload["synced"] = v == "1" || v == "true"
	}
	if limit, _ := strconv.Atoi(q.Get("limit")); limit > 0 {
		payload["limit"] = limit
	}

	var gaps []json.RawMessage
	if !s.query(w, r, ipc.TypeGap, "gap_load", payload, &gaps) {
		return
	}
	if gaps == nil {
		gaps = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(gaps),
		"gaps":  gaps,
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": []interface{}{}})
		return
	}
	list := s.registry.All()
	if r.URL.Query().Get("active") == "1" {
		list = s.registry.Active()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(list),
		"symbols": list,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"workers":     s.sup.Status(),
		"ready_count": s.sup.ReadyCount(),
		"ring_size":   s.sup.Ring().Size(),
		"persistence": s.store.IsConnected(),
	}
	if s.pub != nil {
		status["publisher"] = s.pub.Stats()
	}
	if s.ing != nil {
		rotations := map[string]interface{}{}
		for _, ex := range []string{"binance", "bybit", "okx"} {
			if rot, ok := s.ing.Rotator(ex); ok {
				rotations[ex] = map[string]interface{}{
					"state":            rot.State(),
					"failed_rotations": rot.FailedRotations(),
				}
			}
		}
		status["rotations"] = rotations
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "flowtrace",
		"workers": s.sup.ReadyCount(),
	})
}

// handleWS upgrades a subscriber onto the candle event stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	s.bcast.Register(conn)
	defer s.bcast.Unregister(conn)

	// Reads keep the connection alive and detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("subscriber dropped",
					zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
	}
}
