package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
	"flowtrace/internal/ipc"
)

// Read queries are cancelled past this deadline and return Timeout to the
// caller.
const queryDeadline = 5 * time.Second

// Publisher is where the queue dispatcher forwards buffered messages.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// ServiceConfig tunes the persistence service.
type ServiceConfig struct {
	SocketPath     string
	DBPath         string
	DequeueBatch   int           // default 50
	DispatchEvery  time.Duration // default 1s
	CleanupEvery   time.Duration // default 1h
	QueueRetention time.Duration // default 24h
}

func (c *ServiceConfig) fillDefaults() {
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = DefaultDequeueBatch
	}
	if c.DispatchEvery <= 0 {
		c.DispatchEvery = time.Second
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Hour
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = DefaultRetentionHrs * time.Hour
	}
}

// Service is the single-process persistence service: it terminates the
// framed socket, owns the runtime database and the candle store, and runs
// the queue dispatcher.
type Service struct {
	cfg       ServiceConfig
	logger    *zap.Logger
	db        *DB
	states    *StateStore
	gaps      *GapStore
	queue     *QueueStore
	candles   *CandleStore
	server    *ipc.Server
	publisher Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService opens the database and prepares (but does not start) the
// service. publisher may be nil; queued messages then wait in the buffer.
func NewService(cfg ServiceConfig, publisher Publisher, logger *zap.Logger) (*Service, error) {
	cfg.fillDefaults()

	db, err := OpenDB(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		logger:    logger.Named("persist"),
		db:        db,
		states:    NewStateStore(db),
		gaps:      NewGapStore(db),
		queue:     NewQueueStore(db),
		candles:   NewCandleStore(db),
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.server = ipc.NewServer(cfg.SocketPath, s.handle, logger)
	return s, nil
}

// Start binds the socket and launches the dispatcher and cleanup loops.
func (s *Service) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("persistence socket: %w", err)
	}

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.cleanupLoop()

	s.logger.Info("persistence service started",
		zap.String("socket", s.cfg.SocketPath),
		zap.String("db", s.cfg.DBPath))
	return nil
}

// Stop shuts the service down: socket first, then loops, then the database.
func (s *Service) Stop() error {
	s.server.Close()
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

// Stores exposes the underlying stores for in-process readers (API facade).
func (s *Service) Stores() (*StateStore, *GapStore, *QueueStore, *CandleStore) {
	return s.states, s.gaps, s.queue, s.candles
}

// ---------------------------------------------------------------------------
// Action dispatch
// ---------------------------------------------------------------------------

type stateSavePayload struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	StateJSON json.RawMessage `json:"state_json"`
}

type stateSaveBatchPayload struct {
	States []stateSavePayload `json:"states"`
}

type stateLoadPayload struct {
	Exchange string   `json:"exchange"`
	Symbol   string   `json:"symbol,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

type gapMarkSyncedPayload struct {
	IDs []int64 `json:"ids"`
}

type queueEnqueuePayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type queueDequeuePayload struct {
	N int `json:"n"`
}

type queueMarkProcessedPayload struct {
	MessageID string `json:"message_id"`
}

type candleAppendPayload struct {
	Candles []*candle.FootprintCandle `json:"candles"`
}

func (s *Service) handle(ctx context.Context, msg *ipc.Message) *ipc.Response {
	ctx, cancelQuery := context.WithTimeout(ctx, queryDeadline)
	defer cancelQuery()

	var (
		data interface{}
		err  error
	)
	switch msg.Type {
	case ipc.TypeState:
		data, err = s.handleState(ctx, msg)
	case ipc.TypeGap:
		data, err = s.handleGap(ctx, msg)
	case ipc.TypeCandle:
		data, err = s.handleCandle(ctx, msg)
	case ipc.TypeControl:
		data, err = s.handleControl(ctx, msg)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout: %w", err)
		}
		s.logger.Warn("action failed",
			zap.String("type", msg.Type),
			zap.String("action", msg.Action),
			zap.Error(err))
		return ipc.ErrResponse(msg, err)
	}
	resp, err := ipc.OkResponse(msg, data)
	if err != nil {
		return ipc.ErrResponse(msg, err)
	}
	return resp
}

func (s *Service) handleState(ctx context.Context, msg *ipc.Message) (interface{}, error) {
	switch msg.Action {
	case "save":
		var p stateSavePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode save payload: %w", err)
		}
		return nil, s.states.Save(ctx, p.Exchange, p.Symbol, p.StateJSON)
	case "save_batch":
		var p stateSaveBatchPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode save_batch payload: %w", err)
		}
		rows := make([]StateRow, len(p.States))
		for i, st := range p.States {
			rows[i] = StateRow{Exchange: st.Exchange, Symbol: st.Symbol, StateJSON: st.StateJSON}
		}
		return nil, s.states.SaveBatch(ctx, rows)
	case "load":
		var p stateLoadPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode load payload: %w", err)
		}
		return s.states.Load(ctx, p.Exchange, p.Symbol)
	case "load_batch":
		var p stateLoadPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode load_batch payload: %w", err)
		}
		return s.states.LoadBatch(ctx, p.Exchange, p.Symbols)
	case "load_all":
		return s.states.LoadAll(ctx)
	default:
		return nil, fmt.Errorf("unknown state action %q", msg.Action)
	}
}

func (s *Service) handleGap(ctx context.Context, msg *ipc.Message) (interface{}, error) {
	switch msg.Action {
	case "gap_save":
		var g events.GapRecord
		if err := json.Unmarshal(msg.Payload, &g); err != nil {
			return nil, fmt.Errorf("decode gap payload: %w", err)
		}
		return nil, s.gaps.Save(ctx, &g)
	case "gap_load":
		var f GapFilter
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			return nil, fmt.Errorf("decode gap filter: %w", err)
		}
		return s.gaps.Load(ctx, f)
	case "gap_mark_synced":
		var p gapMarkSyncedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode gap ids: %w", err)
		}
		return nil, s.gaps.MarkSynced(ctx, p.IDs)
	default:
		return nil, fmt.Errorf("unknown gap action %q", msg.Action)
	}
}

func (s *Service) handleCandle(ctx context.Context, msg *ipc.Message) (interface{}, error) {
	switch msg.Action {
	case "append":
		var p candleAppendPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode append payload: %w", err)
		}
		return nil, s.candles.Append(ctx, p.Candles)
	case "find_by_symbol":
		var q CandleQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode candle query: %w", err)
		}
		return s.candles.FindBySymbol(ctx, q)
	case "count":
		var q CandleQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode candle query: %w", err)
		}
		return s.candles.Count(ctx, q)
	case "find_latest":
		var q CandleQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode candle query: %w", err)
		}
		return s.candles.FindLatest(ctx, q.Exchange, q.Symbol, q.Timeframe)
	default:
		return nil, fmt.Errorf("unknown candle action %q", msg.Action)
	}
}

// handleControl covers the queue actions and liveness pings.
func (s *Service) handleControl(ctx context.Context, msg *ipc.Message) (interface{}, error) {
	switch msg.Action {
	case "ping":
		return map[string]string{"status": "ok"}, nil
	case "enqueue":
		var p queueEnqueuePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode enqueue payload: %w", err)
		}
		id, err := s.queue.Enqueue(ctx, p.Type, p.Payload)
		if err != nil {
			return nil, err
		}
		return map[string]string{"message_id": id}, nil
	case "dequeue":
		var p queueDequeuePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode dequeue payload: %w", err)
		}
		return s.queue.Dequeue(ctx, p.N)
	case "mark_processed":
		var p queueMarkProcessedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode mark_processed payload: %w", err)
		}
		return nil, s.queue.MarkProcessed(ctx, p.MessageID)
	case "cleanup":
		n, err := s.queue.Cleanup(ctx, s.cfg.QueueRetention)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"purged": n}, nil
	default:
		return nil, fmt.Errorf("unknown control action %q", msg.Action)
	}
}

// ---------------------------------------------------------------------------
// Background loops
// ---------------------------------------------------------------------------

// dispatchLoop drains the message buffer toward subscribers: at-least-once,
// acknowledged rows are marked processed.
func (s *Service) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DispatchEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.publisher == nil {
				continue
			}
			s.dispatchPending()
		}
	}
}

func (s *Service) dispatchPending() {
	ctx, cancel := context.WithTimeout(s.ctx, queryDeadline)
	defer cancel()

	msgs, err := s.queue.Dequeue(ctx, s.cfg.DequeueBatch)
	if err != nil {
		s.logger.Warn("queue dequeue failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		if err := s.publisher.Publish("queue:"+m.Type, m.Payload); err != nil {
			// Leave unprocessed; next cycle retries.
			s.logger.Warn("queue dispatch failed",
				zap.String("message_id", m.MessageID),
				zap.String("type", m.Type),
				zap.Error(err))
			continue
		}
		if err := s.queue.MarkProcessed(ctx, m.MessageID); err != nil {
			s.logger.Warn("queue ack failed", zap.String("message_id", m.MessageID), zap.Error(err))
		}
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, queryDeadline)
			n, err := s.queue.Cleanup(ctx, s.cfg.QueueRetention)
			cancel()
			if err != nil {
				s.logger.Warn("queue cleanup failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("purged processed queue rows", zap.Int64("rows", n))
			}
		}
	}
}
