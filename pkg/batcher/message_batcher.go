package batcher

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Batch is a group of stream events sent to WebSocket subscribers as one
// frame.
type Batch struct {
	Type      string            `json:"type"`
	Batch     []json.RawMessage `json:"batch"`
	Count     int               `json:"count"`
	Timestamp int64             `json:"timestamp"`
}

// MessageBatcher coalesces stream events so subscribers receive a bounded
// frame rate instead of one frame per candle update.
type MessageBatcher struct {
	logger   *zap.Logger
	mu       sync.Mutex
	messages []json.RawMessage
	timer    *time.Timer

	maxSize  int
	timeout  time.Duration
	maxBytes int

	outputCh chan []byte
}

// New creates a batcher flushing at maxSize messages or after timeout,
// whichever comes first.
func New(logger *zap.Logger, maxSize int, timeout time.Duration, maxBytes int) *MessageBatcher {
	return &MessageBatcher{
		logger:   logger.Named("batcher"),
		messages: make([]json.RawMessage, 0, maxSize),
		maxSize:  maxSize,
		timeout:  timeout,
		maxBytes: maxBytes,
		outputCh: make(chan []byte, 100),
	}
}

// Output is the stream of serialized batches.
func (mb *MessageBatcher) Output() <-chan []byte { return mb.outputCh }

// Add queues one already-serialized event into the current batch.
func (mb *MessageBatcher) Add(message []byte) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.messages = append(mb.messages, json.RawMessage(message))

	if len(mb.messages) >= mb.maxSize {
		mb.flushLocked()
		return
	}
	if mb.timer == nil {
		mb.timer = time.AfterFunc(mb.timeout, func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			mb.flushLocked()
		})
	}
}

// flushLocked emits the pending batch. Caller holds the lock.
func (mb *MessageBatcher) flushLocked() {
	if len(mb.messages) == 0 {
		return
	}
	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}

	pending := mb.messages
	mb.messages = make([]json.RawMessage, 0, mb.maxSize)
	mb.emit(pending)
}

func (mb *MessageBatcher) emit(messages []json.RawMessage) {
	batch := Batch{
		Type:      "batch",
		Batch:     messages,
		Count:     len(messages),
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(batch)
	if err != nil {
		mb.logger.Error("marshal batch failed", zap.Error(err))
		return
	}

	// Oversize batches split in half until they fit.
	if len(data) > mb.maxBytes && len(messages) > 1 {
		mid := len(messages) / 2
		mb.emit(messages[:mid])
		mb.emit(messages[mid:])
		return
	}

	select {
	case mb.outputCh <- data:
	default:
		mb.logger.Warn("batch output full, dropping",
			zap.Int("count", batch.Count))
	}
}

// Close flushes pending messages and closes the output.
func (mb *MessageBatcher) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.flushLocked()
	close(mb.outputCh)
}
