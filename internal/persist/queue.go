package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowtrace/internal/events"
)

// Queue defaults: dequeue batch size and retention for processed rows.
const (
	DefaultDequeueBatch = 50
	DefaultRetentionHrs = 24
)

// QueueStore buffers IPC messages that could not be delivered over the
// primary socket. Delivery from the queue is at-least-once; subscribers must
// be idempotent on message_id.
type QueueStore struct {
	db *DB
}

// NewQueueStore wraps the runtime database.
func NewQueueStore(db *DB) *QueueStore { return &QueueStore{db: db} }

// Enqueue buffers one message under a freshly assigned id.
func (s *QueueStore) Enqueue(ctx context.Context, msgType string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO message_queue (message_id, type, payload, timestamp, processed)
		VALUES (?, ?, ?, ?, 0)`,
		id, msgType, string(payload), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	return id, nil
}

// Dequeue returns up to n unprocessed messages, oldest first. Rows stay in
// the queue until MarkProcessed acknowledges them.
func (s *QueueStore) Dequeue(ctx context.Context, n int) ([]*events.QueueMessage, error) {
	if n <= 0 {
		n = DefaultDequeueBatch
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT message_id, type, payload, timestamp
		FROM message_queue WHERE processed = 0
		ORDER BY timestamp ASC, rowid ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	defer rows.Close()

	var out []*events.QueueMessage
	for rows.Next() {
		var m events.QueueMessage
		var payload string
		if err := rows.Scan(&m.MessageID, &m.Type, &payload, &m.EnqueuedAt); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkProcessed acknowledges one delivered message.
func (s *QueueStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE message_queue SET processed = 1, processed_at = ? WHERE message_id = ?`,
		time.Now().UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("queue mark processed %s: %w", messageID, err)
	}
	return nil
}

// Cleanup purges processed rows older than the retention window.
func (s *QueueStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetentionHrs * time.Hour
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE processed = 1 AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of unprocessed rows.
func (s *QueueStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_queue WHERE processed = 0`).Scan(&n)
	return n, err
}
