package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
)

// LocalSink mirrors published events to in-process subscribers (the API
// WebSocket broadcaster).
type LocalSink interface {
	Broadcast(message []byte)
}

// PublishStats tracks publishing outcomes.
type PublishStats struct {
	TotalEvents      int64     `json:"total_events"`
	SuccessfulEvents int64     `json:"successful_events"`
	FailedEvents     int64     `json:"failed_events"`
	ThrottledEvents  int64     `json:"throttled_events"`
	LastPublish      time.Time `json:"last_publish"`
}

// RedisPublisher fans candle and gap events out over Redis pub/sub with a
// per-second rate cap, mirroring everything to the local sink.
type RedisPublisher struct {
	client *redis.Client
	local  LocalSink
	logger *zap.Logger

	mu    sync.RWMutex
	stats PublishStats

	maxPerSecond  int
	messageCount  int
	lastResetTime time.Time
	throttleMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a publisher. client may be nil (local-only fan-out); local may
// be nil (redis-only).
func New(client *redis.Client, local LocalSink, logger *zap.Logger) *RedisPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPublisher{
		client:        client,
		local:         local,
		logger:        logger.Named("publisher"),
		maxPerSecond:  1000,
		lastResetTime: time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// candleChannel is candles:{EXCHANGE}:{SYMBOL}:{TIMEFRAME}.
func candleChannel(c *candle.FootprintCandle) string {
	return fmt.Sprintf("candles:%s:%s:%s",
		strings.ToUpper(c.Exchange), strings.ToUpper(c.Symbol), c.Timeframe)
}

// PublishCandleUpdate publishes a partial candle snapshot.
func (p *RedisPublisher) PublishCandleUpdate(c *candle.FootprintCandle) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":   "candle_update",
		"candle": c,
	})
	if err != nil {
		p.logger.Error("marshal candle update", zap.Error(err))
		return
	}
	channel := fmt.Sprintf("candle_updates:%s:%s",
		strings.ToUpper(c.Exchange), strings.ToUpper(c.Symbol))
	p.publish(channel, payload)
}

// PublishCandleComplete publishes a sealed candle exactly once per seal.
func (p *RedisPublisher) PublishCandleComplete(c *candle.FootprintCandle) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":   "candle_complete",
		"candle": c,
	})
	if err != nil {
		p.logger.Error("marshal candle complete", zap.Error(err))
		return
	}
	p.publish(candleChannel(c), payload)
}

// PublishGap publishes a detected gap.
func (p *RedisPublisher) PublishGap(g *events.GapRecord) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": "gap_detected",
		"gap":  g,
	})
	if err != nil {
		p.logger.Error("marshal gap", zap.Error(err))
		return
	}
	p.publish("gap_detection", payload)
}

// Publish sends a raw payload to a channel (the persistence queue
// dispatcher's redelivery path).
func (p *RedisPublisher) Publish(channel string, payload []byte) error {
	return p.publish(channel, payload)
}

func (p *RedisPublisher) publish(channel string, payload []byte) error {
	if p.local != nil {
		p.local.Broadcast(payload)
	}
	if p.client == nil {
		p.updateStats(true, false)
		return nil
	}

	if !p.allow() {
		p.updateStats(false, true)
		p.logger.Debug("publish throttled", zap.String("channel", channel))
		return fmt.Errorf("publish throttled: rate limit exceeded")
	}

	if err := p.client.Publish(p.ctx, channel, payload).Err(); err != nil {
		p.updateStats(false, false)
		p.logger.Error("redis publish failed",
			zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.updateStats(true, false)
	return nil
}

// allow enforces the per-second cap.
func (p *RedisPublisher) allow() bool {
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()

	now := time.Now()
	if now.Sub(p.lastResetTime) >= time.Second {
		p.messageCount = 0
		p.lastResetTime = now
	}
	if p.messageCount >= p.maxPerSecond {
		return false
	}
	p.messageCount++
	return true
}

// SetThrottleLimit changes the per-second cap.
func (p *RedisPublisher) SetThrottleLimit(limit int) {
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()
	p.maxPerSecond = limit
}

func (p *RedisPublisher) updateStats(success, throttled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalEvents++
	switch {
	case throttled:
		p.stats.ThrottledEvents++
	case success:
		p.stats.SuccessfulEvents++
		p.stats.LastPublish = time.Now()
	default:
		p.stats.FailedEvents++
	}
}

// Stats snapshots the publishing counters.
func (p *RedisPublisher) Stats() PublishStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Healthy reports whether redis answers a ping.
func (p *RedisPublisher) Healthy() bool {
	if p.client == nil {
		return true
	}
	return p.client.Ping(p.ctx).Err() == nil
}

// Close releases the publisher.
func (p *RedisPublisher) Close() error {
	p.cancel()
	return nil
}
