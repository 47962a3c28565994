package exchanges

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/events"
)

// RotationState is the rotator's position in the overlap handover.
type RotationState string

const (
	RotationIdle     RotationState = "idle"
	RotationRotating RotationState = "rotating"
	RotationRetrying RotationState = "retrying"
)

// ErrNotIdle rejects a forced rotation while one is in flight.
var ErrNotIdle = errors.New("rotation already in progress")

// RotationConfig tunes the overlap rotation. Venues drop combined streams
// after roughly 24 h; rotating at 22 h with a 10 min overlap avoids the
// trade loss of a reactive reconnect.
type RotationConfig struct {
	Enabled       bool
	TriggerAfter  time.Duration // default 22h
	Overlap       time.Duration // default 10m
	RetryInterval time.Duration // default 5m
}

func (c *RotationConfig) fillDefaults() {
	if c.TriggerAfter <= 0 {
		c.TriggerAfter = 22 * time.Hour
	}
	if c.Overlap <= 0 {
		c.Overlap = 10 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
}

// Rotator maintains a primary connection to one exchange and performs
// overlap-based rotation: before the venue's forced disconnect it opens a
// secondary subscribed to the same symbols, lets both deliver for the
// overlap window (duplicates are suppressed downstream by trade id), then
// promotes the secondary. Trades from both sockets merge into Out.
type Rotator struct {
	exchange string
	factory  Factory
	cfg      RotationConfig
	logger   *zap.Logger

	mu              sync.Mutex
	state           RotationState
	primary         Connector
	secondary       Connector
	failedRotations int64
	forceCh         chan struct{}

	out chan *events.TradeData
}

// NewRotator creates a rotator. Run drives it.
func NewRotator(exchange string, factory Factory, cfg RotationConfig, logger *zap.Logger) *Rotator {
	cfg.fillDefaults()
	return &Rotator{
		exchange: exchange,
		factory:  factory,
		cfg:      cfg,
		logger:   logger.Named("rotation").With(zap.String("exchange", exchange)),
		state:    RotationIdle,
		forceCh:  make(chan struct{}, 1),
		out:      make(chan *events.TradeData, 20000),
	}
}

// Out is the merged trade stream across rotations.
func (r *Rotator) Out() <-chan *events.TradeData { return r.out }

// State returns the current rotation state.
func (r *Rotator) State() RotationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FailedRotations counts rotations that fell back to reactive reconnect.
func (r *Rotator) FailedRotations() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedRotations
}

// ForceRotation triggers a rotation immediately. Permitted only from idle.
func (r *Rotator) ForceRotation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RotationIdle {
		return ErrNotIdle
	}
	select {
	case r.forceCh <- struct{}{}:
	default:
	}
	return nil
}

func (r *Rotator) setState(s RotationState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run drives the connection lifecycle until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	defer close(r.out)

	var conn Connector
	for ctx.Err() == nil {
		if conn == nil {
			conn = r.factory(nil)
			if err := conn.Start(); err != nil {
				r.logger.Error("primary connect failed", zap.Error(err))
				conn = nil
				select {
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			r.mu.Lock()
			r.primary = conn
			r.mu.Unlock()
		}

		next := r.servePrimary(ctx, conn)
		conn.Close()
		conn = next // promoted secondary, or nil for a fresh dial
	}
	if conn != nil {
		conn.Close()
	}
}

// servePrimary forwards trades from the primary and runs the rotation state
// machine. Returns the promoted secondary after a handover, or nil when the
// primary died without one.
func (r *Rotator) servePrimary(ctx context.Context, primary Connector) Connector {
	var (
		secondary   Connector
		secTrades   <-chan *events.TradeData
		secDone     <-chan struct{}
		overlapEnds <-chan time.Time
		retryTicker *time.Ticker
		retryC      <-chan time.Time
	)
	defer func() {
		if retryTicker != nil {
			retryTicker.Stop()
		}
	}()

	var trigger <-chan time.Time
	if r.cfg.Enabled {
		t := time.NewTimer(r.cfg.TriggerAfter)
		defer t.Stop()
		trigger = t.C
	}

	beginRotation := func() {
		sec := r.factory(nil)
		if err := sec.Start(); err != nil {
			// Keep the primary, retry on the interval until it succeeds or
			// the primary closes.
			r.setState(RotationRetrying)
			if retryTicker == nil {
				retryTicker = time.NewTicker(r.cfg.RetryInterval)
				retryC = retryTicker.C
			}
			r.logger.Warn("secondary connect failed, retrying",
				zap.Duration("retry_interval", r.cfg.RetryInterval),
				zap.Error(err))
			return
		}
		if retryTicker != nil {
			retryTicker.Stop()
			retryTicker = nil
			retryC = nil
		}
		secondary = sec
		secTrades = sec.Trades()
		secDone = sec.Done()
		overlapEnds = time.After(r.cfg.Overlap)
		r.mu.Lock()
		r.secondary = sec
		r.state = RotationRotating
		r.mu.Unlock()
		r.logger.Info("rotation started, overlap running",
			zap.Duration("overlap", r.cfg.Overlap))
	}

	for {
		select {
		case <-ctx.Done():
			if secondary != nil {
				secondary.Close()
			}
			return nil

		case trade, ok := <-primary.Trades():
			if ok {
				r.forward(trade)
			}

		case trade, ok := <-secTrades:
			if ok {
				r.forward(trade)
			}

		case <-trigger:
			beginRotation()

		case <-r.forceCh:
			beginRotation()

		case <-retryC:
			beginRotation()

		case <-overlapEnds:
			// Handover: the secondary becomes the next primary.
			r.logger.Info("overlap elapsed, promoting secondary")
			r.promote(secondary)
			return secondary

		case <-secDone:
			// Secondary died mid-overlap; retry the rotation.
			r.logger.Warn("secondary closed during overlap")
			secondary = nil
			secTrades = nil
			secDone = nil
			overlapEnds = nil
			r.setState(RotationRetrying)
			if retryTicker == nil {
				retryTicker = time.NewTicker(r.cfg.RetryInterval)
				retryC = retryTicker.C
			}

		case <-primary.Done():
			if secondary != nil {
				// Early handover: primary died during the overlap.
				r.logger.Warn("primary closed during overlap, promoting early")
				r.promote(secondary)
				return secondary
			}
			// No secondary: reactive reconnect, counted as a failed
			// rotation when one was pending.
			r.mu.Lock()
			if r.state != RotationIdle {
				r.failedRotations++
			}
			r.state = RotationIdle
			r.mu.Unlock()
			r.logger.Warn("primary closed, reconnecting reactively")
			return nil
		}
	}
}

// promote installs the secondary as primary and drains its stream in the
// next servePrimary round.
func (r *Rotator) promote(secondary Connector) {
	r.mu.Lock()
	r.primary = secondary
	r.secondary = nil
	r.state = RotationIdle
	r.mu.Unlock()
}

func (r *Rotator) forward(trade *events.TradeData) {
	select {
	case r.out <- trade:
	default:
		r.logger.Warn("merged stream full, dropping trade",
			zap.String("symbol", trade.Symbol))
	}
}
