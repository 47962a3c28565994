package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/events"
	"flowtrace/internal/ipc"
	"flowtrace/internal/router"
	"flowtrace/internal/worker"
)

// State is a worker lifecycle state. Only the transitions in
// legalTransitions are valid; anything else is a programmer error.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateUnhealthy    State = "unhealthy"
	StateTerminated   State = "terminated"
)

var legalTransitions = map[State][]State{
	StateInitializing: {StateReady, StateTerminated},
	StateReady:        {StateBusy, StateUnhealthy, StateTerminated},
	StateBusy:         {StateReady, StateUnhealthy, StateTerminated},
	StateUnhealthy:    {StateInitializing, StateTerminated},
	StateTerminated:   {},
}

func transitionLegal(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config tunes the worker pool.
type Config struct {
	NumWorkers     int
	ReadyTimeout   time.Duration // default 10s
	HealthInterval time.Duration // default 30s
	ProbeTimeout   time.Duration // default 5s
	HeartbeatStale time.Duration // default 30s
	ShutdownGrace  time.Duration // default 30s
	InitialBackoff time.Duration // restart backoff, default 5s
	MaxBackoff     time.Duration // default 60s
	BackoffFactor  float64       // default 2.0

	Worker worker.Config // template; WorkerID is filled per worker
}

func (c *Config) fillDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
}

// StoreFactory builds one persistence-socket client per worker so each
// worker keeps its own FIFO request stream.
type StoreFactory func() *ipc.Client

type workerEntry struct {
	w         *worker.Worker
	store     *ipc.Client
	state     State
	cancel    context.CancelFunc
	retries   int
	lastError error
	createdAt time.Time
	readyAt   time.Time

	// previous CPU snapshot for the delta-based percent
	prevCPUMillis int64
	prevProbeAt   time.Time
	cpuPercent    float64
}

// Supervisor spawns and supervises the worker pool, owns the hash ring, and
// delivers routed batches into worker inboxes.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	ring   *router.HashRing
	stores StoreFactory
	pub    worker.EventPublisher

	mu          sync.RWMutex
	workers     map[string]*workerEntry
	readySignal chan struct{}
	started     bool
	startTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Ring() is what the router reads.
func NewSupervisor(cfg Config, stores StoreFactory, pub worker.EventPublisher, logger *zap.Logger) *Supervisor {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.Named("supervisor"),
		ring:        router.NewHashRing(),
		stores:      stores,
		pub:         pub,
		workers:     make(map[string]*workerEntry),
		readySignal: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Ring exposes the supervisor-owned hash ring.
func (s *Supervisor) Ring() *router.HashRing { return s.ring }

// Initialize spawns the pool. Each worker joins the ring immediately so
// routing can begin optimistically; batches buffer in the inbox until its
// WORKER_READY arrives.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting worker pool", zap.Int("workers", s.cfg.NumWorkers))

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.spawn(fmt.Sprintf("worker_%d", i))
	}

	s.wg.Add(1)
	go s.healthCheckLoop()
	return nil
}

func (s *Supervisor) spawn(workerID string) {
	cfg := s.cfg.Worker
	cfg.WorkerID = workerID

	store := s.stores()
	store.Run()

	w := worker.New(cfg, store, s.pub, worker.Callbacks{
		OnReady: s.onWorkerReady,
		OnBusy:  s.onWorkerBusy,
	}, s.logger)

	entry := &workerEntry{
		w:         w,
		store:     store,
		state:     StateInitializing,
		createdAt: time.Now(),
	}

	s.mu.Lock()
	s.workers[workerID] = entry
	s.mu.Unlock()

	s.ring.AddWorker(workerID)

	s.wg.Add(1)
	go s.runWorker(workerID, entry)

	s.logger.Info("worker spawned", zap.String("worker_id", workerID))
}

// runWorker runs one worker with exponential-backoff restart. On a failed
// exit the worker leaves the ring until its replacement is spawned after the
// backoff; the replacement rejoins before it signals ready.
func (s *Supervisor) runWorker(workerID string, entry *workerEntry) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("worker_id", workerID))

	for {
		select {
		case <-s.ctx.Done():
			s.setState(workerID, StateTerminated)
			return
		default:
		}

		ctx, cancel := context.WithCancel(s.ctx)
		s.mu.Lock()
		entry.cancel = cancel
		s.mu.Unlock()

		err := entry.w.Run(ctx)
		cancel()

		if s.ctx.Err() != nil {
			s.setState(workerID, StateTerminated)
			logger.Info("worker terminated")
			return
		}

		// Failed exit: pull it off the ring so trades flow to the clockwise
		// neighbour, restart with the same id, then rejoin.
		s.mu.Lock()
		entry.retries++
		if err != nil {
			entry.lastError = err
		}
		retries := entry.retries
		s.mu.Unlock()

		// A crash during initialization restarts without passing through
		// unhealthy; a crash from a work state does.
		s.trySetState(workerID, StateUnhealthy)
		s.ring.RemoveWorker(workerID)
		logger.Error("worker exited, restarting",
			zap.Error(err), zap.Int("restarts", retries))

		select {
		case <-time.After(s.backoff(retries)):
		case <-s.ctx.Done():
			s.setState(workerID, StateTerminated)
			return
		}

		// The replacement keeps the stable worker id; ownership reverts
		// automatically once it is back on the ring.
		s.setState(workerID, StateInitializing)
		entry = s.respawnEntry(workerID, entry)
		s.ring.AddWorker(workerID)
	}
}

func (s *Supervisor) respawnEntry(workerID string, old *workerEntry) *workerEntry {
	cfg := s.cfg.Worker
	cfg.WorkerID = workerID

	old.store.Close()
	store := s.stores()
	store.Run()

	w := worker.New(cfg, store, s.pub, worker.Callbacks{
		OnReady: s.onWorkerReady,
		OnBusy:  s.onWorkerBusy,
	}, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &workerEntry{
		w:         w,
		store:     store,
		state:     StateInitializing,
		retries:   old.retries,
		lastError: old.lastError,
		createdAt: time.Now(),
	}
	s.workers[workerID] = entry
	return entry
}

func (s *Supervisor) backoff(retries int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < retries; i++ {
		d = time.Duration(float64(d) * s.cfg.BackoffFactor)
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

// onWorkerReady handles the WORKER_READY handshake.
func (s *Supervisor) onWorkerReady(ready *events.WorkerReady) {
	s.mu.Lock()
	entry, ok := s.workers[ready.WorkerID]
	if ok && entry.state == StateInitializing {
		entry.state = StateReady
		entry.readyAt = time.UnixMilli(ready.Timestamp)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("worker ready", zap.String("worker_id", ready.WorkerID))
		select {
		case s.readySignal <- struct{}{}:
		default:
		}
	}
}

func (s *Supervisor) onWorkerBusy(workerID string, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[workerID]
	if !ok {
		return
	}
	// Busy toggles race with health transitions; only flip between the two
	// work states.
	if busy && entry.state == StateReady {
		entry.state = StateBusy
	} else if !busy && entry.state == StateBusy {
		entry.state = StateReady
	}
}

// setState applies a lifecycle transition, panicking on an illegal one.
func (s *Supervisor) setState(workerID string, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[workerID]
	if !ok {
		return
	}
	if entry.state == to {
		return
	}
	if !transitionLegal(entry.state, to) {
		panic(fmt.Sprintf("illegal worker state transition %s -> %s for %s", entry.state, to, workerID))
	}
	entry.state = to
}

// trySetState applies the transition only when it is legal.
func (s *Supervisor) trySetState(workerID string, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[workerID]
	if !ok || entry.state == to || !transitionLegal(entry.state, to) {
		return false
	}
	entry.state = to
	return true
}

// WaitForAllReady blocks until no worker is pending and at least one is
// ready, or fails after the timeout naming the stragglers.
func (s *Supervisor) WaitForAllReady(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		pending, ready := s.readiness()
		if len(pending) == 0 && ready > 0 {
			return nil
		}
		select {
		case <-s.readySignal:
		case <-deadline.C:
			pending, _ := s.readiness()
			sort.Strings(pending)
			return fmt.Errorf("workers not ready after %v: %s", timeout, strings.Join(pending, ", "))
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Supervisor) readiness() (pending []string, ready int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, entry := range s.workers {
		switch entry.state {
		case StateInitializing:
			pending = append(pending, id)
		case StateReady, StateBusy:
			ready++
		}
	}
	return pending, ready
}

// Dispatch implements router.Dispatcher: at-most-once delivery into the
// owner's inbox.
func (s *Supervisor) Dispatch(workerID string, req *events.ProcessTradeRequest) error {
	s.mu.RLock()
	entry, ok := s.workers[workerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	if entry.state == StateTerminated || entry.state == StateUnhealthy {
		return router.ErrBackpressure
	}
	return entry.w.Dispatch(req)
}

func (s *Supervisor) healthCheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

// performHealthCheck issues a SYNC_METRICS probe per worker with the probe
// deadline. A timed-out probe or stale heartbeat marks the worker unhealthy
// and restarts it.
func (s *Supervisor) performHealthCheck() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	now := time.Now()
	healthy := 0
	total := 0
	for _, id := range ids {
		s.mu.RLock()
		entry, ok := s.workers[id]
		s.mu.RUnlock()
		if !ok || entry.state == StateTerminated {
			continue
		}
		total++

		metrics, err := s.probe(entry)
		stale := now.Sub(entry.w.LastActivity()) > s.cfg.HeartbeatStale

		if err != nil || stale {
			s.logger.Warn("worker unhealthy",
				zap.String("worker_id", id),
				zap.Bool("heartbeat_stale", stale),
				zap.Error(err))
			s.markUnhealthy(id, entry)
			continue
		}
		healthy++

		// cpu% from the delta between two snapshots, clamped and rounded
		// to 0.1.
		s.mu.Lock()
		cpu := metrics.CPUUserMillis + metrics.CPUSystemMillis
		if wall := now.Sub(entry.prevProbeAt); !entry.prevProbeAt.IsZero() && wall > 0 {
			pct := float64(cpu-entry.prevCPUMillis) / float64(wall.Milliseconds()) * 100
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			entry.cpuPercent = float64(int(pct*10+0.5)) / 10
		}
		entry.prevCPUMillis = cpu
		entry.prevProbeAt = now
		s.mu.Unlock()

		s.logger.Debug("worker health",
			zap.String("worker_id", id),
			zap.Int64("trades", metrics.TradesProcessed),
			zap.Float64("avg_ms", metrics.AvgProcessingMS),
			zap.Uint64("heap", metrics.MemHeapUsed))
	}

	if total > 0 && float64(healthy)/float64(total) < 0.8 {
		s.logger.Warn("worker pool degraded",
			zap.Int("healthy", healthy),
			zap.Int("total", total))
	}
}

func (s *Supervisor) probe(entry *workerEntry) (*events.WorkerMetrics, error) {
	ch := make(chan *events.WorkerMetrics, 1)
	go func() { ch <- entry.w.Metrics() }()
	select {
	case m := <-ch:
		return m, nil
	case <-time.After(s.cfg.ProbeTimeout):
		return nil, fmt.Errorf("metrics probe timed out after %v", s.cfg.ProbeTimeout)
	}
}

// markUnhealthy pushes a worker into restart by cancelling its run context.
// The run loop sees a live pool context and treats the exit as failed.
func (s *Supervisor) markUnhealthy(workerID string, entry *workerEntry) {
	s.mu.Lock()
	if entry.state == StateReady || entry.state == StateBusy {
		entry.state = StateUnhealthy
		entry.lastError = fmt.Errorf("health check failed")
	}
	cancel := entry.cancel
	s.mu.Unlock()

	s.ring.RemoveWorker(workerID)
	if cancel != nil {
		cancel()
	}
}

// Shutdown terminates the pool and waits out the grace period. Idempotent.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping worker pool")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all workers stopped")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("grace period elapsed, abandoning workers")
	}

	s.mu.Lock()
	for _, entry := range s.workers {
		entry.state = StateTerminated
		entry.store.Close()
	}
	s.mu.Unlock()
	return nil
}

// WorkerStatus is one worker's row in the pool status report.
type WorkerStatus struct {
	WorkerID   string    `json:"worker_id"`
	State      State     `json:"state"`
	Restarts   int       `json:"restarts"`
	QueueLen   int       `json:"queue_len"`
	CPUPercent float64   `json:"cpu_percent"`
	CreatedAt  time.Time `json:"created_at"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status reports the pool, sorted by worker id.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for id, entry := range s.workers {
		st := WorkerStatus{
			WorkerID:   id,
			State:      entry.state,
			Restarts:   entry.retries,
			QueueLen:   entry.w.QueueLen(),
			CPUPercent: entry.cpuPercent,
			CreatedAt:  entry.createdAt,
			ReadyAt:    entry.readyAt,
		}
		if entry.lastError != nil {
			st.LastError = entry.lastError.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// ReadyCount returns how many workers can currently accept work.
func (s *Supervisor) ReadyCount() int {
	_, ready := s.readiness()
	return ready
}
