// Package pool bounds concurrent connection work and protects the service
// from overload before any auction logic runs. Submission never blocks: a
// caller gets an immediate admit or an explicit rejection.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rejection and lifecycle errors.
var (
	ErrSourceLimit   = errors.New("per-source connection limit reached")
	ErrPoolSaturated = errors.New("pool queue full")
	ErrShuttingDown  = errors.New("pool is shutting down")
)

// Health classifies current pool load.
type Health int

const (
	Healthy Health = iota
	Warning
	Critical
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Config bounds the pool. Core workers live for the pool's lifetime; elastic
// workers up to MaxWorkers spawn when the queue is full and exit after
// KeepAlive idle time.
type Config struct {
	CoreWorkers    int           `yaml:"core_workers"`
	MaxWorkers     int           `yaml:"max_workers"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	PerSourceLimit int           `yaml:"per_source_limit"`
}

// DefaultConfig mirrors the sizing the service has always run with.
func DefaultConfig() Config {
	return Config{
		CoreWorkers:    10,
		MaxWorkers:     50,
		QueueCapacity:  100,
		KeepAlive:      60 * time.Second,
		PerSourceLimit: 5,
	}
}

// Stats is a point-in-time reading of pool counters.
type Stats struct {
	ActiveWorkers int
	PoolSize      int
	QueueLength   int
	QueueCapacity int
	Admitted      uint64
	Rejected      uint64
	Completed     uint64
	UniqueSources int
}

type task struct {
	source string
	fn     func(ctx context.Context)
}

// Pool is a bounded worker pool with per-source admission caps.
type Pool struct {
	cfg     Config
	queue   chan task
	metrics *Metrics

	mu        sync.Mutex
	workers   int // goroutines pulling from the queue
	active    int // tasks running right now
	perSource map[string]int
	seen      map[string]struct{}
	admitted  uint64
	rejected  uint64
	completed uint64
	closed    bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and starts a pool with CoreWorkers workers already running.
// metrics may be nil.
func New(cfg Config, metrics *Metrics) *Pool {
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = 1
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		queue:     make(chan task, cfg.QueueCapacity),
		metrics:   metrics,
		perSource: make(map[string]int),
		seen:      make(map[string]struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
	p.mu.Lock()
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.workers++
		p.wg.Add(1)
		go p.worker(true, nil)
	}
	p.mu.Unlock()

	log.Info().
		Int("core_workers", cfg.CoreWorkers).
		Int("max_workers", cfg.MaxWorkers).
		Int("queue_capacity", cfg.QueueCapacity).
		Int("per_source_limit", cfg.PerSourceLimit).
		Msg("admission pool started")
	return p
}

// Submit admits fn for execution on behalf of sourceKey, or rejects it
// immediately; the caller is never blocked waiting for capacity. Admission
// prefers the queue and spawns an elastic worker, which runs the task
// directly, once the queue is full. The per-source and active counters are
// incremented and decremented exactly once per admitted task; the decrement
// is deferred so it survives a panicking task.
func (p *Pool) Submit(sourceKey string, fn func(ctx context.Context)) error {
	t := task{source: sourceKey, fn: fn}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.reject()
		return ErrShuttingDown
	}
	if p.cfg.PerSourceLimit > 0 && p.perSource[sourceKey] >= p.cfg.PerSourceLimit {
		p.mu.Unlock()
		p.reject()
		log.Warn().Str("source", sourceKey).Msg("per-source connection limit exceeded")
		return ErrSourceLimit
	}

	handoff := false
	select {
	case p.queue <- t:
	default:
		if p.workers >= p.cfg.MaxWorkers {
			p.mu.Unlock()
			p.reject()
			return ErrPoolSaturated
		}
		p.workers++
		p.wg.Add(1)
		handoff = true
	}

	p.perSource[sourceKey]++
	p.seen[sourceKey] = struct{}{}
	p.admitted++
	queueLen := len(p.queue)
	p.mu.Unlock()

	if handoff {
		go p.worker(false, &t)
	}
	if p.metrics != nil {
		p.metrics.admitted.Inc()
		p.metrics.queueLength.Set(float64(queueLen))
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveWorkers: p.active,
		PoolSize:      p.workers,
		QueueLength:   len(p.queue),
		QueueCapacity: p.cfg.QueueCapacity,
		Admitted:      p.admitted,
		Rejected:      p.rejected,
		Completed:     p.completed,
		UniqueSources: len(p.seen),
	}
}

// Health classifies the pool: Critical when the queue is nearly full and the
// pool is at max size, Warning above the soft thresholds, Healthy otherwise.
func (p *Pool) Health() Health {
	s := p.Stats()
	queueUsage := 0.0
	if s.QueueCapacity > 0 {
		queueUsage = float64(s.QueueLength) / float64(s.QueueCapacity)
	}
	poolUsage := float64(s.ActiveWorkers) / float64(p.cfg.MaxWorkers)

	if queueUsage > 0.9 && s.PoolSize >= p.cfg.MaxWorkers {
		return Critical
	}
	if queueUsage > 0.7 || poolUsage > 0.8 {
		return Warning
	}
	return Healthy
}

// Shutdown stops accepting new submissions, waits up to the context deadline
// for in-flight work to finish, then cancels the remainder. Queued tasks that
// have not started are discarded.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Safe: Submit only enqueues while holding the mutex with closed false.
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("admission pool drained")
		return nil
	case <-ctx.Done():
		p.cancelRun()
		log.Warn().Msg("admission pool shutdown deadline hit, cancelling in-flight work")
		<-done
		return ctx.Err()
	}
}

// worker pulls tasks until the queue closes. Elastic workers (core false)
// optionally start with a directly handed-off task and exit after KeepAlive
// without work.
func (p *Pool) worker(core bool, first *task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	if first != nil {
		p.run(*first)
	}

	if core {
		for t := range p.queue {
			p.maybeRun(t)
		}
		return
	}

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.maybeRun(t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

// maybeRun discards queued tasks that were overtaken by shutdown; their
// admission slots are still released.
func (p *Pool) maybeRun(t task) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.releaseSource(t.source)
		log.Debug().Str("source", t.source).Msg("queued task discarded on shutdown")
		return
	}
	p.run(t)
}

func (p *Pool) run(t task) {
	p.mu.Lock()
	p.active++
	queueLen := len(p.queue)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.activeWorkers.Inc()
		p.metrics.queueLength.Set(float64(queueLen))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", t.source).Msg("connection task panicked")
		}
		p.mu.Lock()
		p.active--
		p.completed++
		p.mu.Unlock()
		p.releaseSource(t.source)
		if p.metrics != nil {
			p.metrics.activeWorkers.Dec()
			p.metrics.completed.Inc()
		}
	}()

	t.fn(p.runCtx)
}

func (p *Pool) releaseSource(sourceKey string) {
	p.mu.Lock()
	if n := p.perSource[sourceKey]; n > 1 {
		p.perSource[sourceKey] = n - 1
	} else {
		delete(p.perSource, sourceKey)
	}
	p.mu.Unlock()
}

func (p *Pool) reject() {
	p.mu.Lock()
	p.rejected++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.rejected.Inc()
	}
}
