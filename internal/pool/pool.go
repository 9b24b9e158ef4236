package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

// Pool manages the sessions of a single connection configuration. It provides
// borrow/return semantics bounded by Options.Max, a warm set of idle sessions,
// eviction of stale sessions and validation.
type Pool struct {
	mu sync.Mutex

	key     string
	name    string
	cfg     connstr.Config
	factory transport.Factory
	opts    Options

	// idle holds sessions available for reuse, most recently used last.
	idle []*PooledSession

	// active tracks borrowed sessions, keyed by session ID.
	active map[uint64]*PooledSession

	// creating counts sessions being opened; they count against Max.
	creating int

	// waiters is the FIFO queue of borrowers waiting for a session. A nil
	// handoff tells the waiter capacity was freed and it should retry.
	waiters []chan *PooledSession

	draining bool
	settled  chan struct{}
	drainErr error

	created   uint64
	destroyed uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool for cfg and eagerly opens opts.Min sessions.
// Failures to open warm sessions are logged, not returned.
func NewPool(ctx context.Context, key string, cfg connstr.Config, factory transport.Factory, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	name := key
	if len(name) > 12 {
		name = name[:12]
	}
	p := &Pool{
		key:     key,
		name:    name,
		cfg:     cfg,
		factory: factory,
		opts:    opts,
		idle:    make([]*PooledSession, 0, opts.Max),
		active:  make(map[uint64]*PooledSession),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < opts.Min; i++ {
		ps, err := p.create(ctx)
		if err != nil {
			log.Printf("[pool] WARNING: pool %s — failed to create warm session %d/%d: %v",
				p.name, i+1, opts.Min, err)
			break
		}
		p.idle = append(p.idle, ps)
	}

	metrics.SessionsMax.WithLabelValues(p.name).Set(float64(opts.Max))
	p.updateMetrics()
	log.Printf("[pool] Pool %s — initialized for %s: %d idle, min=%d max=%d",
		p.name, cfg.String(), len(p.idle), opts.Min, opts.Max)

	if opts.EvictionInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p, nil
}

// Key returns the configuration identity of the pool.
func (p *Pool) Key() string { return p.key }

// Config returns the configuration sessions are created from.
func (p *Pool) Config() connstr.Config { return p.cfg }

// Acquire borrows a session. An idle session is reused when available, a new
// one is created while the pool is below Max, and otherwise the caller waits
// until a session is returned or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*PooledSession, error) {
	start := time.Now()
	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, errs.New(errs.KindConnect, "acquire", errs.ErrPoolDrained)
		}

		if ps := p.popIdle(); ps != nil {
			if p.draining {
				p.mu.Unlock()
				p.destroy(ps, "drained")
				return nil, errs.New(errs.KindConnect, "acquire", errs.ErrPoolDrained)
			}
			p.borrow(ps)
			p.mu.Unlock()
			if p.opts.ValidateOnAcquire && !p.validate(ctx, ps) {
				log.Printf("[pool] Pool %s — session %d failed validation on acquire, replacing", p.name, ps.ID())
				p.Discard(ps)
				continue
			}
			p.acquired(start)
			return ps, nil
		}

		if p.total() < p.opts.Max {
			p.creating++
			p.mu.Unlock()
			ps, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.wakeOne()
				p.checkSettled()
				p.mu.Unlock()
				return nil, err
			}
			if p.draining {
				p.mu.Unlock()
				p.destroy(ps, "drained")
				return nil, errs.New(errs.KindConnect, "acquire", errs.ErrPoolDrained)
			}
			p.borrow(ps)
			p.mu.Unlock()
			p.acquired(start)
			return ps, nil
		}

		// Pool cheio: entrar na fila de espera.
		ch := make(chan *PooledSession, 1)
		p.waiters = append(p.waiters, ch)
		metrics.WaitQueueLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
		p.mu.Unlock()

		select {
		case ps, ok := <-ch:
			if !ok {
				return nil, errs.New(errs.KindConnect, "acquire", errs.ErrPoolDrained)
			}
			if ps == nil {
				continue
			}
			if p.opts.ValidateOnAcquire && !p.validate(ctx, ps) {
				log.Printf("[pool] Pool %s — session %d failed validation on handoff, replacing", p.name, ps.ID())
				p.Discard(ps)
				continue
			}
			p.acquired(start)
			return ps, nil

		case <-ctx.Done():
			if !p.removeWaiter(ch) {
				// Handoff raced with the timeout: the value is already buffered.
				if ps, ok := <-ch; ok {
					if ps != nil {
						p.Release(ps)
					} else {
						p.mu.Lock()
						p.wakeOne()
						p.mu.Unlock()
					}
				}
			}
			metrics.SessionsTotal.WithLabelValues(p.name, "timeout").Inc()
			metrics.AcquireWaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			return nil, errs.New(errs.KindConnect, "acquire",
				fmt.Errorf("no session available in pool %s after %s: %w", p.name, time.Since(start).Round(time.Millisecond), ctx.Err()))
		}
	}
}

// Release returns a borrowed session. Disconnected sessions, and every session
// returned while the pool drains, are destroyed instead of reused.
func (p *Pool) Release(ps *PooledSession) {
	if ps == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[ps.ID()]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, ps.ID())

	if p.draining || !ps.sess.Connected() {
		reason := "disconnected"
		if p.draining {
			reason = "drained"
		}
		p.mu.Unlock()
		p.destroy(ps, reason)
		return
	}

	ps.markIdle()
	metrics.SessionsTotal.WithLabelValues(p.name, "released").Inc()
	if w := p.popWaiter(); w != nil {
		p.borrow(ps)
		w <- ps
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, ps)
	p.updateMetrics()
	p.mu.Unlock()
}

// Discard removes a borrowed session from the pool permanently.
func (p *Pool) Discard(ps *PooledSession) {
	if ps == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[ps.ID()]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, ps.ID())
	p.mu.Unlock()
	p.destroy(ps, "discarded")
}

// Drain stops new borrows, fails every waiter, destroys idle sessions and
// waits for borrowed sessions to come back, destroying them as they do.
// Destroy failures are collected, not fatal. Calling Drain again waits for
// the first drain and returns nil.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		settled := p.settled
		p.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
		}
		return nil
	}
	p.draining = true
	p.settled = make(chan struct{})
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	metrics.WaitQueueLength.WithLabelValues(p.name).Set(0)

	idle := p.idle
	p.idle = nil
	borrowed := len(p.active)
	p.mu.Unlock()

	p.wg.Wait()

	log.Printf("[pool] Pool %s — draining: %d idle, %d borrowed", p.name, len(idle), borrowed)
	for _, ps := range idle {
		p.destroy(ps, "drained")
	}

	p.mu.Lock()
	p.checkSettled()
	settled := p.settled
	p.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return errs.New(errs.KindRelease, "drain",
			fmt.Errorf("pool %s: %d sessions still borrowed: %w", p.name, p.Stats().Active, ctx.Err()))
	}

	p.mu.Lock()
	err := p.drainErr
	p.mu.Unlock()
	log.Printf("[pool] Pool %s — drained", p.name)
	if err != nil {
		return errs.New(errs.KindRelease, "drain", err)
	}
	return nil
}

// Draining reports whether Drain has been called.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Key:       p.key,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Max:       p.opts.Max,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

// PoolStats holds pool statistics.
type PoolStats struct {
	Key       string `json:"key"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Waiting   int    `json:"waiting"`
	Max       int    `json:"max"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
}

// ── Internal helpers ─────────────────────────────────────────────────────

// create opens a new session, holding a limiter slot for it when configured.
func (p *Pool) create(ctx context.Context) (*PooledSession, error) {
	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Acquire(ctx, p.key); err != nil {
			metrics.SessionErrors.WithLabelValues(p.name, "limit").Inc()
			return nil, errs.New(errs.KindConnect, "create", fmt.Errorf("session limit for pool %s: %w", p.name, err))
		}
	}

	sess, err := p.factory.Create(ctx)
	if err != nil {
		if p.opts.Limiter != nil {
			p.opts.Limiter.Release(p.key)
		}
		metrics.SessionErrors.WithLabelValues(p.name, "create_failed").Inc()
		p.connectionError(err, 0)
		return nil, errs.New(errs.KindConnect, "create", err)
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	metrics.SessionsTotal.WithLabelValues(p.name, "created").Inc()
	return newPooledSession(sess), nil
}

// destroy closes a session that is no longer tracked by the pool.
func (p *Pool) destroy(ps *PooledSession, reason string) {
	ps.markDestroyed()
	err := p.factory.Destroy(ps.sess)
	if p.opts.Limiter != nil {
		p.opts.Limiter.Release(p.key)
	}
	metrics.SessionsTotal.WithLabelValues(p.name, "destroyed").Inc()
	if err != nil {
		metrics.SessionErrors.WithLabelValues(p.name, "destroy_failed").Inc()
		log.Printf("[pool] Pool %s — destroying session %d (%s) failed: %v", p.name, ps.ID(), reason, err)
	}

	p.mu.Lock()
	p.destroyed++
	if err != nil && p.draining {
		p.drainErr = multierr.Append(p.drainErr, fmt.Errorf("session %d: %w", ps.ID(), err))
	}
	p.wakeOne()
	p.checkSettled()
	p.updateMetrics()
	p.mu.Unlock()
}

func (p *Pool) validate(ctx context.Context, ps *PooledSession) bool {
	ok := p.factory.Validate(ctx, ps.sess)
	if ok {
		ps.markChecked()
	} else {
		metrics.SessionErrors.WithLabelValues(p.name, "validation_failed").Inc()
		p.connectionError(fmt.Errorf("session %d failed validation", ps.ID()), ps.ID())
	}
	return ok
}

func (p *Pool) connectionError(err error, sessionID uint64) {
	if p.opts.OnConnectionError != nil {
		p.opts.OnConnectionError(err, sessionID)
		return
	}
	log.Printf("[pool] Pool %s — connection error: %v", p.name, err)
}

// borrow records ps as borrowed. Caller holds p.mu.
func (p *Pool) borrow(ps *PooledSession) {
	ps.markBorrowed()
	p.active[ps.ID()] = ps
	p.updateMetrics()
}

func (p *Pool) acquired(start time.Time) {
	metrics.SessionsTotal.WithLabelValues(p.name, "acquired").Inc()
	metrics.AcquireWaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
}

// total counts sessions against Max. Caller holds p.mu.
func (p *Pool) total() int {
	return len(p.idle) + len(p.active) + p.creating
}

// popIdle removes and returns the most recently used idle session, destroying
// any that exceeded IdleTimeout. Caller holds p.mu; it is released and
// re-acquired around destroys.
func (p *Pool) popIdle() *PooledSession {
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		ps := p.idle[n]
		p.idle = p.idle[:n]

		if p.opts.IdleTimeout > 0 && ps.idleDuration() > p.opts.IdleTimeout {
			p.mu.Unlock()
			p.destroy(ps, "idle_timeout")
			p.mu.Lock()
			continue
		}
		return ps
	}
	return nil
}

// popWaiter dequeues the oldest waiter. Caller holds p.mu.
func (p *Pool) popWaiter() chan *PooledSession {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	metrics.WaitQueueLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
	return w
}

// wakeOne tells the oldest waiter that capacity was freed. Caller holds p.mu.
func (p *Pool) wakeOne() {
	if p.draining {
		return
	}
	if w := p.popWaiter(); w != nil {
		w <- nil
	}
}

// removeWaiter removes ch from the queue, reporting whether it was still queued.
func (p *Pool) removeWaiter(ch chan *PooledSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.WaitQueueLength.WithLabelValues(p.name).Set(float64(len(p.waiters)))
			return true
		}
	}
	return false
}

// checkSettled closes settled once a draining pool holds no sessions. Caller holds p.mu.
func (p *Pool) checkSettled() {
	if !p.draining || len(p.active) > 0 || p.creating > 0 {
		return
	}
	select {
	case <-p.settled:
	default:
		close(p.settled)
	}
}

// updateMetrics refreshes the Prometheus gauges. Caller holds p.mu.
func (p *Pool) updateMetrics() {
	metrics.SessionsActive.WithLabelValues(p.name).Set(float64(len(p.active)))
	metrics.SessionsIdle.WithLabelValues(p.name).Set(float64(len(p.idle)))
}

// maintenanceLoop runs periodic eviction, health checks and min-idle replenishment.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.HealthCheck()
			p.ensureMinIdle()
		}
	}
}

// evictStale destroys idle sessions that exceeded IdleTimeout.
func (p *Pool) evictStale() {
	if p.opts.IdleTimeout == 0 {
		return
	}

	p.mu.Lock()
	remaining := make([]*PooledSession, 0, len(p.idle))
	var stale []*PooledSession
	for _, ps := range p.idle {
		if ps.idleDuration() > p.opts.IdleTimeout {
			stale = append(stale, ps)
		} else {
			remaining = append(remaining, ps)
		}
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, ps := range stale {
		p.destroy(ps, "idle_timeout")
	}
	if len(stale) > 0 {
		log.Printf("[pool] Pool %s — evicted %d stale sessions", p.name, len(stale))
	}
}

// ensureMinIdle creates sessions to keep Min idle, within the Max headroom.
func (p *Pool) ensureMinIdle() {
	p.mu.Lock()
	deficit := p.opts.Min - len(p.idle)
	headroom := p.opts.Max - p.total()
	if deficit > headroom {
		deficit = headroom
	}
	if deficit <= 0 || p.draining {
		p.mu.Unlock()
		return
	}
	p.creating += deficit
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < deficit; i++ {
		ps, err := p.create(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.creating -= deficit - i - 1
			p.wakeOne()
			p.checkSettled()
			p.mu.Unlock()
			log.Printf("[pool] Pool %s — failed to create min idle session: %v", p.name, err)
			break
		}
		if p.draining {
			p.mu.Unlock()
			p.destroy(ps, "drained")
			continue
		}
		if w := p.popWaiter(); w != nil {
			p.borrow(ps)
			w <- ps
		} else {
			p.idle = append(p.idle, ps)
		}
		p.updateMetrics()
		p.mu.Unlock()
		created++
	}

	if created > 0 {
		log.Printf("[pool] Pool %s — replenished %d idle sessions", p.name, created)
	}
}
