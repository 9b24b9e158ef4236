package pool

import (
	"context"
	"log"
	"time"
)

// HealthCheck validates every idle session, destroying the ones that fail.
// Sessions are borrowed while checked so no caller receives one mid-check.
// This is called periodically by the maintenance loop.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	checking := p.idle
	p.idle = make([]*PooledSession, 0, cap(checking))
	for _, ps := range checking {
		p.active[ps.ID()] = ps
	}
	p.updateMetrics()
	p.mu.Unlock()

	removed := 0
	for _, ps := range checking {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok := p.validate(ctx, ps)
		cancel()

		if !ok {
			log.Printf("[pool] Pool %s — health check failed for session %d", p.name, ps.ID())
			p.Discard(ps)
			removed++
			continue
		}
		p.restore(ps)
	}

	if removed > 0 {
		log.Printf("[pool] Pool %s — health check: removed %d unhealthy sessions", p.name, removed)
	}
}

// restore puts a checked session back without touching its idle clock.
func (p *Pool) restore(ps *PooledSession) {
	p.mu.Lock()
	delete(p.active, ps.ID())
	if p.draining {
		p.mu.Unlock()
		p.destroy(ps, "drained")
		return
	}
	if w := p.popWaiter(); w != nil {
		p.borrow(ps)
		w <- ps
	} else {
		p.idle = append(p.idle, ps)
	}
	p.updateMetrics()
	p.mu.Unlock()
}
