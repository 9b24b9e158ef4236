package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/metrics"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// Acquire blocks while the global session count of a pool is at its limit,
// until a session is released by any process. It combines:
//   - Redis Pub/Sub for instant cross-process notifications
//   - Polling to handle missed Pub/Sub messages
//   - The caller's context as the only deadline (the pool bounds it with
//     its acquire timeout)

// Acquire waits until a session slot is available for the pool identified by
// key, then takes it. It implements pool.Limiter.
func (c *Coordinator) Acquire(ctx context.Context, key string) error {
	var (
		start  time.Time
		notify <-chan struct{}
		poll   <-chan time.Time
	)
	for {
		// Em fallback, o canal é obtido antes da tentativa para não perder um release.
		var local <-chan struct{}
		if c.fallbackMode.Load() {
			local = c.fallbackNotify()
		}

		ok, err := c.tryAcquire(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			if !start.IsZero() {
				metrics.CoordinatorOperations.WithLabelValues("wait", "ok").Inc()
				log.Printf("[coordinator] Acquired slot on pool %s after %v", short(key), time.Since(start))
			}
			return nil
		}

		if start.IsZero() {
			start = time.Now()
			log.Printf("[coordinator] Waiting for a session slot on pool %s (limit=%d)", short(key), c.opts.MaxSessions)
			if !c.fallbackMode.Load() {
				subCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				notify = c.subscribe(subCtx, key)
			}
			ticker := time.NewTicker(c.pollInterval())
			defer ticker.Stop()
			poll = ticker.C
		}

		select {
		case <-ctx.Done():
			metrics.CoordinatorOperations.WithLabelValues("wait", "timeout").Inc()
			return fmt.Errorf("pool %s: %w after %v: %w", short(key), ErrLimitReached, time.Since(start).Round(time.Millisecond), ctx.Err())

		case <-c.stopCh:
			return fmt.Errorf("pool %s: coordinator closed", short(key))

		case _, open := <-notify:
			if !open {
				// Assinatura encerrada, seguir só com polling.
				notify = nil
			}

		case <-local:
		case <-poll:
		}
	}
}

// subscribe forwards release notifications for key until ctx ends. The
// returned channel is closed when the subscription stops.
func (c *Coordinator) subscribe(ctx context.Context, key string) <-chan struct{} {
	sub := c.client.Subscribe(ctx, fmt.Sprintf(channelRelease, key))
	notifyCh := make(chan struct{}, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(notifyCh)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- struct{}{}:
				default:
					// Descartar se já há notificação pendente (anti-thundering-herd).
				}
			}
		}
	}()
	return notifyCh
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.opts.PollInterval > 0 {
		return c.opts.PollInterval
	}
	return 200 * time.Millisecond
}
