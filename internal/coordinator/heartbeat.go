package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joao-brasil/mssql-ease/internal/metrics"
)

// Heartbeat periodically refreshes this instance's presence in Redis, leaves
// fallback mode once Redis is back, and returns the slots of dead instances
// whose sessions were never released.
type Heartbeat struct {
	coordinator *Coordinator
	interval    time.Duration
	ttl         time.Duration
}

func newHeartbeat(c *Coordinator) *Heartbeat {
	ttl := c.opts.HeartbeatTTL
	if ttl == 0 {
		ttl = 3 * c.opts.HeartbeatInterval
	}
	return &Heartbeat{coordinator: c, interval: c.opts.HeartbeatInterval, ttl: ttl}
}

func (hb *Heartbeat) start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[coordinator] Heartbeat started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// loop runs the periodic heartbeat and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Limpeza roda a cada 3 intervalos.
	cleanupCounter := 0

	for {
		select {
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.sendHeartbeat(ctx)

			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	if err := hb.coordinator.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err(); err != nil {
		log.Printf("[coordinator] Failed to send heartbeat: %v", err)
		metrics.CoordinatorOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}
	metrics.CoordinatorOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances checks for instances whose heartbeat has expired and
// returns their orphaned session slots.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	instances, err := hb.coordinator.ActiveInstances(ctx)
	if err != nil {
		log.Printf("[coordinator] Failed to list instances: %v", err)
		return
	}

	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}

		exists, err := hb.coordinator.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		log.Printf("[coordinator] Instance %s appears dead (no heartbeat), cleaning up", instID)
		hb.cleanupInstance(ctx, instID)
	}
}

// cleanupInstance removes an instance's session counts from the global totals.
func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) {
	client := hb.coordinator.client
	instKey := fmt.Sprintf(keyInstanceConn, deadInstanceID)

	counts, err := client.HGetAll(ctx, instKey).Result()
	if err != nil {
		log.Printf("[coordinator] Failed to read counts for dead instance %s: %v", deadInstanceID, err)
		return
	}

	pipe := client.Pipeline()
	recovered := 0
	for key, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyPoolCount, key), int64(count))
		pipe.Publish(ctx, fmt.Sprintf(channelRelease, key), key)
		recovered += count
	}
	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, deadInstanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[coordinator] Failed to cleanup dead instance %s: %v", deadInstanceID, err)
		return
	}

	if recovered > 0 {
		log.Printf("[coordinator] Cleaned up dead instance %s: recovered %d session slots",
			deadInstanceID, recovered)
		metrics.CoordinatorOperations.WithLabelValues("dead_instance_cleanup", "ok").Inc()
	}

	// Contagens globais nunca ficam negativas.
	for key := range counts {
		countKey := fmt.Sprintf(keyPoolCount, key)
		val, err := client.Get(ctx, countKey).Int64()
		if err == nil && val < 0 {
			client.Set(ctx, countKey, 0, 0)
			log.Printf("[coordinator] Corrected negative count for pool %s", short(key))
		}
	}
}

// defaultInstanceID combines the hostname with a random suffix so several
// processes on one host stay distinct.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mssqlease"
	}
	return host + "-" + uuid.NewString()[:8]
}
