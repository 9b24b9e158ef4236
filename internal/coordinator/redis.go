// Package coordinator limita o número de sessões abertas por identidade de
// pool entre múltiplos processos, usando o Redis como contador global.
//
// Fornece:
//   - Acquire/release atômico de slots de sessão usando scripts Lua
//   - Rastreamento de sessões por instância para auditabilidade
//   - Modo fallback quando o Redis está indisponível (limites locais)
//   - Notificações Pub/Sub para acordar processos esperando por um slot
//
// O Coordinator implementa pool.Limiter e é consultado pelo pool antes de
// cada criação de sessão.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
)

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyPoolCount    = "mssqlease:pool:%s:count"         // contagem global de sessões por pool
	keyInstanceConn = "mssqlease:instance:%s:sessions"  // hash: pool → contagem local
	keyInstanceHB   = "mssqlease:instance:%s:heartbeat" // chave de heartbeat com TTL
	keyInstanceList = "mssqlease:instances"             // conjunto de IDs de instâncias ativas
	channelRelease  = "mssqlease:release:%s"            // canal Pub/Sub por pool
)

// ErrLimitReached is returned when the global session limit of a pool is reached.
var ErrLimitReached = errors.New("session limit reached")

// KEYS: count, instance hash. ARGV: max, pool key.
var acquireScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if max == nil or max <= 0 then
  return -2
end
if count >= max then
  return -1
end
redis.call('INCR', KEYS[1])
redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
return count + 1
`)

// KEYS: count, instance hash. ARGV: pool key, release channel.
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  count = redis.call('DECR', KEYS[1])
end
local mine = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if mine > 0 then
  redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
end
redis.call('PUBLISH', ARGV[2], ARGV[1])
return count
`)

// Options configures the coordinator.
type Options struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// InstanceID identifies this process; the hostname is used when empty.
	InstanceID string `yaml:"instance_id"`
	// MaxSessions is the global number of sessions allowed per pool identity.
	MaxSessions int `yaml:"max_sessions"`
	// PollInterval is how often a blocked Acquire retries when no release
	// notification arrives.
	PollInterval time.Duration `yaml:"poll_interval"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`

	// Fallback keeps working with local limits while Redis is unreachable.
	Fallback bool `yaml:"fallback"`
	// LocalLimitDivisor divides MaxSessions to get the per-process limit in
	// fallback mode.
	LocalLimitDivisor int `yaml:"local_limit_divisor"`
}

// DefaultOptions returns the coordinator defaults (disabled).
func DefaultOptions() Options {
	return Options{
		Addr:              "localhost:6379",
		PoolSize:          10,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		MaxSessions:       30,
		PollInterval:      200 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      30 * time.Second,
		Fallback:          true,
		LocalLimitDivisor: 3,
	}
}

// Validate checks the options of an enabled coordinator.
func (o Options) Validate() error {
	if !o.Enabled {
		return nil
	}
	switch {
	case o.Addr == "":
		return errs.Config("coordinator addr is required")
	case o.MaxSessions < 1:
		return errs.Config("coordinator max_sessions must be at least 1, got %d", o.MaxSessions)
	case o.PollInterval <= 0:
		return errs.Config("coordinator poll_interval must be positive")
	case o.HeartbeatInterval > 0 && o.HeartbeatTTL <= o.HeartbeatInterval:
		return errs.Config("coordinator heartbeat_ttl (%s) must exceed heartbeat_interval (%s)",
			o.HeartbeatTTL, o.HeartbeatInterval)
	}
	return nil
}

// Coordinator gerencia limites distribuídos de sessão via Redis.
type Coordinator struct {
	client     redis.UniversalClient
	opts       Options
	instanceID string

	// fallbackMode indica que o Redis está indisponível e estamos em modo local.
	fallbackMode atomic.Bool

	// fallbackCounts rastreia contagens locais de sessão por pool em modo fallback.
	fallbackMu     sync.Mutex
	fallbackCounts map[string]int
	fallbackWake   chan struct{}

	heartbeat *Heartbeat

	// ciclo de vida
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New connects to Redis and registers this instance. When Redis is
// unreachable and Fallback is set, the coordinator starts in fallback mode.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	c, err := NewWithClient(ctx, client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

// NewWithClient is New over an existing client, which the coordinator then owns.
func NewWithClient(ctx context.Context, client redis.UniversalClient, opts Options) (*Coordinator, error) {
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}
	c := &Coordinator{
		client:         client,
		opts:           opts,
		instanceID:     instanceID,
		fallbackCounts: make(map[string]int),
		fallbackWake:   make(chan struct{}),
		stopCh:         make(chan struct{}),
	}

	// Testar conectividade com o Redis.
	pingCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.CoordinatorOperations.WithLabelValues("ping", "error").Inc()
		if !opts.Fallback {
			return nil, errs.New(errs.KindConnect, "coordinator", fmt.Errorf("redis ping failed: %w", err))
		}
		log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
		c.fallbackMode.Store(true)
	} else {
		metrics.CoordinatorOperations.WithLabelValues("ping", "ok").Inc()
		if err := c.registerInstance(ctx); err != nil {
			return nil, errs.New(errs.KindConnect, "coordinator", fmt.Errorf("registering instance: %w", err))
		}
		log.Printf("[coordinator] Redis connected: %s (instance=%s, max_sessions=%d)",
			opts.Addr, instanceID, opts.MaxSessions)
	}

	if opts.HeartbeatInterval > 0 {
		c.heartbeat = newHeartbeat(c)
		c.heartbeat.start(context.WithoutCancel(ctx))
	}
	return c, nil
}

// registerInstance adiciona esta instância ao conjunto de instâncias ativas.
func (c *Coordinator) registerInstance(ctx context.Context) error {
	_, err := c.client.SAdd(ctx, keyInstanceList, c.instanceID).Result()
	return err
}

// ── Acquire / Release ───────────────────────────────────────────────────

// tryAcquire incrementa atomicamente a contagem global de sessões de um pool.
// Retorna false quando o pool está na capacidade máxima.
func (c *Coordinator) tryAcquire(ctx context.Context, key string) (bool, error) {
	if c.fallbackMode.Load() {
		return c.acquireFallback(key), nil
	}

	result, err := acquireScript.Run(ctx, c.client,
		[]string{fmt.Sprintf(keyPoolCount, key), fmt.Sprintf(keyInstanceConn, c.instanceID)},
		c.opts.MaxSessions, key,
	).Int64()
	if err != nil {
		metrics.CoordinatorOperations.WithLabelValues("acquire", "error").Inc()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Se o Redis falhar, tentar fallback.
		if c.opts.Fallback {
			log.Printf("[coordinator] Redis acquire failed (%v), falling back to local", err)
			c.enterFallback()
			return c.acquireFallback(key), nil
		}
		return false, fmt.Errorf("redis acquire: %w", err)
	}

	switch result {
	case -1:
		metrics.CoordinatorOperations.WithLabelValues("acquire", "rejected").Inc()
		return false, nil
	case -2:
		return false, fmt.Errorf("pool %s: invalid max_sessions %d", short(key), c.opts.MaxSessions)
	}
	metrics.CoordinatorOperations.WithLabelValues("acquire", "ok").Inc()
	return true, nil
}

// Release decrementa atomicamente a contagem global de sessões de um pool e
// publica uma notificação para processos em espera.
func (c *Coordinator) Release(key string) {
	if c.fallbackMode.Load() {
		c.releaseFallback(key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout())
	defer cancel()

	_, err := releaseScript.Run(ctx, c.client,
		[]string{fmt.Sprintf(keyPoolCount, key), fmt.Sprintf(keyInstanceConn, c.instanceID)},
		key, fmt.Sprintf(channelRelease, key),
	).Int64()
	if err != nil {
		metrics.CoordinatorOperations.WithLabelValues("release", "error").Inc()
		log.Printf("[coordinator] Redis release for pool %s failed: %v", short(key), err)
		if c.opts.Fallback {
			c.enterFallback()
		}
		return
	}
	metrics.CoordinatorOperations.WithLabelValues("release", "ok").Inc()
}

func (c *Coordinator) opTimeout() time.Duration {
	if c.opts.WriteTimeout > 0 {
		return c.opts.WriteTimeout
	}
	return 3 * time.Second
}

// ── Modo Fallback ───────────────────────────────────────────────────────

func (c *Coordinator) enterFallback() {
	if c.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] Entering fallback mode (local limits)")
		metrics.CoordinatorOperations.WithLabelValues("fallback", "entered").Inc()
	}
}

// ExitFallback tenta reconectar ao Redis e sair do modo fallback.
func (c *Coordinator) ExitFallback(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return err
	}

	// Recarregar scripts (podem ter sido removidos por flush).
	for _, s := range []*redis.Script{acquireScript, releaseScript} {
		if err := s.Load(ctx, c.client).Err(); err != nil {
			return fmt.Errorf("loading scripts: %w", err)
		}
	}

	if err := c.registerInstance(ctx); err != nil {
		return err
	}

	// Reconciliar: sincronizar contagens locais com o Redis.
	if err := c.reconcileCounts(ctx); err != nil {
		log.Printf("[coordinator] Reconciliation failed: %v", err)
		return err
	}

	c.fallbackMode.Store(false)
	log.Printf("[coordinator] Exited fallback mode, Redis reconnected")
	metrics.CoordinatorOperations.WithLabelValues("fallback", "exited").Inc()
	return nil
}

// IsFallback retorna true se o coordenador estiver em modo fallback.
func (c *Coordinator) IsFallback() bool {
	return c.fallbackMode.Load()
}

func (c *Coordinator) acquireFallback(key string) bool {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()

	if c.fallbackCounts[key] >= c.localLimit() {
		metrics.CoordinatorOperations.WithLabelValues("acquire_local", "rejected").Inc()
		return false
	}
	c.fallbackCounts[key]++
	metrics.CoordinatorOperations.WithLabelValues("acquire_local", "ok").Inc()
	return true
}

func (c *Coordinator) releaseFallback(key string) {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()

	if c.fallbackCounts[key] > 0 {
		c.fallbackCounts[key]--
	}
	// Acordar quem espera por um slot local.
	close(c.fallbackWake)
	c.fallbackWake = make(chan struct{})
}

// fallbackNotify returns a channel closed on the next local release.
func (c *Coordinator) fallbackNotify() <-chan struct{} {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()
	return c.fallbackWake
}

// localLimit calcula o limite de sessões por processo para o modo fallback.
func (c *Coordinator) localLimit() int {
	divisor := c.opts.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	limit := c.opts.MaxSessions / divisor
	if limit < 1 {
		limit = 1
	}
	return limit
}

// reconcileCounts sincroniza contagens locais do fallback com o Redis após reconexão.
func (c *Coordinator) reconcileCounts(ctx context.Context) error {
	c.fallbackMu.Lock()
	counts := make(map[string]int, len(c.fallbackCounts))
	for k, v := range c.fallbackCounts {
		counts[k] = v
	}
	c.fallbackMu.Unlock()

	pipe := c.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, c.instanceID)
	for key, count := range counts {
		pipe.HSet(ctx, instKey, key, count)
		pipe.IncrBy(ctx, fmt.Sprintf(keyPoolCount, key), int64(count))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	c.fallbackMu.Lock()
	for key := range counts {
		c.fallbackCounts[key] -= counts[key]
		if c.fallbackCounts[key] <= 0 {
			delete(c.fallbackCounts, key)
		}
	}
	c.fallbackMu.Unlock()

	log.Printf("[coordinator] Reconciled %d pool counts to Redis", len(counts))
	return nil
}

// ── Métodos de Consulta ─────────────────────────────────────────────────

// GlobalCount retorna a contagem global atual de sessões de um pool.
func (c *Coordinator) GlobalCount(ctx context.Context, key string) (int, error) {
	if c.fallbackMode.Load() {
		c.fallbackMu.Lock()
		defer c.fallbackMu.Unlock()
		return c.fallbackCounts[key], nil
	}

	val, err := c.client.Get(ctx, fmt.Sprintf(keyPoolCount, key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// InstanceCounts retorna as contagens de sessão por pool de uma instância.
func (c *Coordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	result, err := c.client.HGetAll(ctx, fmt.Sprintf(keyInstanceConn, instanceID)).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances retorna o conjunto de IDs de instâncias ativas.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, keyInstanceList).Result()
}

// Ping checks Redis; in fallback mode it reports the outage.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ── Ciclo de Vida ───────────────────────────────────────────────────────

// Close encerra o coordenador, desregistra a instância e fecha a conexão Redis.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()

	// Desregistrar instância.
	if !c.fallbackMode.Load() {
		pipe := c.client.Pipeline()
		pipe.SRem(ctx, keyInstanceList, c.instanceID)
		pipe.Del(ctx, fmt.Sprintf(keyInstanceConn, c.instanceID))
		pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, c.instanceID))
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[coordinator] Unregistering instance %s failed: %v", c.instanceID, err)
		}
	}

	log.Printf("[coordinator] Instance %s unregistered", c.instanceID)
	return c.client.Close()
}

// Client retorna o cliente Redis subjacente.
func (c *Coordinator) Client() redis.UniversalClient {
	return c.client
}

// InstanceID retorna o ID de instância deste coordenador.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
