// Package health fornece health checks para os pools de sessão e o Redis.
// Cada conexão nomeada é verificada emprestando uma sessão do seu pool e
// executando SELECT @@VERSION; o Redis, quando configurado, recebe um PING.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/pool"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string          `json:"name"`
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Latency string          `json:"latency"`
	Pool    *pool.PoolStats `json:"pool,omitempty"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id,omitempty"`
	Components []ComponentHealth `json:"components"`
}

// Pinger is satisfied by the Redis coordinator.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker realiza health checks contra os pools e o Redis.
type Checker struct {
	manager    *pool.Manager
	targets    map[string]connstr.Config
	redis      Pinger
	instanceID string
	timeout    time.Duration
}

// NewChecker cria um novo health checker. redis may be nil.
func NewChecker(m *pool.Manager, targets map[string]connstr.Config, redis Pinger, instanceID string) *Checker {
	return &Checker{
		manager:    m,
		targets:    targets,
		redis:      redis,
		instanceID: instanceID,
		timeout:    10 * time.Second,
	}
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)
	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	if c.redis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkRedis(ctx))
		}()
	}

	for name, cfg := range c.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkSQLServer(ctx, name, cfg))
		}()
	}

	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkRedis verifica a conectividade com o Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.redis.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{Name: "redis", Status: StatusHealthy, Message: "PONG", Latency: latency.String()}
}

// checkSQLServer borrows a session from the connection's pool and asks for
// the server version.
func (c *Checker) checkSQLServer(ctx context.Context, name string, cfg connstr.Config) ComponentHealth {
	start := time.Now()
	component := "sqlserver-" + name

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	unhealthy := func(format string, err error) ComponentHealth {
		return ComponentHealth{
			Name:    component,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf(format, err),
			Latency: time.Since(start).String(),
		}
	}

	conn, err := c.manager.Connect(ctx, cfg)
	if err != nil {
		return unhealthy("acquire failed: %v", err)
	}

	var version string
	_, err = conn.QueryRows(ctx, "SELECT @@VERSION", func(row []transport.Column) error {
		if len(row) > 0 {
			if s, ok := row[0].Value.(string); ok {
				version = s
			}
		}
		return nil
	}, true)
	latency := time.Since(start)
	if err != nil {
		return unhealthy("SELECT @@VERSION failed: %v", err)
	}

	// Truncar string de versão para legibilidade
	if len(version) > 80 {
		version = version[:80] + "..."
	}
	if version == "" {
		version = "connected"
	}

	ch := ComponentHealth{Name: component, Status: StatusHealthy, Message: version, Latency: latency.String()}
	if p, ok := c.manager.Pool(cfg); ok {
		stats := p.Stats()
		ch.Pool = &stats
	}
	return ch
}

// Handler returns the health endpoints: /health, /health/ready and /health/live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	return mux
}

// Serve inicia o servidor HTTP de health check na porta informada.
func (c *Checker) Serve(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()
	return server
}
