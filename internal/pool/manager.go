package pool

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/joao-brasil/mssql-ease/internal/engine"
	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

// FactoryFunc builds the session factory for one connection configuration.
type FactoryFunc func(cfg connstr.Config) (transport.Factory, error)

// warmTimeout bounds the creation of a pool's warm sessions.
const warmTimeout = 30 * time.Second

// Manager gerencia um pool por identidade de configuração. Pools são criados
// sob demanda no primeiro Connect e compartilhados por todos os chamadores
// cuja configuração normalizada tem o mesmo hash.
type Manager struct {
	opts       Options
	newFactory FactoryFunc

	pools *xsync.Map[string, *Pool]
	group singleflight.Group

	mu      sync.Mutex
	drained bool
}

// NewManager validates opts and creates an empty Manager.
func NewManager(opts Options, newFactory FactoryFunc) (*Manager, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if newFactory == nil {
		return nil, errs.Config("a session factory is required")
	}
	return &Manager{
		opts:       opts,
		newFactory: newFactory,
		pools:      xsync.NewMap[string, *Pool](),
	}, nil
}

// Connect borrows a session for cfg, creating the pool on first use, and
// returns it wrapped in a Conn. When cfg names a database and the session's
// active database differs, a USE is issued first; if that fails the session
// is destroyed and Connect fails with a ConnectError.
func (m *Manager) Connect(ctx context.Context, cfg connstr.Config) (*Conn, error) {
	p, err := m.poolFor(cfg)
	if err != nil {
		return nil, err
	}

	ps, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.correctDatabase(ctx, p, ps); err != nil {
		p.Discard(ps)
		return nil, errs.New(errs.KindConnect, "connect", err)
	}
	return newConn(p, ps), nil
}

// Pool returns the pool for cfg, if one was created.
func (m *Manager) Pool(cfg connstr.Config) (*Pool, bool) {
	if err := cfg.Validate(); err != nil {
		return nil, false
	}
	return m.pools.Load(cfg.Normalize().Hash())
}

// Pools returns every live pool.
func (m *Manager) Pools() []*Pool {
	var out []*Pool
	m.pools.Range(func(_ string, p *Pool) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Stats returns statistics for every pool.
func (m *Manager) Stats() []PoolStats {
	var stats []PoolStats
	for _, p := range m.Pools() {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Drain stops new connects and drains every pool in parallel. Destroy
// failures from all pools are aggregated. Calling Drain again is a no-op.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.drained = true
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errA error
	)
	m.pools.Range(func(key string, p *Pool) bool {
		g.Go(func() error {
			if err := p.Drain(ctx); err != nil {
				mu.Lock()
				errA = multierr.Append(errA, fmt.Errorf("pool %s: %w", p.name, err))
				mu.Unlock()
			}
			m.pools.Delete(key)
			return nil
		})
		return true
	})
	_ = g.Wait()

	log.Println("[pool] Manager drained")
	if errA != nil {
		return errs.New(errs.KindRelease, "drain", errA)
	}
	return nil
}

// poolFor returns the pool for cfg, creating it at most once per identity.
func (m *Manager) poolFor(cfg connstr.Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	key := cfg.Hash()

	if m.isDrained() {
		return nil, errs.New(errs.KindConnect, "connect", errs.ErrPoolDrained)
	}
	if p, ok := m.pools.Load(key); ok {
		return p, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if p, ok := m.pools.Load(key); ok {
			return p, nil
		}
		factory, err := m.newFactory(cfg)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		p, err := NewPool(ctx, key, cfg, factory, m.opts)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.drained {
			m.mu.Unlock()
			_ = p.Drain(ctx)
			return nil, errs.New(errs.KindConnect, "connect", errs.ErrPoolDrained)
		}
		m.pools.Store(key, p)
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

func (m *Manager) isDrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drained
}

// correctDatabase switches the session to the configured database when a
// previous borrower left it elsewhere.
func (m *Manager) correctDatabase(ctx context.Context, p *Pool, ps *PooledSession) error {
	want := p.Config().Database
	have := ps.Session().Database()
	if want == "" || strings.EqualFold(want, have) {
		return nil
	}

	log.Printf("[pool] Pool %s — session %d is on database %q, switching to %q", p.name, ps.ID(), have, want)
	metrics.DatabaseCorrections.WithLabelValues(p.name).Inc()
	req := transport.NewBatch("USE " + transport.QuoteIdentifier(want))
	if _, err := engine.Execute(ctx, ps.Session(), req, nil, nil); err != nil {
		return fmt.Errorf("switch session %d to database %q: %w", ps.ID(), want, err)
	}
	return nil
}
