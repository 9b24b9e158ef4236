package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/joao-brasil/mssql-ease/internal/engine"
	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// TxOptions configures one transaction level.
type TxOptions struct {
	// Name identifies the transaction on the server; generated when empty.
	Name string
	// IsolationLevel applies to the outermost level; the connection's
	// configured level is used when IsolationDefault.
	IsolationLevel transport.IsolationLevel
	// ImplicitCommit commits the level on Release instead of rolling it back.
	ImplicitCommit bool
}

type txEntry struct {
	name           string
	implicitCommit bool
}

// Runner is an action run against the borrowed session.
type Runner interface {
	Run(ctx context.Context, sess transport.Session) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, sess transport.Session) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, sess transport.Session) error { return f(ctx, sess) }

// Conn is a borrowed session with a transaction stack. It is not safe for
// concurrent use; issue one operation at a time.
type Conn struct {
	mu       sync.Mutex
	pool     *Pool
	ps       *PooledSession
	txs      []txEntry
	txSeq    int
	released bool
}

func newConn(p *Pool, ps *PooledSession) *Conn {
	return &Conn{pool: p, ps: ps}
}

// ID returns the identifier of the underlying session.
func (c *Conn) ID() uint64 { return c.ps.ID() }

// Session returns the borrowed session, or nil once released.
func (c *Conn) Session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	return c.ps.Session()
}

// Connected reports whether the handle is unreleased and its session is alive.
func (c *Conn) Connected() bool {
	sess := c.Session()
	return sess != nil && sess.Connected()
}

// Released reports whether Release has completed.
func (c *Conn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// TransactionStarted reports whether at least one transaction is open.
func (c *Conn) TransactionStarted() bool {
	return c.TransactionDepth() > 0
}

// TransactionDepth returns the number of open transaction levels.
func (c *Conn) TransactionDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

// ── Transações ──────────────────────────────────────────────────────────

// BeginTransaction opens a transaction level. The stack is unchanged when the
// server rejects it.
func (c *Conn) BeginTransaction(ctx context.Context, opts TxOptions) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return errs.New(errs.KindTransaction, "begin", errs.ErrReleased)
	}
	c.txSeq++
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("ease_%d_%d", c.ID(), c.txSeq)
	}
	c.mu.Unlock()

	level := opts.IsolationLevel
	if level == transport.IsolationDefault {
		level = c.pool.Config().Isolation()
	}

	if err := c.ps.Session().BeginTransaction(ctx, name, level); err != nil {
		metrics.TransactionsTotal.WithLabelValues("begin", "error").Inc()
		return errs.New(errs.KindTransaction, "begin", fmt.Errorf("transaction %q: %w", name, err))
	}
	metrics.TransactionsTotal.WithLabelValues("begin", "ok").Inc()

	c.mu.Lock()
	c.txs = append(c.txs, txEntry{name: name, implicitCommit: opts.ImplicitCommit})
	c.mu.Unlock()
	return nil
}

// CommitTransaction commits the innermost open level. The level is popped
// even when the server rejects the commit.
func (c *Conn) CommitTransaction(ctx context.Context) error {
	return c.end(ctx, "commit")
}

// RollbackTransaction rolls back the innermost open level. The level is
// popped even when the server rejects the rollback.
func (c *Conn) RollbackTransaction(ctx context.Context) error {
	return c.end(ctx, "rollback")
}

func (c *Conn) end(ctx context.Context, op string) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return errs.New(errs.KindTransaction, op, errs.ErrReleased)
	}
	tx, ok := c.pop()
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.KindTransaction, op, errs.ErrNoTransaction)
	}
	if err := c.endTx(ctx, op); err != nil {
		return errs.New(errs.KindTransaction, op, fmt.Errorf("transaction %q: %w", tx.name, err))
	}
	return nil
}

// pop removes the innermost entry. Caller holds c.mu.
func (c *Conn) pop() (txEntry, bool) {
	n := len(c.txs)
	if n == 0 {
		return txEntry{}, false
	}
	tx := c.txs[n-1]
	c.txs = c.txs[:n-1]
	return tx, true
}

func (c *Conn) endTx(ctx context.Context, op string) error {
	var err error
	if op == "commit" {
		err = c.ps.Session().CommitTransaction(ctx)
	} else {
		err = c.ps.Session().RollbackTransaction(ctx)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.TransactionsTotal.WithLabelValues(op, status).Inc()
	return err
}

// ── Release ─────────────────────────────────────────────────────────────

// Release resolves every open transaction level, innermost first: levels
// begun with ImplicitCommit are committed, the rest rolled back. The session
// then goes back to the pool, or is destroyed when resolution failed so no
// open transaction reaches the next borrower. Resolution errors are returned
// together as a ReleaseError after the session is returned. Releasing an
// already released handle is a no-op.
func (c *Conn) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	var pending []txEntry
	for {
		tx, ok := c.pop()
		if !ok {
			break
		}
		pending = append(pending, tx)
	}
	c.mu.Unlock()

	var err error
	for _, tx := range pending {
		op := "rollback"
		if tx.implicitCommit {
			op = "commit"
		}
		log.Printf("[conn] conn %d: implicit %s of transaction %q on release", c.ID(), op, tx.name)
		if e := c.endTx(ctx, op); e != nil {
			multierr.AppendInto(&err, fmt.Errorf("implicit %s of %q: %w", op, tx.name, e))
		}
	}

	if err != nil {
		c.pool.Discard(c.ps)
	} else {
		c.pool.Release(c.ps)
	}

	c.mu.Lock()
	c.released = true
	c.mu.Unlock()

	if err != nil {
		return errs.New(errs.KindRelease, "release", err)
	}
	return nil
}

// ── Execução ────────────────────────────────────────────────────────────

// Run executes actions in order against the borrowed session, each awaited
// before the next, and returns the elapsed time of every action that ran.
// Each action is a Runner or a func(context.Context, transport.Session) error.
// When release is true the handle is released whatever the outcome.
func (c *Conn) Run(ctx context.Context, release bool, actions ...any) (elapsed []time.Duration, err error) {
	if release {
		defer func() {
			if rerr := c.Release(context.WithoutCancel(ctx)); rerr != nil {
				if err == nil {
					err = rerr
				} else {
					log.Printf("[conn] conn %d: release after failed run also failed: %v", c.ID(), rerr)
				}
			}
		}()
	}

	runners := make([]Runner, len(actions))
	for i, a := range actions {
		switch v := a.(type) {
		case Runner:
			runners[i] = v
		case func(context.Context, transport.Session) error:
			runners[i] = RunnerFunc(v)
		default:
			return nil, errs.New(errs.KindExecution, "run",
				fmt.Errorf("action %d of type %T: %w", i, a, errs.ErrUnrecognizedAction))
		}
	}

	elapsed = make([]time.Duration, 0, len(runners))
	for i, r := range runners {
		sess := c.Session()
		if sess == nil {
			return elapsed, errs.New(errs.KindExecution, "run", errs.ErrReleased)
		}
		start := time.Now()
		if err := r.Run(ctx, sess); err != nil {
			return elapsed, errs.New(errs.KindExecution, "run", fmt.Errorf("action %d: %w", i, err))
		}
		elapsed = append(elapsed, time.Since(start))
	}
	return elapsed, nil
}

// QueryRows runs query, delivering the rows of its first result set to fn.
func (c *Conn) QueryRows(ctx context.Context, query string, fn engine.RowFunc, release bool) (*engine.Stats, error) {
	return c.Statement(query).ExecuteRows(ctx, []engine.RowFunc{fn}, nil, release)
}

// QueryObjects is QueryRows with every row projected to a map.
func (c *Conn) QueryObjects(ctx context.Context, query string, fn engine.ObjectFunc, release bool) (*engine.Stats, error) {
	return c.Statement(query).ExecuteObjects(ctx, []engine.ObjectFunc{fn}, nil, release)
}

// Statement binds SQL batch text to this handle.
func (c *Conn) Statement(text string) *engine.Statement {
	return engine.NewStatement(c, text)
}

// Procedure binds a stored procedure to this handle.
func (c *Conn) Procedure(name string) *engine.Procedure {
	return engine.NewProcedure(c, name)
}
