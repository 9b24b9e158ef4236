package tds

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// Session is one physical SQL Server connection, pinned for its whole life.
type Session struct {
	id      uint64
	db      *sql.DB
	conn    *sql.Conn
	timeout time.Duration

	mu       sync.Mutex
	database string
	busy     bool
	broken   bool
	closed   bool
	levels   []txLevel
}

// txLevel is one level of the server-side transaction: the outermost level
// is a named transaction, inner levels are savepoints.
type txLevel struct {
	name      string
	savepoint string
	isolation transport.IsolationLevel
}

// ID implements transport.Session.
func (s *Session) ID() uint64 { return s.id }

// Connected implements transport.Session.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.broken
}

// Database implements transport.Session.
func (s *Session) Database() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database
}

// Submit implements transport.Session. The returned stream must be closed
// before the next request is submitted.
func (s *Session) Submit(ctx context.Context, req *transport.Request) (transport.Stream, error) {
	args, outs, err := bindArgs(req)
	if err != nil {
		return nil, err
	}

	var eff BatchEffect
	if req.Kind == transport.RequestBatch {
		eff = InspectBatch(req.Text)
		if eff.Transaction {
			log.Printf("[tds] session %d: batch issues its own transaction control (%s); handle transaction stack is bypassed", s.id, eff.Reason)
		}
	}

	if err := s.acquire(); err != nil {
		return nil, err
	}

	rctx, cancel := s.requestContext(ctx)
	st := newStream(rctx, s, req, args, outs)
	st.after = append(st.after, cancel)
	if eff.ChangesDatabase {
		st.after = append(st.after, s.refreshDatabase)
	}
	return st, nil
}

// BeginTransaction implements transport.Session. The outermost level starts a
// named transaction at the requested isolation level; nested levels are savepoints.
func (s *Session) BeginTransaction(ctx context.Context, name string, level transport.IsolationLevel) error {
	s.mu.Lock()
	depth := len(s.levels)
	s.mu.Unlock()

	lv := txLevel{name: name, isolation: level}
	var text string
	if depth == 0 {
		text = "BEGIN TRANSACTION " + transport.QuoteIdentifier(truncateName(name))
		if level != transport.IsolationDefault {
			text = "SET TRANSACTION ISOLATION LEVEL " + level.SQL() + ";\n" + text
		}
	} else {
		lv.savepoint = truncateName(fmt.Sprintf("sp%d_%s", depth, name))
		text = "SAVE TRANSACTION " + transport.QuoteIdentifier(lv.savepoint)
	}

	if err := s.exec(ctx, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.levels = append(s.levels, lv)
	s.mu.Unlock()
	return nil
}

// CommitTransaction implements transport.Session. Committing a savepoint level
// only discards the savepoint; its work commits with the outermost level.
func (s *Session) CommitTransaction(ctx context.Context) error {
	lv, depth, err := s.pop()
	if err != nil {
		return err
	}
	if depth > 1 {
		return nil
	}
	return s.exec(ctx, "COMMIT TRANSACTION"+resetIsolation(lv))
}

// RollbackTransaction implements transport.Session. Rolling back a savepoint
// level undoes only the work done since that savepoint.
func (s *Session) RollbackTransaction(ctx context.Context) error {
	lv, depth, err := s.pop()
	if err != nil {
		return err
	}
	if depth > 1 {
		return s.exec(ctx, "ROLLBACK TRANSACTION "+transport.QuoteIdentifier(lv.savepoint))
	}
	return s.exec(ctx, "ROLLBACK TRANSACTION"+resetIsolation(lv))
}

// Close implements transport.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	cerr := s.conn.Close()
	if err := s.db.Close(); err != nil && cerr == nil {
		cerr = err
	}
	return cerr
}

// ── Auxiliares ──────────────────────────────────────────────────────────

func (s *Session) pop() (txLevel, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := len(s.levels)
	if depth == 0 {
		return txLevel{}, 0, errs.ErrNoTransaction
	}
	lv := s.levels[depth-1]
	s.levels = s.levels[:depth-1]
	return lv, depth, nil
}

// exec runs a control statement that returns no rows.
func (s *Session) exec(ctx context.Context, text string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.finish()

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	_, err := s.conn.ExecContext(rctx, text)
	s.observe(err)
	return err
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errs.ErrReleased
	case s.broken:
		return fmt.Errorf("session %d is broken", s.id)
	case s.busy:
		return errs.ErrSessionBusy
	}
	s.busy = true
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// refreshDatabase re-reads the active database after a USE statement ran.
func (s *Session) refreshDatabase() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.acquire(); err != nil {
		return
	}
	defer s.finish()

	var name string
	if err := s.conn.QueryRowContext(ctx, "SELECT DB_NAME()").Scan(&name); err != nil {
		s.observe(err)
		log.Printf("[tds] session %d: failed to read active database: %v", s.id, err)
		return
	}
	s.mu.Lock()
	s.database = name
	s.mu.Unlock()
}

// observe marks the session broken when err is a connection-level failure.
func (s *Session) observe(err error) {
	if !isConnectionError(err) {
		return
	}
	s.mu.Lock()
	already := s.broken
	s.broken = true
	s.mu.Unlock()
	if !already {
		log.Printf("[tds] session %d: connection lost: %v", s.id, err)
	}
}

func (s *Session) notice(msg string) {
	log.Printf("[tds] session %d: %s", s.id, msg)
}

func (s *Session) ping(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.finish()
	err := s.conn.PingContext(ctx)
	s.observe(err)
	return err
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}

// truncateName keeps transaction and savepoint names within the server's 32 character limit.
func truncateName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "tx"
	}
	if r := []rune(name); len(r) > 32 {
		name = string(r[:32])
	}
	return name
}

func resetIsolation(lv txLevel) string {
	if lv.isolation == transport.IsolationDefault || lv.isolation == transport.IsolationReadCommitted {
		return ""
	}
	return ";\nSET TRANSACTION ISOLATION LEVEL " + transport.IsolationReadCommitted.SQL()
}
