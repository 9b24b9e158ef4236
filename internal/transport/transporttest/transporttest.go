// Package transporttest provides a scripted in-memory transport for tests.
// Sessions answer requests from a Responder and simulate transactions with a
// shared committed store, so pool and engine behavior can be exercised without
// a SQL Server.
package transporttest

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// Responder produces the events for one request.
type Responder func(s *Session, req *transport.Request) ([]transport.Event, error)

// Done is the default responder: a single completion event.
func Done(*Session, *transport.Request) ([]transport.Event, error) {
	return []transport.Event{transport.DoneEvent(false, nil)}, nil
}

// Events returns a responder that always answers with evs.
func Events(evs ...transport.Event) Responder {
	return func(*Session, *transport.Request) ([]transport.Event, error) {
		return evs, nil
	}
}

// Col builds a row column with a named metadata entry.
func Col(name string, value any) transport.Column {
	return transport.Column{Value: value, Metadata: &transport.ColumnMetadata{ColName: name}}
}

// ResultSet builds the metadata event and n row events of one result set.
func ResultSet(n int, row func(i int) []transport.Column) []transport.Event {
	evs := []transport.Event{transport.MetadataEvent(&transport.ColumnMetadata{ColName: "id"})}
	for i := 0; i < n; i++ {
		evs = append(evs, transport.RowEvent(row(i)))
	}
	return evs
}

// ── Store ───────────────────────────────────────────────────────────────

// Store holds committed key/value writes shared by all sessions of a factory.
type Store struct {
	mu   sync.Mutex
	data map[string]string
}

// Get returns the committed value for key.
func (st *Store) Get(key string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.data[key]
	return v, ok
}

func (st *Store) apply(writes map[string]string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.data == nil {
		st.data = make(map[string]string)
	}
	for k, v := range writes {
		st.data[k] = v
	}
}

// ── Factory ─────────────────────────────────────────────────────────────

var sessionSeed atomic.Uint64

// Factory implements transport.Factory over in-memory sessions.
type Factory struct {
	// Database is the initial active database of new sessions.
	Database string
	// Responder answers requests on new sessions; Done when nil.
	Responder Responder
	// CreateErr, when set, fails every Create.
	CreateErr error
	// ValidateFunc overrides validation; Connected() when nil.
	ValidateFunc func(s *Session) bool
	// OnCreate runs before a session is returned from Create.
	OnCreate func(s *Session)

	Store Store

	mu        sync.Mutex
	sessions  []*Session
	created   atomic.Int64
	destroyed atomic.Int64
}

// Create implements transport.Factory.
func (f *Factory) Create(ctx context.Context) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	createErr := f.CreateErr
	f.mu.Unlock()
	if createErr != nil {
		return nil, createErr
	}
	s := &Session{
		id:        sessionSeed.Add(1),
		connected: true,
		database:  f.Database,
		responder: f.Responder,
		store:     &f.Store,
	}
	if f.OnCreate != nil {
		f.OnCreate(s)
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	f.created.Add(1)
	return s, nil
}

// Validate implements transport.Factory.
func (f *Factory) Validate(_ context.Context, s transport.Session) bool {
	fs, ok := s.(*Session)
	if !ok {
		return false
	}
	if f.ValidateFunc != nil {
		return f.ValidateFunc(fs)
	}
	return fs.Connected()
}

// Destroy implements transport.Factory.
func (f *Factory) Destroy(s transport.Session) error {
	f.destroyed.Add(1)
	return s.Close()
}

// SetCreateErr changes CreateErr safely while the factory is in use.
func (f *Factory) SetCreateErr(err error) {
	f.mu.Lock()
	f.CreateErr = err
	f.mu.Unlock()
}

// Created returns the number of sessions created.
func (f *Factory) Created() int { return int(f.created.Load()) }

// Destroyed returns the number of sessions destroyed.
func (f *Factory) Destroyed() int { return int(f.destroyed.Load()) }

// Sessions returns all sessions created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// ── Session ─────────────────────────────────────────────────────────────

// Session implements transport.Session.
type Session struct {
	id        uint64
	responder Responder
	store     *Store

	// BeginErr, CommitErr and RollbackErr make the corresponding call fail.
	BeginErr    error
	CommitErr   error
	RollbackErr error

	mu        sync.Mutex
	connected bool
	database  string
	busy      bool
	requests  []*transport.Request
	txLog     []string
	pending   []map[string]string
}

var useStatement = regexp.MustCompile(`(?i)^\s*USE\s+\[?([^\]\s;]+)\]?`)

// ID implements transport.Session.
func (s *Session) ID() uint64 { return s.id }

// Connected implements transport.Session.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Database implements transport.Session.
func (s *Session) Database() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database
}

// SetDatabase simulates a request that changed database context.
func (s *Session) SetDatabase(db string) {
	s.mu.Lock()
	s.database = db
	s.mu.Unlock()
}

// Disconnect simulates the server closing the connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Submit implements transport.Session.
func (s *Session) Submit(ctx context.Context, req *transport.Request) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	if s.busy {
		s.mu.Unlock()
		return nil, errs.ErrSessionBusy
	}
	s.busy = true
	s.requests = append(s.requests, req)
	if m := useStatement.FindStringSubmatch(req.Text); m != nil && req.Kind == transport.RequestBatch {
		s.database = m[1]
	}
	responder := s.responder
	s.mu.Unlock()

	if responder == nil {
		responder = Done
	}
	evs, err := responder(s, req)
	if err != nil {
		s.setIdle()
		return nil, err
	}
	return &stream{session: s, events: evs}, nil
}

// Requests returns the requests submitted on this session.
func (s *Session) Requests() []*transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// TxLog returns the transaction calls in order: "begin:<name>:<level>", "commit", "rollback".
func (s *Session) TxLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.txLog))
	copy(out, s.txLog)
	return out
}

// Write records a write, pending if a transaction is open and committed otherwise.
func (s *Session) Write(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.pending); n > 0 {
		s.pending[n-1][key] = value
		return
	}
	s.store.apply(map[string]string{key: value})
}

// BeginTransaction implements transport.Session.
func (s *Session) BeginTransaction(_ context.Context, name string, level transport.IsolationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeginErr != nil {
		return s.BeginErr
	}
	s.txLog = append(s.txLog, "begin:"+name+":"+level.String())
	s.pending = append(s.pending, make(map[string]string))
	return nil
}

// CommitTransaction implements transport.Session.
func (s *Session) CommitTransaction(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txLog = append(s.txLog, "commit")
	if s.CommitErr != nil {
		return s.CommitErr
	}
	n := len(s.pending)
	if n == 0 {
		return errors.New("COMMIT has no corresponding BEGIN TRANSACTION")
	}
	top := s.pending[n-1]
	s.pending = s.pending[:n-1]
	if n > 1 {
		for k, v := range top {
			s.pending[n-2][k] = v
		}
		return nil
	}
	s.store.apply(top)
	return nil
}

// RollbackTransaction implements transport.Session.
func (s *Session) RollbackTransaction(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txLog = append(s.txLog, "rollback")
	if s.RollbackErr != nil {
		return s.RollbackErr
	}
	n := len(s.pending)
	if n == 0 {
		return errors.New("ROLLBACK has no corresponding BEGIN TRANSACTION")
	}
	s.pending = s.pending[:n-1]
	return nil
}

// Close implements transport.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Busy reports whether a stream is still open on the session.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) setIdle() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Stream builds a standalone stream over evs, for driving the engine directly.
func Stream(evs ...transport.Event) transport.Stream {
	return &stream{events: evs}
}

type stream struct {
	session *Session
	events  []transport.Event
	pos     int
	closed  bool
}

func (st *stream) Next() (transport.Event, bool) {
	if st.closed || st.pos >= len(st.events) {
		return transport.Event{}, false
	}
	ev := st.events[st.pos]
	st.pos++
	return ev, true
}

func (st *stream) Close() error {
	if !st.closed {
		st.closed = true
		if st.session != nil {
			st.session.setIdle()
		}
	}
	return nil
}

// IsUse reports whether text is a USE statement, as issued by database correction.
func IsUse(text string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "USE ")
}
