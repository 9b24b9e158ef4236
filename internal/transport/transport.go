// Package transport defines the boundary between the pooling/execution core and
// the driver that owns the wire protocol. A Session submits one request at a time
// and exposes its response as an ordered stream of events.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Factory creates, validates and destroys sessions for one connection configuration.
type Factory interface {
	// Create establishes a ready session or fails with a connect error.
	Create(ctx context.Context) (Session, error)
	// Validate reports whether the session is still usable.
	Validate(ctx context.Context, s Session) bool
	// Destroy tears the session down.
	Destroy(s Session) error
}

// Session is one live network-level connection. At most one request may be in
// flight on a session at any time.
type Session interface {
	// ID is a process-wide monotonic session identifier.
	ID() uint64
	// Connected reports whether the underlying connection is still open.
	Connected() bool
	// Database returns the currently active database, which may differ from the
	// configured one if a request changed database context.
	Database() string
	// Submit sends the request and returns its event stream.
	Submit(ctx context.Context, req *Request) (Stream, error)
	BeginTransaction(ctx context.Context, name string, level IsolationLevel) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error
	Close() error
}

// Stream yields the events of one request in arrival order. Next returns false
// once the stream is exhausted; the terminal Done event (without More) or an
// Error event is always the last event delivered.
type Stream interface {
	Next() (Event, bool)
	Close() error
}

// IsolationLevel enumerates the transaction isolation levels a session accepts.
type IsolationLevel int

const (
	// IsolationDefault leaves the session's current isolation level unchanged.
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
	IsolationSnapshot
)

var isolationNames = map[IsolationLevel]string{
	IsolationReadUncommitted: "READ_UNCOMMITTED",
	IsolationReadCommitted:   "READ_COMMITTED",
	IsolationRepeatableRead:  "REPEATABLE_READ",
	IsolationSerializable:    "SERIALIZABLE",
	IsolationSnapshot:        "SNAPSHOT",
}

func (l IsolationLevel) String() string {
	if n, ok := isolationNames[l]; ok {
		return n
	}
	if l == IsolationDefault {
		return ""
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// SQL returns the level as used in SET TRANSACTION ISOLATION LEVEL.
func (l IsolationLevel) SQL() string {
	return strings.ReplaceAll(l.String(), "_", " ")
}

// Valid reports whether l is one of the enumerated levels (including the default).
func (l IsolationLevel) Valid() bool {
	_, ok := isolationNames[l]
	return ok || l == IsolationDefault
}

// ParseIsolationLevel accepts READ_COMMITTED, "read committed" and similar
// spellings. An empty string yields IsolationDefault.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" {
		return IsolationDefault, nil
	}
	norm = strings.ReplaceAll(norm, " ", "_")
	for l, n := range isolationNames {
		if n == norm {
			return l, nil
		}
	}
	return IsolationDefault, fmt.Errorf("isolation level must be one of READ_UNCOMMITTED, READ_COMMITTED, REPEATABLE_READ, SERIALIZABLE, SNAPSHOT; received: %s", s)
}
