package engine

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

var statementSeed atomic.Uint64

// Statement executes SQL batch text on the session of one handle.
type Statement struct {
	h    Handle
	text string
	id   uint64
}

// NewStatement binds text to h.
func NewStatement(h Handle, text string) *Statement {
	return &Statement{h: h, text: text, id: statementSeed.Add(1)}
}

// Text returns the statement text.
func (s *Statement) Text() string { return s.text }

// ExecuteRows runs the statement, delivering rows of result set i to callbacks[i].
// Rows of result sets beyond len(callbacks) are counted and dropped. When release
// is true the handle is released before the outcome is returned.
func (s *Statement) ExecuteRows(ctx context.Context, callbacks []RowFunc, binder transport.Binder, release bool) (*Stats, error) {
	st, err := Execute(ctx, s.h.Session(), transport.NewBatch(s.text), binder, callbacks)
	if err != nil {
		log.Printf("[engine] conn %d: statement #%d (%s) failed: %v", s.h.ID(), s.id, describe("batch", s.text), err)
	}
	return finish(ctx, s.h, release, st, err)
}

// ExecuteObjects is ExecuteRows with every row projected to a map.
func (s *Statement) ExecuteObjects(ctx context.Context, callbacks []ObjectFunc, binder transport.Binder, release bool) (*Stats, error) {
	return s.ExecuteRows(ctx, objectsAll(callbacks), binder, release)
}

// Execute runs the statement for its side effects; any rows are counted and dropped.
func (s *Statement) Execute(ctx context.Context, binder transport.Binder, release bool) (*Stats, error) {
	return s.ExecuteRows(ctx, nil, binder, release)
}
