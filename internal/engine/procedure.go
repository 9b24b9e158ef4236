package engine

import (
	"context"
	"log"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// Procedure calls a stored procedure on the session of one handle.
type Procedure struct {
	h    Handle
	name string
	id   uint64
}

// NewProcedure binds the procedure name to h.
func NewProcedure(h Handle, name string) *Procedure {
	return &Procedure{h: h, name: name, id: statementSeed.Add(1)}
}

// Name returns the procedure name.
func (p *Procedure) Name() string { return p.name }

// Execute calls the procedure for its output parameters and return status.
// Rows, if any, are counted and dropped.
func (p *Procedure) Execute(ctx context.Context, binder transport.Binder, release bool) (*Stats, error) {
	return p.ExecuteRows(ctx, nil, binder, release)
}

// ExecuteRows calls the procedure, delivering rows of result set i to callbacks[i].
func (p *Procedure) ExecuteRows(ctx context.Context, callbacks []RowFunc, binder transport.Binder, release bool) (*Stats, error) {
	st, err := Execute(ctx, p.h.Session(), transport.NewProcedure(p.name), binder, callbacks)
	if err != nil {
		log.Printf("[engine] conn %d: procedure #%d (%s) failed: %v", p.h.ID(), p.id, p.name, err)
	}
	return finish(ctx, p.h, release, st, err)
}

// ExecuteObjects is ExecuteRows with every row projected to a map.
func (p *Procedure) ExecuteObjects(ctx context.Context, callbacks []ObjectFunc, binder transport.Binder, release bool) (*Stats, error) {
	return p.ExecuteRows(ctx, objectsAll(callbacks), binder, release)
}
