// Package engine drives one request/response exchange over a session: it binds
// parameters, submits the request and demultiplexes the event stream into
// per-result-set row callbacks, output parameters and statistics.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// Handle is the session handle a statement or procedure is scoped to.
type Handle interface {
	ID() uint64
	// Session returns the borrowed session, or nil once released.
	Session() transport.Session
	Release(ctx context.Context) error
}

// Execute submits req on sess and consumes its stream. callbacks[i] receives the
// rows of result set i. An error event, a failing callback or a stream that ends
// before completion fails the whole request; rows already delivered stay delivered.
func Execute(ctx context.Context, sess transport.Session, req *transport.Request, binder transport.Binder, callbacks []RowFunc) (*Stats, error) {
	kind := req.Kind.String()
	if sess == nil {
		return nil, errs.New(errs.KindExecution, kind, errs.ErrReleased)
	}

	start := time.Now()
	if binder != nil {
		if err := binder(req, transport.Types); err != nil {
			metrics.RequestErrors.WithLabelValues(kind).Inc()
			return nil, errs.New(errs.KindExecution, "bind "+kind, err)
		}
	}

	stream, err := sess.Submit(ctx, req)
	if err != nil {
		metrics.RequestErrors.WithLabelValues(kind).Inc()
		return nil, errs.New(errs.KindExecution, "submit "+kind, err)
	}
	defer stream.Close()

	d := newDemux(callbacks)
	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		if err := d.feed(ev); err != nil {
			metrics.RequestErrors.WithLabelValues(kind).Inc()
			metrics.RequestRows.WithLabelValues(kind).Add(float64(d.rowSum + d.rowCount))
			return nil, errs.New(errs.KindExecution, kind, err)
		}
		if d.completed() {
			break
		}
	}
	if !d.completed() {
		metrics.RequestErrors.WithLabelValues(kind).Inc()
		return nil, errs.New(errs.KindExecution, kind, errs.ErrIncompleteStream)
	}

	st := d.stats(time.Since(start))
	metrics.RequestDuration.WithLabelValues(kind).Observe(st.Elapsed.Seconds())
	metrics.RequestRows.WithLabelValues(kind).Add(float64(st.RowCount))
	return st, nil
}

// finish releases the handle when asked to, before the caller sees the outcome.
// A request failure takes precedence over a release failure.
func finish(ctx context.Context, h Handle, release bool, st *Stats, err error) (*Stats, error) {
	if !release {
		return st, err
	}
	rerr := h.Release(context.WithoutCancel(ctx))
	if err != nil {
		if rerr != nil {
			log.Printf("[engine] conn %d: release after failed request also failed: %v", h.ID(), rerr)
		}
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	return st, nil
}

func describe(kind, text string) string {
	const max = 60
	if len(text) > max {
		text = text[:max] + "..."
	}
	return fmt.Sprintf("%s %q", kind, text)
}
