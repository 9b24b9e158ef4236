package tds

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-sql/sqlexp"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// ── Stream de eventos ───────────────────────────────────────────────────
//
// O go-mssqldb entrega o fluxo de resposta através do loop de mensagens do
// sqlexp: MsgNext abre um result set, MsgNextResultSet avança, MsgError
// reporta erros do servidor. Uma goroutine produtora traduz essas mensagens
// em eventos transport.Event e os entrega por um canal sem buffer, de modo
// que cada linha só é lida do socket quando o consumidor pede a próxima.

type stream struct {
	events chan transport.Event
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	// after runs once the producer has finished, on Close.
	after []func()
}

func newStream(ctx context.Context, s *Session, req *transport.Request, args []any, outs []outputParam) *stream {
	ctx, cancel := context.WithCancel(ctx)
	st := &stream{
		events: make(chan transport.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(st.done)
		defer close(st.events)
		defer s.finish()
		st.produce(ctx, s, req, args, outs)
	}()
	return st
}

// Next implements transport.Stream.
func (st *stream) Next() (transport.Event, bool) {
	ev, ok := <-st.events
	return ev, ok
}

// Close implements transport.Stream. It cancels any unread remainder and
// waits for the session to become idle again.
func (st *stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.cancel()
	for range st.events {
	}
	<-st.done
	for _, fn := range st.after {
		fn()
	}
	return nil
}

func (st *stream) emit(ctx context.Context, ev transport.Event) bool {
	select {
	case st.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (st *stream) produce(ctx context.Context, s *Session, req *transport.Request, args []any, outs []outputParam) {
	var rs mssql.ReturnStatus
	if req.Kind == transport.RequestProcedure {
		args = append(args, &rs)
	}
	retmsg := &sqlexp.ReturnMessage{}
	args = append(args, retmsg)

	rows, err := s.conn.QueryContext(ctx, req.Text, args...)
	if err != nil {
		s.observe(err)
		st.emit(ctx, transport.ErrorEvent(err))
		return
	}

	if err := st.results(ctx, s, rows, retmsg); err != nil {
		rows.Close()
		s.observe(err)
		st.emit(ctx, transport.ErrorEvent(err))
		return
	}
	if err := rows.Close(); err != nil {
		s.observe(err)
		st.emit(ctx, transport.ErrorEvent(err))
		return
	}

	// Parâmetros de saída e return status só ficam disponíveis após o fechamento.
	for _, o := range outs {
		meta := transport.ParameterMetadata{Name: o.name, Type: o.typ}
		if !st.emit(ctx, transport.ReturnValueEvent(o.name, outputValue(o), meta)) {
			return
		}
	}
	var status *int32
	if req.Kind == transport.RequestProcedure {
		v := int32(rs)
		status = &v
	}
	st.emit(ctx, transport.DoneEvent(false, status))
}

// results runs the message loop until the last result set. The first server
// error ends the request.
func (st *stream) results(ctx context.Context, s *Session, rows *sql.Rows, retmsg *sqlexp.ReturnMessage) error {
	for active := true; active; {
		switch m := retmsg.Message(ctx).(type) {
		case sqlexp.MsgNext:
			if err := st.resultSet(ctx, rows); err != nil {
				return err
			}
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		case sqlexp.MsgError:
			return m.Error
		case sqlexp.MsgNotice:
			s.notice(fmt.Sprint(m.Message))
		case sqlexp.MsgRowsAffected:
		case nil:
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("message loop ended unexpectedly")
		}
	}
	return rows.Err()
}

func (st *stream) resultSet(ctx context.Context, rows *sql.Rows) error {
	cols, err := columnMetadata(rows)
	if err != nil {
		return err
	}
	if !st.emit(ctx, transport.MetadataEvent(cols...)) {
		return ctx.Err()
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make([]transport.Column, len(cols))
		for i, meta := range cols {
			row[i] = transport.Column{Value: columnValue(meta.TypeName, values[i]), Metadata: meta}
		}
		if !st.emit(ctx, transport.RowEvent(row)) {
			return ctx.Err()
		}
	}
	return rows.Err()
}
