package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/internal/transport/transporttest"
)

func idRow(i int) []transport.Column {
	return []transport.Column{transporttest.Col("id", i)}
}

// script concatenates result sets with the given row counts and a final completion.
func script(counts ...int) []transport.Event {
	var evs []transport.Event
	for _, n := range counts {
		evs = append(evs, transporttest.ResultSet(n, idRow)...)
	}
	return append(evs, transport.DoneEvent(false, nil))
}

func sessionWith(t *testing.T, evs []transport.Event) transport.Session {
	t.Helper()
	f := &transporttest.Factory{Responder: transporttest.Events(evs...)}
	s, err := f.Create(context.Background())
	require.NoError(t, err)
	return s
}

func TestExecuteMoreResultSetsThanCallbacks(t *testing.T) {
	sess := sessionWith(t, script(2, 0, 5))

	var first, second int
	st, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, []RowFunc{
		func([]transport.Column) error { first++; return nil },
		func([]transport.Column) error { second++; return nil },
	})
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, []int{2, 0, 5}, st.RowCounts)
	assert.Equal(t, 3, st.ResultCount)
	assert.Equal(t, 7, st.RowCount)
	assert.Nil(t, st.ReturnStatus)
	assert.Nil(t, st.OutputParameters)
}

func TestExecuteRowAccounting(t *testing.T) {
	counts := []int{4, 1, 0, 3}
	sess := sessionWith(t, script(counts...))

	invoked := 0
	cb := func([]transport.Column) error { invoked++; return nil }
	st, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, []RowFunc{cb, cb})
	require.NoError(t, err)

	assert.Equal(t, counts, st.RowCounts)
	assert.Equal(t, len(counts), st.ResultCount)
	// Rows of sets 0 and 1 reach a callback; sets 2 and 3 are dropped.
	assert.Equal(t, 5, invoked)
	assert.Equal(t, invoked+0+3, st.RowCount)
}

func TestExecuteNoResultSets(t *testing.T) {
	sess := sessionWith(t, []transport.Event{transport.DoneEvent(false, nil)})

	st, err := Execute(context.Background(), sess, transport.NewBatch("UPDATE t SET x = 1"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ResultCount)
	assert.NotNil(t, st.RowCounts)
	assert.Empty(t, st.RowCounts)
	assert.Zero(t, st.RowCount)
}

func TestExecuteOutputParametersWithoutRows(t *testing.T) {
	status := int32(3)
	meta := transport.ParameterMetadata{Name: "total", Type: transport.Types.Int}
	sess := sessionWith(t, []transport.Event{
		transport.ReturnValueEvent("total", int64(42), meta),
		transport.ReturnValueEvent("label", "answer", transport.ParameterMetadata{Name: "label", Type: transport.Types.NVarChar}),
		transport.DoneEvent(false, &status),
	})

	st, err := Execute(context.Background(), sess, transport.NewProcedure("usp_total"), nil, nil)
	require.NoError(t, err)

	require.NotNil(t, st.ReturnStatus)
	assert.Equal(t, int32(3), *st.ReturnStatus)
	require.Len(t, st.OutputParameters, 2)
	v, ok := st.Output("total")
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, meta, st.OutputParameters["total"].Metadata)
	assert.Equal(t, 2, st.OutputCount)
	assert.Equal(t, 0, st.ResultCount)
}

func TestExecuteRepeatedOutputKeepsLastValue(t *testing.T) {
	meta := transport.ParameterMetadata{Name: "total", Type: transport.Types.Int}
	sess := sessionWith(t, []transport.Event{
		transport.ReturnValueEvent("total", int64(1), meta),
		transport.ReturnValueEvent("total", nil, meta),
		transport.DoneEvent(false, nil),
	})

	st, err := Execute(context.Background(), sess, transport.NewProcedure("usp_total"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, st.OutputCount)
	require.Len(t, st.OutputParameters, 1)
	v, ok := st.Output("total")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestExecuteIntermediateDoneKeepsStreaming(t *testing.T) {
	evs := transporttest.ResultSet(1, idRow)
	evs = append(evs, transport.DoneEvent(true, nil))
	evs = append(evs, transporttest.ResultSet(2, idRow)...)
	evs = append(evs, transport.DoneEvent(false, nil))
	sess := sessionWith(t, evs)

	st, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, st.RowCounts)
}

func TestExecuteFailsMidStream(t *testing.T) {
	boom := errors.New("Arithmetic overflow error converting expression to data type int")
	evs := transporttest.ResultSet(3, idRow)
	evs = append(evs, transport.ErrorEvent(boom), transport.RowEvent(idRow(99)))
	sess := sessionWith(t, evs)

	var seen []int
	_, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, []RowFunc{
		func(row []transport.Column) error {
			seen = append(seen, row[0].Value.(int))
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, errs.IsExecution(err))
	assert.ErrorIs(t, err, boom)
	// The three delivered rows stay with the caller; nothing after the error is delivered.
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestExecuteIncompleteStream(t *testing.T) {
	sess := sessionWith(t, transporttest.ResultSet(1, idRow))

	_, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIncompleteStream)
}

func TestExecuteCallbackError(t *testing.T) {
	sess := sessionWith(t, script(2))
	stop := errors.New("enough")

	_, err := Execute(context.Background(), sess, transport.NewBatch("x"), nil, []RowFunc{
		func([]transport.Column) error { return stop },
	})
	assert.True(t, errs.IsExecution(err))
	assert.ErrorIs(t, err, stop)
}

func TestExecuteReleasesSessionAfterStream(t *testing.T) {
	f := &transporttest.Factory{Responder: transporttest.Events(script(1)...)}
	s, err := f.Create(context.Background())
	require.NoError(t, err)

	_, err = Execute(context.Background(), s, transport.NewBatch("x"), nil, nil)
	require.NoError(t, err)
	assert.False(t, s.(*transporttest.Session).Busy())
}

func TestDemuxStates(t *testing.T) {
	d := newDemux(nil)
	assert.Equal(t, stateAwaitingMetadata, d.state)

	err := d.feed(transport.RowEvent(idRow(1)))
	require.Error(t, err)
	assert.Equal(t, stateFailed, d.state)

	d = newDemux(nil)
	require.NoError(t, d.feed(transport.MetadataEvent()))
	assert.Equal(t, stateInResultSet, d.state)
	require.NoError(t, d.feed(transport.DoneEvent(false, nil)))
	assert.Equal(t, stateCompleted, d.state)

	err = d.feed(transport.RowEvent(idRow(1)))
	assert.Error(t, err)
	assert.Equal(t, "Failed", d.state.String())
}

func TestDemuxNilCallbackDropsRows(t *testing.T) {
	d := newDemux([]RowFunc{nil})
	require.NoError(t, d.feed(transport.MetadataEvent()))
	require.NoError(t, d.feed(transport.RowEvent(idRow(1))))
	require.NoError(t, d.feed(transport.DoneEvent(false, nil)))
	assert.Equal(t, []int{1}, d.stats(0).RowCounts)
}
