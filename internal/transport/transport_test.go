package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIsolationLevel(t *testing.T) {
	tests := []struct {
		in   string
		want IsolationLevel
	}{
		{"", IsolationDefault},
		{"READ_COMMITTED", IsolationReadCommitted},
		{"read committed", IsolationReadCommitted},
		{"  Serializable ", IsolationSerializable},
		{"repeatable_read", IsolationRepeatableRead},
		{"READ UNCOMMITTED", IsolationReadUncommitted},
		{"snapshot", IsolationSnapshot},
	}
	for _, tt := range tests {
		got, err := ParseIsolationLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseIsolationLevel("CHAOS")
	assert.ErrorContains(t, err, "received: CHAOS")
}

func TestIsolationLevelRendering(t *testing.T) {
	assert.Equal(t, "REPEATABLE_READ", IsolationRepeatableRead.String())
	assert.Equal(t, "REPEATABLE READ", IsolationRepeatableRead.SQL())
	assert.Equal(t, "", IsolationDefault.String())
	assert.True(t, IsolationDefault.Valid())
	assert.False(t, IsolationLevel(42).Valid())
	assert.Equal(t, "IsolationLevel(42)", IsolationLevel(42).String())
}

func TestRequestParameters(t *testing.T) {
	req := NewProcedure("usp_laureates")
	assert.Equal(t, RequestProcedure, req.Kind)
	assert.Equal(t, "procedure", req.Kind.String())

	require.NoError(t, req.AddParameter("@year", Types.Int, 1903))
	require.NoError(t, req.AddOutputParameter("total", Types.BigInt, nil))

	assert.ErrorContains(t, req.AddParameter("YEAR", Types.Int, 1911), "already bound")
	assert.ErrorContains(t, req.AddParameter(" @ ", Types.Int, 1), "name is required")
	assert.ErrorContains(t, req.AddParameter("x", ParamType("Geography"), nil), "unknown type")

	params := req.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, Parameter{Name: "year", Type: Types.Int, Value: 1903}, params[0])
	assert.True(t, params[1].Output)

	assert.Equal(t, "batch", NewBatch("SELECT 1").Kind.String())
}

func TestParseParamType(t *testing.T) {
	typ, err := ParseParamType("nvarchar")
	require.NoError(t, err)
	assert.Equal(t, Types.NVarChar, typ)

	typ, err = ParseParamType("UNIQUEIDENTIFIER")
	require.NoError(t, err)
	assert.Equal(t, Types.UniqueIdentifier, typ)

	_, err = ParseParamType("geography")
	assert.Error(t, err)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "[Nobel]", QuoteIdentifier("Nobel"))
	assert.Equal(t, "[odd]]name]", QuoteIdentifier("odd]name"))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "requestCompleted", DoneEvent(false, nil).Kind.String())
	assert.Equal(t, "columnMetadata", MetadataEvent().Kind.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
