package main

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

func TestParseParam(t *testing.T) {
	p, err := parseParam("year=int:1903", false)
	require.NoError(t, err)
	assert.Equal(t, "year", p.name)
	assert.Equal(t, transport.Types.Int, p.typ)
	assert.Equal(t, int64(1903), p.value)
	assert.False(t, p.output)

	// sem valor: NULL
	p, err = parseParam("@total=Int", true)
	require.NoError(t, err)
	assert.Equal(t, "@total", p.name)
	assert.Nil(t, p.value)
	assert.True(t, p.output)

	// o valor pode conter ':'
	p, err = parseParam("at=DateTimeOffset:2024-03-01T10:30:00-03:00", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC), p.value.(time.Time).UTC())

	for _, bad := range []string{"noequals", "=Int:1", "x=Widget:1", "x=Int:abc"} {
		_, err := parseParam(bad, false)
		assert.Error(t, err, bad)
	}
}

func TestConvertValue(t *testing.T) {
	ty := transport.Types
	id := uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")

	tests := []struct {
		typ  transport.ParamType
		raw  string
		want any
	}{
		{ty.Bit, "true", true},
		{ty.BigInt, "-42", int64(-42)},
		{ty.Float, "2.5", 2.5},
		{ty.Decimal, "12.345", decimal.RequireFromString("12.345")},
		{ty.VarBinary, "0xCAFE", []byte{0xca, 0xfe}},
		{ty.Date, "1903-12-10", civil.Date{Year: 1903, Month: time.December, Day: 10}},
		{ty.Time, "13:45:00", civil.Time{Hour: 13, Minute: 45}},
		{ty.DateTime2, "1903-12-10T13:45:00", civil.DateTime{
			Date: civil.Date{Year: 1903, Month: time.December, Day: 10},
			Time: civil.Time{Hour: 13, Minute: 45},
		}},
		{ty.UniqueIdentifier, id.String(), id},
		{ty.NVarChar, "Marie Curie", "Marie Curie"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			got, err := convertValue(tt.typ, tt.raw)
			require.NoError(t, err)
			if d, ok := tt.want.(decimal.Decimal); ok {
				assert.True(t, d.Equal(got.(decimal.Decimal)))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := convertValue(ty.Bit, "maybe")
	assert.Error(t, err)
	_, err = convertValue(ty.UniqueIdentifier, "not-a-uuid")
	assert.Error(t, err)
}

func TestBinder(t *testing.T) {
	assert.Nil(t, binder(nil))

	specs, err := parseParams([]string{"year=Int:1903", "name=NVarChar:Curie"}, []string{"total=Int"})
	require.NoError(t, err)

	req := transport.NewProcedure("usp_laureates")
	require.NoError(t, binder(specs)(req, transport.Types))

	params := req.Parameters()
	require.Len(t, params, 3)
	assert.Equal(t, transport.Parameter{Name: "year", Type: transport.Types.Int, Value: int64(1903)}, params[0])
	assert.Equal(t, "Curie", params[1].Value)
	assert.Equal(t, "total", params[2].Name)
	assert.True(t, params[2].Output)
}

func TestBinderDuplicate(t *testing.T) {
	specs, err := parseParams([]string{"id=Int:1"}, []string{"ID=Int"})
	require.NoError(t, err)
	err = binder(specs)(transport.NewBatch("SELECT @id"), transport.Types)
	assert.ErrorContains(t, err, "already bound")
}

func TestBatchText(t *testing.T) {
	text, err := batchText([]string{"SELECT 1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", text)

	_, err = batchText([]string{"SELECT 1"}, "batch.sql")
	assert.Error(t, err)
	_, err = batchText(nil, "")
	assert.Error(t, err)
	_, err = batchText(nil, "/nonexistent/batch.sql")
	assert.Error(t, err)
}
