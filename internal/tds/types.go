package tds

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// ── Conversão de parâmetros ─────────────────────────────────────────────
//
// Cada parâmetro da requisição vira um sql.Named. O tipo declarado decide a
// representação Go entregue ao go-mssqldb: VarChar vira mssql.VarChar (sem
// prefixo N), DateTime vira mssql.DateTime1, UniqueIdentifier vira
// mssql.UniqueIdentifier, e assim por diante. Parâmetros de saída usam
// sql.Out com um destino tipado, lido de volta depois que o stream termina.

type outputParam struct {
	name string
	typ  transport.ParamType
	dest any
}

// bindArgs converts the request parameters to driver arguments.
func bindArgs(req *transport.Request) ([]any, []outputParam, error) {
	var (
		args []any
		outs []outputParam
	)
	for _, p := range req.Parameters() {
		if p.Output {
			dest, err := outputDest(p.Type, p.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("output parameter %s: %w", p.Name, err)
			}
			args = append(args, sql.Named(p.Name, sql.Out{Dest: dest}))
			outs = append(outs, outputParam{name: p.Name, typ: p.Type, dest: dest})
			continue
		}
		v, err := inputValue(p.Type, p.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		args = append(args, sql.Named(p.Name, v))
	}
	return args, outs, nil
}

func inputValue(typ transport.ParamType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	t := transport.Types
	switch typ {
	case t.Char, t.VarChar, t.Text:
		switch s := v.(type) {
		case string:
			return mssql.VarChar(s), nil
		case mssql.VarChar:
			return s, nil
		}
		return nil, fmt.Errorf("%s expects a string, got %T", typ, v)

	case t.NChar, t.NVarChar, t.NText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("%s expects a string, got %T", typ, v)

	case t.Bit:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%s expects a bool, got %T", typ, v)

	case t.TinyInt, t.SmallInt, t.Int, t.BigInt:
		return toInt64(typ, v)

	case t.Real, t.Float:
		switch f := v.(type) {
		case float32:
			return float64(f), nil
		case float64:
			return f, nil
		}
		n, err := toInt64(typ, v)
		if err != nil {
			return nil, err
		}
		return float64(n), nil

	case t.Decimal, t.Money:
		switch d := v.(type) {
		case decimal.Decimal:
			return d.String(), nil
		case string:
			parsed, err := decimal.NewFromString(d)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", typ, err)
			}
			return parsed.String(), nil
		case float64:
			return decimal.NewFromFloat(d).String(), nil
		}
		n, err := toInt64(typ, v)
		if err != nil {
			return nil, err
		}
		return decimal.NewFromInt(n).String(), nil

	case t.Binary, t.VarBinary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%s expects []byte, got %T", typ, v)

	case t.Date:
		switch d := v.(type) {
		case civil.Date:
			return d, nil
		case time.Time:
			return civil.DateOf(d), nil
		}
		return nil, fmt.Errorf("%s expects civil.Date or time.Time, got %T", typ, v)

	case t.Time:
		switch d := v.(type) {
		case civil.Time:
			return d, nil
		case time.Time:
			return civil.TimeOf(d), nil
		}
		return nil, fmt.Errorf("%s expects civil.Time or time.Time, got %T", typ, v)

	case t.DateTime:
		switch d := v.(type) {
		case time.Time:
			return mssql.DateTime1(d), nil
		case civil.DateTime:
			return mssql.DateTime1(d.In(time.UTC)), nil
		}
		return nil, fmt.Errorf("%s expects time.Time, got %T", typ, v)

	case t.DateTime2:
		switch d := v.(type) {
		case time.Time:
			return civil.DateTimeOf(d), nil
		case civil.DateTime:
			return d, nil
		}
		return nil, fmt.Errorf("%s expects time.Time, got %T", typ, v)

	case t.DateTimeOffset:
		if d, ok := v.(time.Time); ok {
			return mssql.DateTimeOffset(d), nil
		}
		return nil, fmt.Errorf("%s expects time.Time, got %T", typ, v)

	case t.UniqueIdentifier:
		switch u := v.(type) {
		case uuid.UUID:
			return mssql.UniqueIdentifier(u), nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", typ, err)
			}
			return mssql.UniqueIdentifier(parsed), nil
		}
		return nil, fmt.Errorf("%s expects uuid.UUID or string, got %T", typ, v)
	}
	return nil, fmt.Errorf("unsupported type %s", typ)
}

func toInt64(typ transport.ParamType, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%s expects an integer, got %T", typ, v)
}

// outputDest allocates the destination an output parameter is read into,
// seeded with the initial value when one is given. Destinations are nullable:
// a procedure may leave an OUTPUT parameter NULL, and the driver still takes
// the declared type from the zero value.
func outputDest(typ transport.ParamType, initial any) (any, error) {
	t := transport.Types
	switch typ {
	case t.Bit:
		d := new(sql.NullBool)
		if initial != nil {
			b, ok := initial.(bool)
			if !ok {
				return nil, fmt.Errorf("%s expects a bool, got %T", typ, initial)
			}
			*d = sql.NullBool{Bool: b, Valid: true}
		}
		return d, nil

	case t.TinyInt, t.SmallInt, t.Int, t.BigInt:
		d := new(sql.NullInt64)
		if initial != nil {
			n, err := toInt64(typ, initial)
			if err != nil {
				return nil, err
			}
			*d = sql.NullInt64{Int64: n, Valid: true}
		}
		return d, nil

	case t.Real, t.Float:
		d := new(sql.NullFloat64)
		if initial != nil {
			v, err := inputValue(typ, initial)
			if err != nil {
				return nil, err
			}
			*d = sql.NullFloat64{Float64: v.(float64), Valid: true}
		}
		return d, nil

	case t.Decimal, t.Money:
		d := new(decimal.NullDecimal)
		if initial != nil {
			v, err := inputValue(typ, initial)
			if err != nil {
				return nil, err
			}
			dec, err := decimal.NewFromString(v.(string))
			if err != nil {
				return nil, err
			}
			*d = decimal.NewNullDecimal(dec)
		}
		return d, nil

	case t.Binary, t.VarBinary:
		// nil já é NULL para *[]byte
		d := new([]byte)
		if initial != nil {
			b, ok := initial.([]byte)
			if !ok {
				return nil, fmt.Errorf("%s expects []byte, got %T", typ, initial)
			}
			*d = b
		}
		return d, nil

	case t.Date, t.Time, t.DateTime, t.DateTime2, t.DateTimeOffset:
		d := new(sql.NullTime)
		if initial != nil {
			tm, ok := initial.(time.Time)
			if !ok {
				return nil, fmt.Errorf("%s expects time.Time, got %T", typ, initial)
			}
			*d = sql.NullTime{Time: tm, Valid: true}
		}
		return d, nil

	case t.UniqueIdentifier:
		d := new(mssql.NullUniqueIdentifier)
		if initial != nil {
			v, err := inputValue(typ, initial)
			if err != nil {
				return nil, err
			}
			*d = mssql.NullUniqueIdentifier{UUID: v.(mssql.UniqueIdentifier), Valid: true}
		}
		return d, nil

	case t.Char, t.VarChar, t.Text, t.NChar, t.NVarChar, t.NText:
		d := new(sql.NullString)
		if initial != nil {
			v, err := inputValue(typ, initial)
			if err != nil {
				return nil, err
			}
			switch s := v.(type) {
			case mssql.VarChar:
				*d = sql.NullString{String: string(s), Valid: true}
			case string:
				*d = sql.NullString{String: s, Valid: true}
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type %s", typ)
}

// outputValue reads an output destination back into the value reported to
// callers; NULL comes back as nil.
func outputValue(o outputParam) any {
	t := transport.Types
	switch d := o.dest.(type) {
	case *sql.NullString:
		if !d.Valid {
			return nil
		}
		return d.String
	case *decimal.NullDecimal:
		if !d.Valid {
			return nil
		}
		return d.Decimal
	case *mssql.NullUniqueIdentifier:
		if !d.Valid {
			return nil
		}
		return uuid.UUID(d.UUID)
	case *sql.NullTime:
		if !d.Valid {
			return nil
		}
		switch o.typ {
		case t.Date:
			return civil.DateOf(d.Time)
		case t.Time:
			return civil.TimeOf(d.Time)
		}
		return d.Time
	case *sql.NullInt64:
		if !d.Valid {
			return nil
		}
		return d.Int64
	case *sql.NullFloat64:
		if !d.Valid {
			return nil
		}
		return d.Float64
	case *sql.NullBool:
		if !d.Valid {
			return nil
		}
		return d.Bool
	case *[]byte:
		if *d == nil {
			return nil
		}
		return *d
	}
	return o.dest
}

// ── Conversão de colunas ────────────────────────────────────────────────

// columnValue converts a scanned driver value using the column's server type.
func columnValue(typeName string, v any) any {
	if v == nil {
		return nil
	}
	switch strings.ToUpper(typeName) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		var s string
		switch raw := v.(type) {
		case []byte:
			s = string(raw)
		case string:
			s = raw
		default:
			return v
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	case "UNIQUEIDENTIFIER":
		if raw, ok := v.([]byte); ok {
			var u mssql.UniqueIdentifier
			if err := u.Scan(raw); err == nil {
				return uuid.UUID(u)
			}
		}
	case "DATE":
		if tm, ok := v.(time.Time); ok {
			return civil.DateOf(tm)
		}
	case "TIME":
		if tm, ok := v.(time.Time); ok {
			return civil.TimeOf(tm)
		}
	}
	return v
}

// columnMetadata describes the result columns of rows.
func columnMetadata(rows *sql.Rows) ([]*transport.ColumnMetadata, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]*transport.ColumnMetadata, len(types))
	for i, ct := range types {
		meta := &transport.ColumnMetadata{
			ColName:  ct.Name(),
			TypeName: ct.DatabaseTypeName(),
		}
		if nullable, ok := ct.Nullable(); ok {
			meta.Nullable = nullable
		}
		if length, ok := ct.Length(); ok {
			meta.Length = length
		}
		if precision, scale, ok := ct.DecimalSize(); ok {
			meta.Precision, meta.Scale = precision, scale
		}
		cols[i] = meta
	}
	return cols, nil
}
