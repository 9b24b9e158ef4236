package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	mssqlease "github.com/joao-brasil/mssql-ease"
	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// paramSpec is one --param or --out flag: name=Type[:value].
type paramSpec struct {
	name   string
	typ    transport.ParamType
	value  any
	output bool
}

// parseParam parses name=Type[:value]. A missing value binds NULL, or no
// initial value for output parameters.
func parseParam(s string, output bool) (paramSpec, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return paramSpec{}, fmt.Errorf("parameter %q: expected name=Type[:value]", s)
	}
	typName, raw, hasValue := strings.Cut(rest, ":")
	typ, err := transport.ParseParamType(typName)
	if err != nil {
		return paramSpec{}, fmt.Errorf("parameter %q: %w", name, err)
	}

	param := paramSpec{name: strings.TrimSpace(name), typ: typ, output: output}
	if hasValue {
		v, err := convertValue(typ, raw)
		if err != nil {
			return paramSpec{}, fmt.Errorf("parameter %q: %w", name, err)
		}
		param.value = v
	}
	return param, nil
}

// convertValue turns the text of a flag into the Go value expected for typ.
func convertValue(typ transport.ParamType, raw string) (any, error) {
	t := transport.Types
	switch typ {
	case t.Bit:
		return strconv.ParseBool(raw)
	case t.TinyInt, t.SmallInt, t.Int, t.BigInt:
		return strconv.ParseInt(raw, 10, 64)
	case t.Real, t.Float:
		return strconv.ParseFloat(raw, 64)
	case t.Decimal, t.Money:
		return decimal.NewFromString(raw)
	case t.Binary, t.VarBinary:
		return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X"))
	case t.Date:
		return civil.ParseDate(raw)
	case t.Time:
		return civil.ParseTime(raw)
	case t.DateTime, t.DateTime2:
		if tm, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return tm, nil
		}
		return civil.ParseDateTime(raw)
	case t.DateTimeOffset:
		return time.Parse(time.RFC3339Nano, raw)
	case t.UniqueIdentifier:
		return uuid.Parse(raw)
	}
	return raw, nil
}

// parseParams parses the --param and --out flag values.
func parseParams(inputs, outputs []string) ([]paramSpec, error) {
	var specs []paramSpec
	for _, s := range inputs {
		p, err := parseParam(s, false)
		if err != nil {
			return nil, err
		}
		specs = append(specs, p)
	}
	for _, s := range outputs {
		p, err := parseParam(s, true)
		if err != nil {
			return nil, err
		}
		specs = append(specs, p)
	}
	return specs, nil
}

// binder attaches specs to a request; nil when there are none.
func binder(specs []paramSpec) mssqlease.Binder {
	if len(specs) == 0 {
		return nil
	}
	return func(req *transport.Request, _ *transport.TypeCatalog) error {
		for _, p := range specs {
			var err error
			if p.output {
				err = req.AddOutputParameter(p.name, p.typ, p.value)
			} else {
				err = req.AddParameter(p.name, p.typ, p.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
}
