package transport

import (
	"fmt"
	"strings"
)

// RequestKind distinguishes SQL batches from stored-procedure calls.
type RequestKind int

const (
	RequestBatch RequestKind = iota
	RequestProcedure
)

func (k RequestKind) String() string {
	if k == RequestProcedure {
		return "procedure"
	}
	return "batch"
}

// ParamType names a server-side parameter type. The driver decides how a Go
// value is encoded for each type.
type ParamType string

// TypeCatalog is handed to binders so they can refer to parameter types by
// field, the way a driver exposes its type table.
type TypeCatalog struct {
	Bit              ParamType
	TinyInt          ParamType
	SmallInt         ParamType
	Int              ParamType
	BigInt           ParamType
	Real             ParamType
	Float            ParamType
	Decimal          ParamType
	Money            ParamType
	Char             ParamType
	VarChar          ParamType
	NChar            ParamType
	NVarChar         ParamType
	Text             ParamType
	NText            ParamType
	Binary           ParamType
	VarBinary        ParamType
	Date             ParamType
	Time             ParamType
	DateTime         ParamType
	DateTime2        ParamType
	DateTimeOffset   ParamType
	UniqueIdentifier ParamType
}

// Types is the catalog passed to every Binder.
var Types = &TypeCatalog{
	Bit:              "Bit",
	TinyInt:          "TinyInt",
	SmallInt:         "SmallInt",
	Int:              "Int",
	BigInt:           "BigInt",
	Real:             "Real",
	Float:            "Float",
	Decimal:          "Decimal",
	Money:            "Money",
	Char:             "Char",
	VarChar:          "VarChar",
	NChar:            "NChar",
	NVarChar:         "NVarChar",
	Text:             "Text",
	NText:            "NText",
	Binary:           "Binary",
	VarBinary:        "VarBinary",
	Date:             "Date",
	Time:             "Time",
	DateTime:         "DateTime",
	DateTime2:        "DateTime2",
	DateTimeOffset:   "DateTimeOffset",
	UniqueIdentifier: "UniqueIdentifier",
}

var knownTypes = func() map[ParamType]bool {
	c := Types
	m := make(map[ParamType]bool)
	for _, t := range []ParamType{
		c.Bit, c.TinyInt, c.SmallInt, c.Int, c.BigInt, c.Real, c.Float, c.Decimal, c.Money,
		c.Char, c.VarChar, c.NChar, c.NVarChar, c.Text, c.NText, c.Binary, c.VarBinary,
		c.Date, c.Time, c.DateTime, c.DateTime2, c.DateTimeOffset, c.UniqueIdentifier,
	} {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is part of the catalog.
func (t ParamType) Valid() bool {
	return knownTypes[t]
}

// Parameter is one named, typed parameter attached to a request.
type Parameter struct {
	Name   string
	Type   ParamType
	Value  any
	Output bool
}

// Request is one request/response cycle: a batch text or a procedure name plus
// its parameters.
type Request struct {
	Kind   RequestKind
	Text   string
	params []Parameter
	names  map[string]bool
}

// NewBatch creates a request executing text as a SQL batch.
func NewBatch(text string) *Request {
	return &Request{Kind: RequestBatch, Text: text}
}

// NewProcedure creates a request calling the named stored procedure.
func NewProcedure(name string) *Request {
	return &Request{Kind: RequestProcedure, Text: name}
}

// AddParameter attaches an input parameter. A leading '@' on name is ignored.
func (r *Request) AddParameter(name string, typ ParamType, value any) error {
	return r.add(Parameter{Name: name, Type: typ, Value: value})
}

// AddOutputParameter attaches an output parameter; value is its initial value
// and fixes the Go type the driver reads the result into.
func (r *Request) AddOutputParameter(name string, typ ParamType, value any) error {
	return r.add(Parameter{Name: name, Type: typ, Value: value, Output: true})
}

func (r *Request) add(p Parameter) error {
	p.Name = strings.TrimPrefix(strings.TrimSpace(p.Name), "@")
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("parameter %s: unknown type %q", p.Name, string(p.Type))
	}
	key := strings.ToLower(p.Name)
	if r.names == nil {
		r.names = make(map[string]bool)
	}
	if r.names[key] {
		return fmt.Errorf("parameter %s already bound", p.Name)
	}
	r.names[key] = true
	r.params = append(r.params, p)
	return nil
}

// Parameters returns the bound parameters in binding order.
func (r *Request) Parameters() []Parameter {
	return r.params
}

// Binder attaches parameters to a request before it is submitted.
type Binder func(req *Request, types *TypeCatalog) error

// QuoteIdentifier brackets name for use as a SQL Server identifier.
func QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ParseParamType finds a catalog type by name, ignoring case.
func ParseParamType(name string) (ParamType, error) {
	for t := range knownTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown parameter type %q", name)
}
