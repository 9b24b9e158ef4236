package engine

import "github.com/joao-brasil/mssql-ease/internal/transport"

// RowFunc receives one row as an ordered list of columns.
type RowFunc func(row []transport.Column) error

// ObjectFunc receives one row projected to a column-name keyed map.
type ObjectFunc func(obj map[string]any) error

// Project builds a column-name keyed map from a row. Columns whose value is
// NULL are omitted: absence of a key means NULL.
func Project(row []transport.Column) map[string]any {
	obj := make(map[string]any, len(row))
	for _, col := range row {
		if col.Value == nil || col.Metadata == nil {
			continue
		}
		obj[col.Metadata.ColName] = col.Value
	}
	return obj
}

// Objects adapts an ObjectFunc to a RowFunc by projecting every row.
func Objects(fn ObjectFunc) RowFunc {
	if fn == nil {
		return nil
	}
	return func(row []transport.Column) error {
		return fn(Project(row))
	}
}

func objectsAll(fns []ObjectFunc) []RowFunc {
	out := make([]RowFunc, len(fns))
	for i, fn := range fns {
		out[i] = Objects(fn)
	}
	return out
}
