package transport

// EventKind identifies the discrete events a request's stream produces.
type EventKind int

const (
	// EventColumnMetadata starts a new result set.
	EventColumnMetadata EventKind = iota
	// EventRow carries one row of the current result set.
	EventRow
	// EventReturnValue carries one stored-procedure output parameter.
	EventReturnValue
	// EventDone is the request-completed event.
	EventDone
	// EventError aborts the request.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventColumnMetadata:
		return "columnMetadata"
	case EventRow:
		return "row"
	case EventReturnValue:
		return "returnValue"
	case EventDone:
		return "requestCompleted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ColumnMetadata describes one column of a result set.
type ColumnMetadata struct {
	ColName   string `json:"colName"`
	TypeName  string `json:"typeName"`
	Nullable  bool   `json:"nullable"`
	Length    int64  `json:"length,omitempty"`
	Precision int64  `json:"precision,omitempty"`
	Scale     int64  `json:"scale,omitempty"`
}

// Column is one positional value of a row together with its metadata.
// A nil Value represents SQL NULL.
type Column struct {
	Value    any
	Metadata *ColumnMetadata
}

// ParameterMetadata describes an output parameter reported by the server.
type ParameterMetadata struct {
	Name string    `json:"name"`
	Type ParamType `json:"type"`
}

// Event is one element of a request's response stream. Which fields are set
// depends on Kind.
type Event struct {
	Kind EventKind

	// EventColumnMetadata
	Columns []*ColumnMetadata

	// EventRow
	Row []Column

	// EventReturnValue
	ParamName string
	Value     any
	ParamMeta ParameterMetadata

	// EventDone
	More         bool
	ReturnStatus *int32

	// EventError
	Err error
}

// MetadataEvent builds an EventColumnMetadata.
func MetadataEvent(cols ...*ColumnMetadata) Event {
	return Event{Kind: EventColumnMetadata, Columns: cols}
}

// RowEvent builds an EventRow.
func RowEvent(row []Column) Event {
	return Event{Kind: EventRow, Row: row}
}

// ReturnValueEvent builds an EventReturnValue.
func ReturnValueEvent(name string, value any, meta ParameterMetadata) Event {
	return Event{Kind: EventReturnValue, ParamName: name, Value: value, ParamMeta: meta}
}

// DoneEvent builds an EventDone.
func DoneEvent(more bool, returnStatus *int32) Event {
	return Event{Kind: EventDone, More: more, ReturnStatus: returnStatus}
}

// ErrorEvent builds an EventError.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}
