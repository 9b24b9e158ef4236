package engine

import (
	"time"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// Stats summarizes one request. Row counts are exact; RowCounts has one entry
// per result set, including empty ones.
type Stats struct {
	RowCount    int           `json:"rowCount"`
	RowCounts   []int         `json:"rowCounts"`
	ResultCount int           `json:"resultCount"`
	Elapsed     time.Duration `json:"hrtime"`

	// ReturnStatus is set when the server reported one (stored procedures).
	ReturnStatus *int32 `json:"returnStatus,omitempty"`

	// OutputCount counts every output value the server reported, including
	// repeats of the same name.
	OutputCount int `json:"outputCount,omitempty"`

	// OutputParameters is nil unless at least one output parameter was
	// reported. A name reported twice keeps the last value.
	OutputParameters map[string]OutputParameter `json:"outputParameters,omitempty"`
}

// OutputParameter is a value reported for a stored-procedure output parameter.
type OutputParameter struct {
	Value    any                         `json:"value"`
	Metadata transport.ParameterMetadata `json:"metadata"`
}

// Output returns the value of the named output parameter.
func (s *Stats) Output(name string) (any, bool) {
	p, ok := s.OutputParameters[name]
	return p.Value, ok
}
