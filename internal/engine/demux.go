package engine

import (
	"fmt"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// ── Demultiplexer ───────────────────────────────────────────────────────
//
// A request's event stream interleaves result-set boundaries, rows, output
// parameters and completion. The demultiplexer is a small state machine fed
// one event at a time:
//
//   AwaitingMetadata --columnMetadata--> InResultSet
//   InResultSet      --columnMetadata--> InResultSet (previous set flushed)
//   *                --done(!more)-----> Completed
//   *                --error-----------> Failed
//
// Rows are handed to the callback at the current result-set index and never
// buffered; rows without a callback are counted and dropped.

type demuxState int

const (
	stateAwaitingMetadata demuxState = iota
	stateInResultSet
	stateCompleted
	stateFailed
)

func (s demuxState) String() string {
	switch s {
	case stateAwaitingMetadata:
		return "AwaitingMetadata"
	case stateInResultSet:
		return "InResultSet"
	case stateCompleted:
		return "Completed"
	case stateFailed:
		return "Failed"
	default:
		return "unknown"
	}
}

type demux struct {
	state     demuxState
	callbacks []RowFunc

	resultIndex int
	rowCount    int
	rowCounts   []int
	rowSum      int

	outputs      map[string]OutputParameter
	outputCount  int
	returnStatus *int32
}

func newDemux(callbacks []RowFunc) *demux {
	return &demux{
		state:       stateAwaitingMetadata,
		callbacks:   callbacks,
		resultIndex: -1,
		rowCounts:   []int{},
	}
}

// feed applies one event. A non-nil error moves the machine to Failed.
func (d *demux) feed(ev transport.Event) error {
	if d.state == stateCompleted || d.state == stateFailed {
		return d.fail(fmt.Errorf("%s event received after request finished (%s)", ev.Kind, d.state))
	}

	switch ev.Kind {
	case transport.EventColumnMetadata:
		if d.resultIndex >= 0 {
			d.flush()
		}
		d.resultIndex++
		d.state = stateInResultSet

	case transport.EventRow:
		if d.state != stateInResultSet {
			return d.fail(fmt.Errorf("row received before column metadata"))
		}
		d.rowCount++
		if d.resultIndex < len(d.callbacks) {
			if cb := d.callbacks[d.resultIndex]; cb != nil {
				if err := cb(ev.Row); err != nil {
					return d.fail(fmt.Errorf("row callback for result set %d: %w", d.resultIndex, err))
				}
			}
		}

	case transport.EventReturnValue:
		if d.outputs == nil {
			d.outputs = make(map[string]OutputParameter)
		}
		d.outputCount++
		d.outputs[ev.ParamName] = OutputParameter{Value: ev.Value, Metadata: ev.ParamMeta}

	case transport.EventDone:
		if ev.ReturnStatus != nil {
			rs := *ev.ReturnStatus
			d.returnStatus = &rs
		}
		if !ev.More {
			if d.resultIndex >= 0 {
				d.flush()
			}
			d.state = stateCompleted
		}

	case transport.EventError:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("unspecified stream error")
		}
		return d.fail(err)

	default:
		return d.fail(fmt.Errorf("unknown event kind %d", int(ev.Kind)))
	}
	return nil
}

func (d *demux) flush() {
	d.rowCounts = append(d.rowCounts, d.rowCount)
	d.rowSum += d.rowCount
	d.rowCount = 0
}

func (d *demux) fail(err error) error {
	d.state = stateFailed
	return err
}

func (d *demux) completed() bool {
	return d.state == stateCompleted
}

// stats assembles the summary of a completed request.
func (d *demux) stats(elapsed time.Duration) *Stats {
	st := &Stats{
		RowCount:     d.rowSum,
		RowCounts:    d.rowCounts,
		ResultCount:  d.resultIndex + 1,
		Elapsed:      elapsed,
		ReturnStatus: d.returnStatus,
		OutputCount:  d.outputCount,
	}
	if len(d.outputs) > 0 {
		st.OutputParameters = d.outputs
	}
	return st
}
