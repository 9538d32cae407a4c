// Copyright 2021 Molecula Corp. All rights reserved.
package filtermerge

import (
	"fmt"
	"time"
)

// Query is what a client submits.
type Query struct {
	Format           Format     `json:"format"`
	Inputs           []Location `json:"inputs"`
	FilterExpression string     `json:"filter_expression"`
}

// MissingFields returns the names of required fields which are empty.
func (q Query) MissingFields() []string {
	var missing []string
	if q.Format == "" {
		missing = append(missing, "format")
	}
	if len(q.Inputs) == 0 {
		missing = append(missing, "inputs")
	}
	for i, in := range q.Inputs {
		if in.Container == "" {
			missing = append(missing, fmt.Sprintf("inputs[%d].container", i))
		}
		if in.Path == "" {
			missing = append(missing, fmt.Sprintf("inputs[%d].path", i))
		}
	}
	if q.FilterExpression == "" {
		missing = append(missing, "filter_expression")
	}
	return missing
}

// SubmitResponse is the response to a successful submission.
type SubmitResponse struct {
	RequestID RequestID `json:"request_id"`
}

// Request is the record of one query execution. It is created once by the
// driver and only its Progress counters change afterwards.
type Request struct {
	ID               RequestID  `json:"id"`
	Format           Format     `json:"format"`
	FilterExpression string     `json:"filter_expression"`
	Inputs           []Location `json:"inputs"`
	CreatedAt        time.Time  `json:"created_at"`

	Progress Progress `json:"progress"`
}

// NewRequest returns a Request with its progress counters initialized for
// the given inputs.
func NewRequest(id RequestID, format Format, expr string, inputs []Location) *Request {
	return &Request{
		ID:               id,
		Format:           format,
		FilterExpression: expr,
		Inputs:           inputs,
		CreatedAt:        time.Now().UTC(),
		Progress: Progress{
			ExpectedPartition: int64(len(inputs)),
			ExpectedMerge:     1,
		},
	}
}

// Copy returns a deep copy of r.
func (r *Request) Copy() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Inputs = append([]Location(nil), r.Inputs...)
	return &out
}

// Field names one of the counters held in Progress.
type Field string

const (
	FieldExpectedPartition  Field = "expected_partition"
	FieldCompletedPartition Field = "completed_partition"
	FieldExpectedFilter     Field = "expected_filter"
	FieldCompletedFilter    Field = "completed_filter"
	FieldExpectedMerge      Field = "expected_merge"
	FieldCompletedMerge     Field = "completed_merge"
	FieldDispatchedMerge    Field = "dispatched_merge"
)

// Fields lists every counter field.
var Fields = []Field{
	FieldExpectedPartition,
	FieldCompletedPartition,
	FieldExpectedFilter,
	FieldCompletedFilter,
	FieldExpectedMerge,
	FieldCompletedMerge,
	FieldDispatchedMerge,
}

// ParseField returns the Field named by s.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", NewErrFieldUnknown(s)
}

// Progress holds the counters through which workers coordinate.
// DispatchedMerge is a claim flag (0 or 1) used to elect the single
// FilterWorker which dispatches the merge.
type Progress struct {
	ExpectedPartition  int64 `json:"expected_partition"`
	CompletedPartition int64 `json:"completed_partition"`
	ExpectedFilter     int64 `json:"expected_filter"`
	CompletedFilter    int64 `json:"completed_filter"`
	ExpectedMerge      int64 `json:"expected_merge"`
	CompletedMerge     int64 `json:"completed_merge"`
	DispatchedMerge    int64 `json:"dispatched_merge"`
}

func (p *Progress) ptr(f Field) *int64 {
	switch f {
	case FieldExpectedPartition:
		return &p.ExpectedPartition
	case FieldCompletedPartition:
		return &p.CompletedPartition
	case FieldExpectedFilter:
		return &p.ExpectedFilter
	case FieldCompletedFilter:
		return &p.CompletedFilter
	case FieldExpectedMerge:
		return &p.ExpectedMerge
	case FieldCompletedMerge:
		return &p.CompletedMerge
	case FieldDispatchedMerge:
		return &p.DispatchedMerge
	}
	return nil
}

// Get returns the value of the counter f.
func (p Progress) Get(f Field) (int64, error) {
	v := p.ptr(f)
	if v == nil {
		return 0, NewErrFieldUnknown(string(f))
	}
	return *v, nil
}

// Set sets the value of the counter f.
func (p *Progress) Set(f Field, val int64) error {
	v := p.ptr(f)
	if v == nil {
		return NewErrFieldUnknown(string(f))
	}
	*v = val
	return nil
}

func (p Progress) PartitioningDone() bool {
	return p.ExpectedPartition == p.CompletedPartition
}

// FilteringDone only means anything once PartitioningDone is true, since
// ExpectedFilter grows as inputs are partitioned.
func (p Progress) FilteringDone() bool {
	return p.ExpectedFilter == p.CompletedFilter
}

func (p Progress) MergeDone() bool {
	return p.CompletedMerge >= p.ExpectedMerge
}

// ReadyToMerge reports whether every partition and filter invocation has
// been counted.
func (p Progress) ReadyToMerge() bool {
	return p.PartitioningDone() && p.FilteringDone()
}

// Check returns an error if any completed counter has overtaken its expected
// counter.
func (p Progress) Check() error {
	pairs := []struct {
		stage               Stage
		expected, completed int64
	}{
		{StagePartition, p.ExpectedPartition, p.CompletedPartition},
		{StageFilter, p.ExpectedFilter, p.CompletedFilter},
		{StageMerge, p.ExpectedMerge, p.CompletedMerge},
	}
	for _, pair := range pairs {
		if pair.completed > pair.expected {
			return fmt.Errorf("%s: completed %d exceeds expected %d", pair.stage, pair.completed, pair.expected)
		}
	}
	return nil
}

// State is the phase a request is in, derived from its Progress.
type State string

const (
	StatePartitioning State = "partitioning"
	StateFiltering    State = "filtering"
	StateMerging      State = "merging"
	StateDone         State = "done"
)

// State derives the request's current phase.
func (p Progress) State() State {
	switch {
	case !p.PartitioningDone():
		return StatePartitioning
	case !p.FilteringDone():
		return StateFiltering
	case !p.MergeDone():
		return StateMerging
	}
	return StateDone
}

// Status is the response to a status query.
type Status struct {
	Request *Request  `json:"request"`
	State   State     `json:"state"`
	Result  *Location `json:"result,omitempty"`
}
