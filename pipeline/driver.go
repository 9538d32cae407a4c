// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package pipeline implements the driver, which accepts queries, and the
// partition, filter and merge workers, which run them. The only state shared
// between any two of them is the Request record in a RequestStore.
package pipeline

import (
	"context"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

// Driver validates queries, records them and dispatches their partitioning.
type Driver struct {
	Requests filtermerge.RequestStore
	Formats  Formats
	Invoker  filtermerge.Invoker

	logger logger.Logger
}

// NewDriver returns a new instance of Driver.
func NewDriver(cfg Config, requests filtermerge.RequestStore, formats Formats, invoker filtermerge.Invoker) *Driver {
	var logr logger.Logger = logger.NopLogger
	if cfg.Logger != nil {
		logr = cfg.Logger
	}
	return &Driver{
		Requests: requests,
		Formats:  formats,
		Invoker:  invoker,
		logger:   logr,
	}
}

// Validate returns an error if q names no handler, is missing a required
// field, or carries an expression its handler rejects.
func (d *Driver) Validate(q filtermerge.Query) (filtermerge.FormatHandler, error) {
	if missing := q.MissingFields(); len(missing) > 0 {
		return nil, filtermerge.NewErrFieldMissing(missing...)
	}
	h, err := d.Formats.Lookup(q.Format)
	if err != nil {
		return nil, err
	}
	if v, ok := h.(filtermerge.ExpressionValidator); ok {
		if err := v.ValidateExpression(q.FilterExpression); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Submit validates q, creates its Request record and dispatches one
// partition invocation per input. It does not wait for any of them. An
// invalid query has no side effects.
func (d *Driver) Submit(ctx context.Context, q filtermerge.Query) (filtermerge.RequestID, error) {
	if _, err := d.Validate(q); err != nil {
		return "", err
	}

	req := filtermerge.NewRequest(filtermerge.NewRequestID(), q.Format, q.FilterExpression, q.Inputs)

	// The record must exist before any partition worker can run.
	if err := d.Requests.PutRequest(ctx, req); err != nil {
		return "", errors.Wrap(err, "creating request")
	}

	for _, input := range req.Inputs {
		inv, err := filtermerge.NewInvocation(filtermerge.StagePartition, filtermerge.PartitionPayload{
			RequestID:        req.ID,
			Format:           req.Format,
			FilterExpression: req.FilterExpression,
			Input:            input,
		})
		if err != nil {
			return req.ID, err
		}
		if err := d.Invoker.Invoke(ctx, inv); err != nil {
			d.logger.Errorf("request %s will stall: dispatching partition of %s: %v", req.ID, input, err)
			return req.ID, errors.Wrapf(err, "dispatching partition of %s", input)
		}
	}

	CounterSubmissions.WithLabelValues(string(req.Format)).Inc()
	d.logger.Infof("submitted request %s: %d input(s), format %s", req.ID, len(req.Inputs), req.Format)
	return req.ID, nil
}

// Status returns the request's progress, its derived state, and, once it is
// done, the location of its result.
func (d *Driver) Status(ctx context.Context, id filtermerge.RequestID) (*filtermerge.Status, error) {
	req, err := d.Requests.Request(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &filtermerge.Status{
		Request: req,
		State:   req.Progress.State(),
	}
	if st.State == filtermerge.StateDone {
		h, err := d.Formats.Lookup(req.Format)
		if err != nil {
			return nil, errors.Wrap(err, "resolving result")
		}
		loc := h.Result(id)
		st.Result = &loc
	}
	return st, nil
}
