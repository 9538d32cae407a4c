// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import (
	"context"
	"time"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

// Ensure type implements interface.
var _ filtermerge.Handler = (*Dispatcher)(nil)

// Dispatcher routes an Invocation to the Worker method for its stage. It is
// the single entry point used by every transport.
type Dispatcher struct {
	Worker *Worker

	logger logger.Logger
}

// NewDispatcher returns a new instance of Dispatcher.
func NewDispatcher(w *Worker, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NopLogger
	}
	return &Dispatcher{
		Worker: w,
		logger: log,
	}
}

// Handle runs inv. A returned error marked fatal will fail again if the
// invocation is redelivered; any other error may succeed on redelivery.
func (d *Dispatcher) Handle(ctx context.Context, inv filtermerge.Invocation) error {
	start := time.Now()
	err := d.handle(ctx, inv)

	// Nothing can create a missing request later.
	if errors.Is(err, filtermerge.ErrRequestDoesNotExist) {
		err = errors.Fatal(err)
	}

	outcome := "ok"
	switch {
	case err == nil:
	case errors.IsFatal(err):
		outcome = "fatal"
		d.logger.Errorf("%s invocation failed permanently: %v", inv.Stage, err)
	default:
		outcome = "error"
		d.logger.Warnf("%s invocation failed: %v", inv.Stage, err)
	}
	CounterInvocations.WithLabelValues(string(inv.Stage), outcome).Inc()
	HistogramInvocationTime.WithLabelValues(string(inv.Stage)).Observe(time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) handle(ctx context.Context, inv filtermerge.Invocation) error {
	switch inv.Stage {
	case filtermerge.StagePartition:
		var p filtermerge.PartitionPayload
		if err := inv.Decode(&p); err != nil {
			return err
		}
		return d.Worker.Partition(ctx, p)
	case filtermerge.StageFilter:
		var p filtermerge.FilterPayload
		if err := inv.Decode(&p); err != nil {
			return err
		}
		return d.Worker.Filter(ctx, p)
	case filtermerge.StageMerge:
		var p filtermerge.MergePayload
		if err := inv.Decode(&p); err != nil {
			return err
		}
		return d.Worker.Merge(ctx, p)
	}
	return errors.Fatal(filtermerge.NewErrStageUnknown(string(inv.Stage)))
}
