// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

// Worker runs the partition, filter and merge stages. It holds no state
// between calls: everything it learns about a request it reads from
// Requests, and everything it changes goes through Counter.
type Worker struct {
	Requests filtermerge.RequestStore
	Formats  Formats
	Invoker  filtermerge.Invoker
	Counter  *filtermerge.Counter

	MergeDispatch MergeDispatch

	// DispatchAttempts bounds the in-place retries of a failed Invoke.
	DispatchAttempts int

	logger logger.Logger
}

// NewWorker returns a new instance of Worker.
func NewWorker(cfg Config, requests filtermerge.RequestStore, formats Formats, invoker filtermerge.Invoker) *Worker {
	var logr logger.Logger = logger.NopLogger
	if cfg.Logger != nil {
		logr = cfg.Logger
	}
	counter := filtermerge.NewCounter(requests, cfg.Counter, logr)
	counter.OnConflict = func(f filtermerge.Field) {
		CounterConflicts.WithLabelValues(string(f)).Inc()
	}

	dispatch := cfg.MergeDispatch
	if dispatch == "" {
		dispatch = MergeDispatchClaim
	}
	attempts := cfg.DispatchAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Worker{
		Requests:      requests,
		Formats:       formats,
		Invoker:       invoker,
		Counter:       counter,
		MergeDispatch: dispatch,

		DispatchAttempts: attempts,

		logger: logr,
	}
}

func (w *Worker) handler(format filtermerge.Format) (filtermerge.FormatHandler, error) {
	h, err := w.Formats.Lookup(format)
	if err != nil {
		return nil, errors.Fatal(err)
	}
	return h, nil
}

// Partition splits one input into chunks and dispatches a filter invocation
// for each. The expected_filter increase is recorded before any of the
// input's filters is dispatched, and completed_partition is only advanced
// after all of them are.
func (w *Worker) Partition(ctx context.Context, p filtermerge.PartitionPayload) error {
	if p.RequestID == "" || p.Format == "" {
		return errors.Fatal(filtermerge.NewErrFieldMissing("request_id", "format"))
	}
	h, err := w.handler(p.Format)
	if err != nil {
		return err
	}

	specs, err := h.Partition(ctx, p.Input)
	if err != nil {
		return errors.Wrapf(err, "partitioning %s", p.Input)
	}
	CounterChunksPartitioned.Add(float64(len(specs)))

	if len(specs) > 0 {
		if _, err := w.Counter.Increment(ctx, p.RequestID, filtermerge.FieldExpectedFilter, int64(len(specs))); err != nil {
			return errors.Wrap(err, "recording chunks")
		}
	}

	for i, spec := range specs {
		inv, err := filtermerge.NewInvocation(filtermerge.StageFilter, filtermerge.FilterPayload{
			RequestID:        p.RequestID,
			Format:           p.Format,
			FilterExpression: p.FilterExpression,
			Chunk:            spec,
		})
		if err != nil {
			return err
		}
		if err := w.invoke(ctx, inv); err != nil {
			return errors.Wrapf(err, "dispatching chunk %d of %s", i, p.Input)
		}
	}

	if _, err := w.Counter.Increment(ctx, p.RequestID, filtermerge.FieldCompletedPartition, 1); err != nil {
		return errors.Wrap(err, "recording partition")
	}
	w.logger.Debugf("request %s: partitioned %s into %d chunk(s)", p.RequestID, p.Input, len(specs))

	// If this input had no chunks, or its filters already finished, no
	// filter worker is left to notice that the request is ready to merge.
	// The partition is counted, so a redelivery must not run it again.
	return errors.Fatal(w.DispatchMerge(ctx, p.RequestID, p.Format))
}

// Filter filters one chunk, counts it, and dispatches the merge if it finds
// every partition and filter counted.
func (w *Worker) Filter(ctx context.Context, p filtermerge.FilterPayload) error {
	if p.RequestID == "" || p.Format == "" {
		return errors.Fatal(filtermerge.NewErrFieldMissing("request_id", "format"))
	}
	h, err := w.handler(p.Format)
	if err != nil {
		return err
	}

	shard, err := h.Filter(ctx, p.RequestID, p.FilterExpression, p.Chunk)
	if err != nil {
		return errors.Wrapf(err, "filtering chunk %s", p.Chunk)
	}

	if _, err := w.Counter.Increment(ctx, p.RequestID, filtermerge.FieldCompletedFilter, 1); err != nil {
		return errors.Wrap(err, "recording filter")
	}
	if shard != nil {
		w.logger.Debugf("request %s: wrote shard %s", p.RequestID, shard)
	}

	// The filter is counted, so a redelivery must not run it again. A
	// request left ready to merge is picked up by the watcher.
	return errors.Fatal(w.DispatchMerge(ctx, p.RequestID, p.Format))
}

// DispatchMerge re-reads the request and dispatches its merge if
// partitioning and filtering are both done and, with MergeDispatchClaim, no
// merge has been dispatched yet.
func (w *Worker) DispatchMerge(ctx context.Context, id filtermerge.RequestID, format filtermerge.Format) error {
	req, err := w.Requests.Request(ctx, id)
	if err != nil {
		return errors.Wrap(err, "reading progress")
	}
	if err := req.Progress.Check(); err != nil {
		w.logger.Errorf("request %s progress is inconsistent: %v", id, err)
	}
	if !req.Progress.ReadyToMerge() || req.Progress.MergeDone() {
		return nil
	}

	if w.MergeDispatch != MergeDispatchRace {
		ok, err := w.Counter.Claim(ctx, id, filtermerge.FieldDispatchedMerge)
		if err != nil {
			return err
		} else if !ok {
			w.logger.Debugf("request %s: merge already dispatched", id)
			return nil
		}
	}

	inv, err := filtermerge.NewInvocation(filtermerge.StageMerge, filtermerge.MergePayload{
		RequestID: id,
		Format:    format,
	})
	if err != nil {
		return err
	}
	if err := w.invoke(ctx, inv); err != nil {
		if w.MergeDispatch != MergeDispatchRace {
			// Release the claim so that the merge can be dispatched again.
			if _, rerr := w.Requests.CompareAndSwap(ctx, id, filtermerge.FieldDispatchedMerge, 1, 0); rerr != nil {
				w.logger.Errorf("request %s: releasing merge claim: %v", id, rerr)
			}
		}
		return errors.Wrap(err, "dispatching merge")
	}
	CounterMergeDispatches.Inc()
	w.logger.Debugf("request %s: dispatched merge", id)
	return nil
}

// Merge combines the request's shards into its result and marks the request
// done. Running it again for the same request rewrites the same result and
// does not count twice.
func (w *Worker) Merge(ctx context.Context, p filtermerge.MergePayload) error {
	if p.RequestID == "" || p.Format == "" {
		return errors.Fatal(filtermerge.NewErrFieldMissing("request_id", "format"))
	}
	h, err := w.handler(p.Format)
	if err != nil {
		return err
	}

	req, err := w.Requests.Request(ctx, p.RequestID)
	if err != nil {
		return errors.Wrap(err, "reading progress")
	}
	if req.Progress.MergeDone() {
		CounterDuplicateMerges.Inc()
		w.logger.Infof("request %s already merged", p.RequestID)
		return nil
	}

	result, err := h.Merge(ctx, p.RequestID)
	if err != nil {
		return errors.Wrap(err, "merging")
	}

	ok, err := w.Counter.Claim(ctx, p.RequestID, filtermerge.FieldCompletedMerge)
	if err != nil {
		return errors.Wrap(err, "recording merge")
	} else if !ok {
		CounterDuplicateMerges.Inc()
		w.logger.Infof("request %s was merged concurrently", p.RequestID)
		return nil
	}
	w.logger.Infof("request %s done: %s", p.RequestID, result)
	return nil
}

// invoke tries inv up to DispatchAttempts times, waiting between attempts
// as the counter does between conflicts. Fatal errors are not retried.
func (w *Worker) invoke(ctx context.Context, inv filtermerge.Invocation) error {
	attempt := 0
	op := func() error {
		attempt++
		err := w.Invoker.Invoke(ctx, inv)
		if err == nil {
			return nil
		} else if errors.IsFatal(err) {
			return backoff.Permanent(err)
		}
		if attempt < w.DispatchAttempts {
			CounterDispatchRetries.WithLabelValues(string(inv.Stage)).Inc()
			w.logger.Warnf("invoking %s (attempt %d of %d): %v", inv.Stage, attempt, w.DispatchAttempts, err)
		}
		return err
	}
	return backoff.Retry(op, w.dispatchBackOff(ctx))
}

func (w *Worker) dispatchBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if w.Counter.Config.InitialInterval > 0 {
		eb.InitialInterval = w.Counter.Config.InitialInterval
	}
	if w.Counter.Config.MaxInterval > 0 {
		eb.MaxInterval = w.Counter.Config.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.DispatchAttempts-1)), ctx)
}
