// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/format/chunkstore"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputs(paths ...string) []filtermerge.Location {
	out := make([]filtermerge.Location, len(paths))
	for i, p := range paths {
		out[i] = filtermerge.Location{Container: "inputs", Path: p}
	}
	return out
}

func TestDriver(t *testing.T) {
	ctx := context.Background()

	t.Run("Submit", func(t *testing.T) {
		q := &queueInvoker{}
		h := newHarness(t, q, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{
			fakeFormat: newFakeHandler(nil),
		})

		id, err := h.driver.Submit(ctx, filtermerge.Query{
			Format:           fakeFormat,
			Inputs:           inputs("a", "b"),
			FilterExpression: "matrix['x'] > 0",
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		assert.Equal(t, filtermerge.Progress{ExpectedPartition: 2, ExpectedMerge: 1}, h.progress(t, id))

		invs := q.take(filtermerge.StagePartition)
		require.Len(t, invs, 2)
		for i, inv := range invs {
			var p filtermerge.PartitionPayload
			require.NoError(t, inv.Decode(&p))
			assert.Equal(t, filtermerge.PartitionPayload{
				RequestID:        id,
				Format:           fakeFormat,
				FilterExpression: "matrix['x'] > 0",
				Input:            inputs("a", "b")[i],
			}, p)
		}

		st, err := h.driver.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, filtermerge.StatePartitioning, st.State)
		assert.Nil(t, st.Result)
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			name  string
			query filtermerge.Query
			code  errors.Code
		}{
			{
				name:  "UnknownFormat",
				query: filtermerge.Query{Format: "csv", Inputs: inputs("a"), FilterExpression: "true"},
				code:  filtermerge.ErrFormatUnknown,
			},
			{
				name:  "MissingInputs",
				query: filtermerge.Query{Format: fakeFormat, FilterExpression: "true"},
				code:  filtermerge.ErrFieldMissing,
			},
			{
				name:  "MissingPath",
				query: filtermerge.Query{Format: fakeFormat, Inputs: []filtermerge.Location{{Container: "inputs"}}, FilterExpression: "true"},
				code:  filtermerge.ErrFieldMissing,
			},
			{
				name:  "MissingExpression",
				query: filtermerge.Query{Format: fakeFormat, Inputs: inputs("a")},
				code:  filtermerge.ErrFieldMissing,
			},
			{
				name:  "BadExpression",
				query: filtermerge.Query{Format: fakeFormat, Inputs: inputs("a"), FilterExpression: "bad"},
				code:  filtermerge.ErrFilterExpression,
			},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				q := &queueInvoker{}
				h := newHarness(t, q, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{
					fakeFormat: newFakeHandler(nil),
				})

				id, err := h.driver.Submit(ctx, test.query)
				assert.True(t, errors.Is(err, test.code), "got %v", err)
				assert.Empty(t, id)

				reqs, err := h.requests.Requests(ctx)
				require.NoError(t, err)
				assert.Empty(t, reqs)
				assert.Equal(t, 0, q.count(filtermerge.StagePartition))
			})
		}
	})

	t.Run("StatusMissing", func(t *testing.T) {
		h := newHarness(t, &queueInvoker{}, MergeDispatchClaim, nil)
		_, err := h.driver.Status(ctx, "nope")
		assert.True(t, errors.Is(err, filtermerge.ErrRequestDoesNotExist), "got %v", err)
	})
}

// Every row of the first chunk, half of the second and none of the third
// survive, and the result holds exactly the surviving rows.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewObjectStore()
	input := filtermerge.Location{Container: "inputs", Path: "pbmc"}

	m := &chunkstore.Matrix{Genes: []string{"CD4"}, QCNames: []string{"qc"}}
	for i, v := range []float32{1, 1, 1, 1, 1, 0, 1, 0, 0, 0, 0, 0} {
		m.Cells = append(m.Cells, string(rune('a'+i)))
		m.Data = append(m.Data, []float32{v})
		m.QC = append(m.QC, []float32{.9})
	}
	require.NoError(t, chunkstore.WriteMatrix(ctx, store, input, m, 4))
	handler := chunkstore.NewHandler(store, "results", nil)

	for _, dispatch := range []MergeDispatch{MergeDispatchClaim, MergeDispatchRace} {
		t.Run(string(dispatch), func(t *testing.T) {
			var h *harness
			inv := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(ctx context.Context, i filtermerge.Invocation) error {
				return h.dispatcher.Handle(ctx, i)
			}), logger.NewLogfLogger(t))
			h = newHarness(t, inv, dispatch, map[filtermerge.Format]filtermerge.FormatHandler{
				chunkstore.Name: handler,
			})

			id, err := h.driver.Submit(ctx, filtermerge.Query{
				Format:           chunkstore.Name,
				Inputs:           []filtermerge.Location{input},
				FilterExpression: "matrix['CD4'] > 0 & matrix['qc'] > .6",
			})
			require.NoError(t, err)
			require.NoError(t, inv.Wait())

			assert.Equal(t, filtermerge.Progress{
				ExpectedPartition:  1,
				CompletedPartition: 1,
				ExpectedFilter:     3,
				CompletedFilter:    3,
				ExpectedMerge:      1,
				CompletedMerge:     1,
				DispatchedMerge:    boolInt(dispatch == MergeDispatchClaim),
			}, h.progress(t, id))

			st, err := h.driver.Status(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, filtermerge.StateDone, st.State)
			require.NotNil(t, st.Result)

			out, err := chunkstore.ReadMatrix(ctx, store, *st.Result)
			require.NoError(t, err)
			cells := append([]string{}, out.Cells...)
			sort.Strings(cells)
			assert.Equal(t, []string{"a", "b", "c", "d", "e", "g"}, cells)
		})
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// A merge is not dispatched while an input is still unpartitioned, even
// when every filter dispatched so far has completed.
func TestLatePartition(t *testing.T) {
	ctx := context.Background()
	q := &queueInvoker{}
	fh := newFakeHandler(map[string]int{"a": 2, "b": 2})
	h := newHarness(t, q, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{fakeFormat: fh})

	id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("a", "b"), FilterExpression: "true"})
	require.NoError(t, err)

	partitions := q.take(filtermerge.StagePartition)
	require.Len(t, partitions, 2)

	h.deliver(t, partitions[0])
	assert.Equal(t, int64(2), h.progress(t, id).ExpectedFilter)

	h.deliver(t, q.take(filtermerge.StageFilter)...)
	p := h.progress(t, id)
	assert.Equal(t, int64(2), p.CompletedFilter)
	assert.True(t, p.FilteringDone())
	assert.False(t, p.PartitioningDone())
	assert.Equal(t, 0, q.count(filtermerge.StageMerge), "merge dispatched before partitioning finished")

	h.deliver(t, partitions[1])
	p = h.progress(t, id)
	assert.Equal(t, int64(4), p.ExpectedFilter)
	assert.Equal(t, 0, q.count(filtermerge.StageMerge))

	filters := q.take(filtermerge.StageFilter)
	require.Len(t, filters, 2)
	h.deliver(t, filters[1])
	assert.Equal(t, 0, q.count(filtermerge.StageMerge))
	h.deliver(t, filters[0])

	merges := q.take(filtermerge.StageMerge)
	require.Len(t, merges, 1)
	h.deliver(t, merges...)

	assert.Equal(t, filtermerge.StateDone, h.progress(t, id).State())
	assert.Equal(t, 1, fh.mergeCount())

	b, err := fh.store.Read(ctx, fh.Result(id))
	require.NoError(t, err)
	assert.Equal(t, 4, len(strings.Split(string(b), "\n")))
}

func TestZeroChunks(t *testing.T) {
	ctx := context.Background()

	t.Run("Only", func(t *testing.T) {
		q := &queueInvoker{}
		fh := newFakeHandler(map[string]int{"empty": 0})
		h := newHarness(t, q, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{fakeFormat: fh})

		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("empty"), FilterExpression: "true"})
		require.NoError(t, err)

		h.deliver(t, q.take(filtermerge.StagePartition)...)
		p := h.progress(t, id)
		assert.Equal(t, int64(0), p.ExpectedFilter)
		assert.Equal(t, int64(1), p.CompletedPartition)

		h.deliver(t, q.take(filtermerge.StageMerge)...)
		assert.Equal(t, filtermerge.StateDone, h.progress(t, id).State())
		assert.Equal(t, 1, fh.mergeCount())
	})

	t.Run("PartitionedLast", func(t *testing.T) {
		q := &queueInvoker{}
		fh := newFakeHandler(map[string]int{"a": 1, "empty": 0})
		h := newHarness(t, q, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{fakeFormat: fh})

		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("a", "empty"), FilterExpression: "true"})
		require.NoError(t, err)

		partitions := q.take(filtermerge.StagePartition)
		h.deliver(t, partitions[0])
		h.deliver(t, q.take(filtermerge.StageFilter)...)
		assert.Equal(t, 0, q.count(filtermerge.StageMerge))

		h.deliver(t, partitions[1])
		h.deliver(t, q.take(filtermerge.StageMerge)...)
		assert.Equal(t, filtermerge.StateDone, h.progress(t, id).State())
	})
}

func TestMergeDispatch(t *testing.T) {
	ctx := context.Background()

	// ready returns a harness whose single request has every partition and
	// filter counted but no merge dispatched.
	ready := func(t *testing.T, dispatch MergeDispatch) (*harness, *queueInvoker, *fakeHandler, filtermerge.RequestID) {
		q := &queueInvoker{}
		fh := newFakeHandler(map[string]int{"a": 3})
		h := newHarness(t, q, dispatch, map[filtermerge.Format]filtermerge.FormatHandler{fakeFormat: fh})
		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("a"), FilterExpression: "true"})
		require.NoError(t, err)
		h.deliver(t, q.take(filtermerge.StagePartition)...)
		for _, inv := range q.take(filtermerge.StageFilter) {
			var p filtermerge.FilterPayload
			require.NoError(t, inv.Decode(&p))
			_, err := fh.Filter(ctx, p.RequestID, p.FilterExpression, p.Chunk)
			require.NoError(t, err)
			_, err = h.worker.Counter.Increment(ctx, id, filtermerge.FieldCompletedFilter, 1)
			require.NoError(t, err)
		}
		return h, q, fh, id
	}

	// Every filter worker observes completion at once.
	observe := func(t *testing.T, h *harness, id filtermerge.RequestID, n int) {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.worker.DispatchMerge(ctx, id, fakeFormat))
			}()
		}
		wg.Wait()
	}

	t.Run("Claim", func(t *testing.T) {
		h, q, fh, id := ready(t, MergeDispatchClaim)
		observe(t, h, id, 8)
		merges := q.take(filtermerge.StageMerge)
		assert.Len(t, merges, 1)
		h.deliver(t, merges...)
		assert.Equal(t, 1, fh.mergeCount())
		assert.Equal(t, int64(1), h.progress(t, id).CompletedMerge)
	})

	t.Run("Race", func(t *testing.T) {
		h, q, fh, id := ready(t, MergeDispatchRace)
		observe(t, h, id, 8)
		merges := q.take(filtermerge.StageMerge)
		assert.Len(t, merges, 8)

		// Deliver the duplicates concurrently.
		var wg sync.WaitGroup
		for _, inv := range merges {
			wg.Add(1)
			go func(inv filtermerge.Invocation) {
				defer wg.Done()
				assert.NoError(t, h.dispatcher.Handle(ctx, inv))
			}(inv)
		}
		wg.Wait()

		p := h.progress(t, id)
		assert.Equal(t, int64(1), p.CompletedMerge)
		assert.Equal(t, int64(0), p.DispatchedMerge)
		assert.GreaterOrEqual(t, fh.mergeCount(), 1)

		b, err := fh.store.Read(ctx, fh.Result(id))
		require.NoError(t, err)
		assert.Equal(t, 3, len(strings.Split(string(b), "\n")))
	})

	t.Run("RedeliveredMerge", func(t *testing.T) {
		h, q, fh, id := ready(t, MergeDispatchClaim)
		observe(t, h, id, 1)
		merges := q.take(filtermerge.StageMerge)
		require.Len(t, merges, 1)
		h.deliver(t, merges[0], merges[0])
		assert.Equal(t, 1, fh.mergeCount())
		assert.Equal(t, int64(1), h.progress(t, id).CompletedMerge)
	})
}

func TestMergeDispatchFailure(t *testing.T) {
	ctx := context.Background()

	// filtered returns a harness whose single request has one filter
	// invocation queued, and the invoker failing merge dispatches.
	filtered := func(t *testing.T, failures int32) (*harness, *queueInvoker, *failingInvoker, filtermerge.RequestID, filtermerge.Invocation) {
		q := &queueInvoker{}
		f := &failingInvoker{next: q, stage: filtermerge.StageMerge, failures: failures}
		h := newHarness(t, f, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{
			fakeFormat: newFakeHandler(map[string]int{"a": 1}),
		})
		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("a"), FilterExpression: "true"})
		require.NoError(t, err)
		h.deliver(t, q.take(filtermerge.StagePartition)...)
		filters := q.take(filtermerge.StageFilter)
		require.Len(t, filters, 1)
		return h, q, f, id, filters[0]
	}

	t.Run("RetriedInPlace", func(t *testing.T) {
		h, q, _, id, filter := filtered(t, 1)
		h.deliver(t, filter)

		merges := q.take(filtermerge.StageMerge)
		require.Len(t, merges, 1)
		h.deliver(t, merges...)

		p := h.progress(t, id)
		assert.Equal(t, int64(1), p.CompletedFilter)
		assert.Equal(t, filtermerge.StateDone, p.State())
	})

	t.Run("Exhausted", func(t *testing.T) {
		h, q, f, id, filter := filtered(t, 1000)

		err := h.dispatcher.Handle(ctx, filter)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err), "got %v", err)

		p := h.progress(t, id)
		assert.Equal(t, int64(1), p.CompletedFilter)
		assert.Equal(t, int64(0), p.DispatchedMerge, "merge claim not released")
		assert.Equal(t, filtermerge.StateMerging, p.State())
		assert.Equal(t, 0, q.count(filtermerge.StageMerge))

		// Once the transport is back, dispatching the merge again
		// completes the request.
		f.recover()
		require.NoError(t, h.worker.DispatchMerge(ctx, id, fakeFormat))
		h.deliver(t, q.take(filtermerge.StageMerge)...)
		assert.Equal(t, filtermerge.StateDone, h.progress(t, id).State())
	})

	t.Run("NotRedelivered", func(t *testing.T) {
		var h *harness
		inv := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(ctx context.Context, i filtermerge.Invocation) error {
			return h.dispatcher.Handle(ctx, i)
		}), logger.NewLogfLogger(t))
		inv.Redeliveries = 3
		f := &failingInvoker{next: inv, stage: filtermerge.StageMerge, failures: 1000}
		h = newHarness(t, f, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{
			fakeFormat: newFakeHandler(map[string]int{"a": 2, "b": 1}),
		})

		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("a", "b"), FilterExpression: "true"})
		require.NoError(t, err)
		require.NoError(t, inv.Wait())

		p := h.progress(t, id)
		assert.Equal(t, int64(3), p.ExpectedFilter)
		assert.Equal(t, int64(3), p.CompletedFilter)
		assert.Equal(t, int64(2), p.CompletedPartition)
		assert.True(t, p.ReadyToMerge())
		assert.Equal(t, int64(0), p.DispatchedMerge)
	})
}

// Many inputs and chunks delivered concurrently still count every chunk
// and dispatch one merge.
func TestConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	chunks := map[string]int{}
	var paths []string
	for i := 0; i < 6; i++ {
		p := string(rune('a' + i))
		chunks[p] = 5 + i
		paths = append(paths, p)
	}
	fh := newFakeHandler(chunks)

	var h *harness
	inv := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(ctx context.Context, i filtermerge.Invocation) error {
		return h.dispatcher.Handle(ctx, i)
	}), nil)
	h = newHarness(t, inv, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{fakeFormat: fh})

	id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs(paths...), FilterExpression: "true"})
	require.NoError(t, err)
	require.NoError(t, inv.Wait())

	p := h.progress(t, id)
	assert.Equal(t, int64(45), p.ExpectedFilter)
	assert.Equal(t, int64(45), p.CompletedFilter)
	assert.Equal(t, filtermerge.StateDone, p.State())
	assert.Equal(t, 1, fh.mergeCount())
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &queueInvoker{}, MergeDispatchClaim, map[filtermerge.Format]filtermerge.FormatHandler{
		fakeFormat: newFakeHandler(map[string]int{"a": 1}),
	})

	t.Run("UnknownStage", func(t *testing.T) {
		err := h.dispatcher.Handle(ctx, filtermerge.Invocation{Stage: "reduce", Payload: []byte(`{}`)})
		assert.True(t, errors.Is(err, filtermerge.ErrStageUnknown), "got %v", err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("BadPayload", func(t *testing.T) {
		err := h.dispatcher.Handle(ctx, filtermerge.Invocation{Stage: filtermerge.StageFilter, Payload: []byte(`[`)})
		assert.True(t, errors.IsFatal(err), "got %v", err)
	})

	t.Run("MissingRequest", func(t *testing.T) {
		inv, err := filtermerge.NewInvocation(filtermerge.StagePartition, filtermerge.PartitionPayload{
			RequestID: "nope",
			Format:    fakeFormat,
			Input:     filtermerge.Location{Container: "inputs", Path: "a"},
		})
		require.NoError(t, err)
		err = h.dispatcher.Handle(ctx, inv)
		assert.True(t, errors.Is(err, filtermerge.ErrRequestDoesNotExist), "got %v", err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		inv, err := filtermerge.NewInvocation(filtermerge.StageMerge, filtermerge.MergePayload{RequestID: "x", Format: "csv"})
		require.NoError(t, err)
		err = h.dispatcher.Handle(ctx, inv)
		assert.True(t, errors.Is(err, filtermerge.ErrFormatUnknown), "got %v", err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("MissingInput", func(t *testing.T) {
		id, err := h.driver.Submit(ctx, filtermerge.Query{Format: fakeFormat, Inputs: inputs("gone"), FilterExpression: "true"})
		require.NoError(t, err)
		inv, err := filtermerge.NewInvocation(filtermerge.StagePartition, filtermerge.PartitionPayload{
			RequestID: id,
			Format:    fakeFormat,
			Input:     filtermerge.Location{Container: "inputs", Path: "gone"},
		})
		require.NoError(t, err)
		err = h.dispatcher.Handle(ctx, inv)
		assert.Error(t, err)
		assert.False(t, errors.IsFatal(err))
		assert.Equal(t, int64(0), h.progress(t, id).CompletedPartition)
	})
}
