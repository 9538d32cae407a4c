// Copyright 2021 Molecula Corp. All rights reserved.
package chunkstore_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/format/chunkstore"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expr = "matrix['CD4'] > 0 & matrix['qc'] > .6"

// newMatrix returns a matrix with genes CD4 and CD8 and one qc metric.
func newMatrix(prefix string, cd4, qc []float32) *chunkstore.Matrix {
	m := &chunkstore.Matrix{
		Genes:   []string{"CD4", "CD8"},
		QCNames: []string{"qc"},
	}
	for i := range cd4 {
		m.Cells = append(m.Cells, fmt.Sprintf("%s%02d", prefix, i))
		m.Data = append(m.Data, []float32{cd4[i], float32(i)})
		m.QC = append(m.QC, []float32{qc[i]})
	}
	return m
}

func sortedCells(m *chunkstore.Matrix) []string {
	out := append([]string{}, m.Cells...)
	sort.Strings(out)
	return out
}

func TestMatrixRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewObjectStore()
	loc := filtermerge.Location{Container: "inputs", Path: "pbmc"}

	m := newMatrix("c", []float32{1, 0, 2.5, 0, 3}, []float32{.9, .8, .7, .6, .5})
	require.NoError(t, chunkstore.WriteMatrix(ctx, store, loc, m, 2))

	chunks, err := store.List(ctx, "inputs", "pbmc/data/c/")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	back, err := chunkstore.ReadMatrix(ctx, store, loc)
	require.NoError(t, err)
	assert.Equal(t, m, back)

	t.Run("InvalidMatrix", func(t *testing.T) {
		bad := newMatrix("c", []float32{1}, []float32{.9})
		bad.QC[0] = nil
		assert.Error(t, chunkstore.WriteMatrix(ctx, store, loc, bad, 2))
	})
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	input := filtermerge.Location{Container: "inputs", Path: "pbmc"}

	// Chunks of 4 rows: all of the first pass, half of the second and none
	// of the third.
	cd4 := []float32{1, 2, 3, 4, 1, 0, 1, 0, 0, 0}
	qc := []float32{.9, .9, .9, .9, .9, .9, .2, .9, .9, .9}

	newHandler := func(t *testing.T) (*chunkstore.Handler, *inmem.ObjectStore) {
		store := inmem.NewObjectStore()
		require.NoError(t, chunkstore.WriteMatrix(ctx, store, input, newMatrix("c", cd4, qc), 4))
		h := chunkstore.NewHandler(store, "results", logger.NewLogfLogger(t))
		h.ResultChunkRows = 3
		return h, store
	}

	t.Run("PartitionFilterMerge", func(t *testing.T) {
		h, store := newHandler(t)

		chunks, err := h.Partition(ctx, input)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.JSONEq(t, `{"container":"inputs","path":"pbmc","chunk":2,"row_start":8,"row_count":2}`, string(chunks[2]))

		id := filtermerge.RequestID("req-a")
		for _, i := range []int{1, 2, 0} {
			shard, err := h.Filter(ctx, id, expr, chunks[i])
			require.NoError(t, err)
			require.NotNil(t, shard)
		}

		result, err := h.Merge(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, filtermerge.Location{Container: "results", Path: "req-a/result"}, result)

		m, err := chunkstore.ReadMatrix(ctx, store, result)
		require.NoError(t, err)
		assert.Equal(t, []string{"c00", "c01", "c02", "c03", "c04"}, sortedCells(m))
		assert.Equal(t, []string{"CD4", "CD8"}, m.Genes)
		assert.Equal(t, []string{"qc"}, m.QCNames)
		for i := range m.Cells {
			assert.Greater(t, m.Data[i][0], float32(0))
			assert.Greater(t, m.QC[i][0], float32(.6))
		}
	})

	t.Run("EmptyShard", func(t *testing.T) {
		h, store := newHandler(t)
		chunks, err := h.Partition(ctx, input)
		require.NoError(t, err)

		shard, err := h.Filter(ctx, "req-e", expr, chunks[2])
		require.NoError(t, err)
		m, err := chunkstore.ReadMatrix(ctx, store, *shard)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Rows())

		result, err := h.Merge(ctx, "req-e")
		require.NoError(t, err)
		m, err = chunkstore.ReadMatrix(ctx, store, result)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Rows())
		assert.Equal(t, []string{"CD4", "CD8"}, m.Genes)
	})

	t.Run("RepeatedMerge", func(t *testing.T) {
		h, store := newHandler(t)
		chunks, err := h.Partition(ctx, input)
		require.NoError(t, err)
		for _, c := range chunks {
			_, err := h.Filter(ctx, "req-m", expr, c)
			require.NoError(t, err)
		}

		_, err = h.Merge(ctx, "req-m")
		require.NoError(t, err)
		first, err := chunkstore.ReadMatrix(ctx, store, h.Result("req-m"))
		require.NoError(t, err)

		_, err = h.Merge(ctx, "req-m")
		require.NoError(t, err)
		second, err := chunkstore.ReadMatrix(ctx, store, h.Result("req-m"))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("BadExpression", func(t *testing.T) {
		h, _ := newHandler(t)
		chunks, err := h.Partition(ctx, input)
		require.NoError(t, err)

		_, err = h.Filter(ctx, "req-x", "matrix['CD3'] > 0", chunks[0])
		assert.True(t, errors.IsFatal(err), "got %v", err)
		assert.True(t, errors.Is(err, filtermerge.ErrFilterExpression), "got %v", err)
	})

	t.Run("MissingInput", func(t *testing.T) {
		h, _ := newHandler(t)
		_, err := h.Partition(ctx, filtermerge.Location{Container: "inputs", Path: "nope"})
		assert.True(t, errors.Is(err, filtermerge.ErrObjectDoesNotExist), "got %v", err)
	})

	t.Run("ChunkOutOfRange", func(t *testing.T) {
		h, _ := newHandler(t)
		_, err := h.Filter(ctx, "req-r", expr, filtermerge.ChunkSpec(`{"container":"inputs","path":"pbmc","chunk":7}`))
		assert.True(t, errors.IsFatal(err), "got %v", err)
	})
}
