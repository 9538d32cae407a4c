// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package storetest holds behavior tests shared by every RequestStore and
// ObjectStore implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestStore runs the RequestStore behavior tests against the store
// returned by newStore. newStore is called once per subtest.
func TestRequestStore(t *testing.T, newStore func(t *testing.T) filtermerge.RequestStore) {
	ctx := context.Background()
	inputs := []filtermerge.Location{
		{Container: "in", Path: "a.parquet"},
		{Container: "in", Path: "b.parquet"},
	}

	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		req := filtermerge.NewRequest("req-1", "parquet_simple", "matrix['CD4'] > 0", inputs)
		require.NoError(t, s.PutRequest(ctx, req))

		got, err := s.Request(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, req.Format, got.Format)
		assert.Equal(t, req.FilterExpression, got.FilterExpression)
		assert.Equal(t, req.Inputs, got.Inputs)
		assert.Equal(t, int64(2), got.Progress.ExpectedPartition)
		assert.Equal(t, int64(1), got.Progress.ExpectedMerge)
		assert.Equal(t, int64(0), got.Progress.ExpectedFilter)
	})

	t.Run("PutExists", func(t *testing.T) {
		s := newStore(t)
		req := filtermerge.NewRequest("req-1", "parquet_simple", "x", inputs)
		require.NoError(t, s.PutRequest(ctx, req))
		err := s.PutRequest(ctx, req)
		assert.True(t, errors.Is(err, filtermerge.ErrRequestExists), "got %v", err)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Request(ctx, "nope")
		assert.True(t, errors.Is(err, filtermerge.ErrRequestDoesNotExist), "got %v", err)

		_, err = s.CompareAndSwap(ctx, "nope", filtermerge.FieldCompletedFilter, 0, 1)
		assert.True(t, errors.Is(err, filtermerge.ErrRequestDoesNotExist), "got %v", err)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutRequest(ctx, filtermerge.NewRequest("req-1", "parquet_simple", "x", inputs)))

		ok, err := s.CompareAndSwap(ctx, "req-1", filtermerge.FieldExpectedFilter, 0, 3)
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale old value loses.
		ok, err = s.CompareAndSwap(ctx, "req-1", filtermerge.FieldExpectedFilter, 0, 5)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Request(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Progress.ExpectedFilter)
		assert.Equal(t, int64(0), got.Progress.CompletedFilter)
	})

	t.Run("ClaimOnce", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutRequest(ctx, filtermerge.NewRequest("req-1", "parquet_simple", "x", inputs)))

		const n = 8
		var wg sync.WaitGroup
		wins := make(chan bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "req-1", filtermerge.FieldDispatchedMerge, 0, 1)
				assert.NoError(t, err)
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)

		won := 0
		for ok := range wins {
			if ok {
				won++
			}
		}
		assert.Equal(t, 1, won)
	})

	t.Run("Requests", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			id := filtermerge.RequestID(fmt.Sprintf("req-%d", i))
			require.NoError(t, s.PutRequest(ctx, filtermerge.NewRequest(id, "parquet_simple", "x", inputs)))
		}
		reqs, err := s.Requests(ctx)
		require.NoError(t, err)
		ids := make([]filtermerge.RequestID, 0, len(reqs))
		for _, r := range reqs {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []filtermerge.RequestID{"req-0", "req-1", "req-2"}, ids)
	})
}

// TestObjectStore runs the ObjectStore behavior tests against the store
// returned by newStore.
func TestObjectStore(t *testing.T, newStore func(t *testing.T) filtermerge.ObjectStore) {
	ctx := context.Background()

	t.Run("ReadWrite", func(t *testing.T) {
		s := newStore(t)
		loc := filtermerge.Location{Container: "results", Path: "req-1/shards/a.parquet"}
		require.NoError(t, s.Write(ctx, loc, []byte("first")))
		require.NoError(t, s.Write(ctx, loc, []byte("second")))

		b, err := s.Read(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, "second", string(b))
	})

	t.Run("ReadMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Read(ctx, filtermerge.Location{Container: "results", Path: "nope"})
		assert.True(t, errors.Is(err, filtermerge.ErrObjectDoesNotExist), "got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		for _, p := range []string{"req-1/shards/b", "req-1/shards/a", "req-1/result", "req-2/shards/c"} {
			require.NoError(t, s.Write(ctx, filtermerge.Location{Container: "results", Path: p}, []byte(p)))
		}
		paths, err := s.List(ctx, "results", "req-1/shards/")
		require.NoError(t, err)
		assert.Equal(t, []string{"req-1/shards/a", "req-1/shards/b"}, paths)

		paths, err = s.List(ctx, "results", "req-3/")
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("RangeRead", func(t *testing.T) {
		s := newStore(t)
		rr, ok := s.(filtermerge.RangeReader)
		if !ok {
			t.Skip("store does not implement RangeReader")
		}
		loc := filtermerge.Location{Container: "in", Path: "file"}
		require.NoError(t, s.Write(ctx, loc, []byte("0123456789")))

		size, err := rr.Size(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), size)

		p := make([]byte, 4)
		n, err := rr.ReadAt(ctx, loc, p, 6)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, "6789", string(p))
	})
}
