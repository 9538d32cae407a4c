// Copyright 2021 Molecula Corp. All rights reserved.
package boltdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/boltdb"
	testbolt "github.com/molecula/filtermerge/test/boltdb"
	"github.com/molecula/filtermerge/test/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStore(t *testing.T) {
	storetest.TestRequestStore(t, func(t *testing.T) filtermerge.RequestStore {
		db := testbolt.MustOpenDB(t, boltdb.RequestStoreBuckets...)
		return boltdb.NewRequestStore(db, nil)
	})
}

func TestRequestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "requests.boltdb")

	db, err := boltdb.OpenDB(path, boltdb.RequestStoreBuckets...)
	require.NoError(t, err)
	s := boltdb.NewRequestStore(db, nil)
	req := filtermerge.NewRequest("req-1", "chunkstore", "matrix['CD4'] > 0", []filtermerge.Location{{Container: "in", Path: "m"}})
	require.NoError(t, s.PutRequest(ctx, req))
	ok, err := s.CompareAndSwap(ctx, "req-1", filtermerge.FieldCompletedPartition, 0, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, db.Close())

	db, err = boltdb.OpenDB(path, boltdb.RequestStoreBuckets...)
	require.NoError(t, err)
	defer db.Close()
	got, err := boltdb.NewRequestStore(db, nil).Request(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Progress.CompletedPartition)
	assert.Equal(t, filtermerge.StateMerging, got.Progress.State())
}
