// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package boltdb holds helpers for tests which need an open bolt database.
package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/molecula/filtermerge/boltdb"
)

// MustOpenDB returns a new, open DB in a per-test temporary directory
// which is closed when the test finishes. Fatal on error.
func MustOpenDB(tb testing.TB, buckets ...boltdb.Bucket) *boltdb.DB {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "filtermerge.boltdb")
	db, err := boltdb.OpenDB(path, buckets...)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { MustCloseDB(tb, db) })
	return db
}

// MustCloseDB closes the DB. Fatal on error.
func MustCloseDB(tb testing.TB, db *boltdb.DB) {
	tb.Helper()
	if err := db.Close(); err != nil {
		tb.Fatal(err)
	}
}
