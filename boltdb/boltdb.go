// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package boltdb contains the boltdb implementation of the RequestStore, for
// running the pipeline on a single host.
package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/molecula/filtermerge/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	ErrFmtBucketNotFound = "boltdb: bucket '%s' not found"

	openTimeout = time.Second
)

// Bucket names a top-level bolt bucket.
type Bucket []byte

// DB is an open bolt file.
type DB struct {
	db *bolt.DB
}

// OpenDB opens the bolt file at path, creating it and its directory if they
// do not exist, and creates any of buckets which are missing. A leading
// "file:" on path is ignored.
func OpenDB(path string, buckets ...Bucket) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	bdb, err := bolt.Open(path, 0666, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open file: %s", path)
	}

	db := &DB{db: bdb}
	err = db.update(context.Background(), func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", b)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Wrap(err, "initializing buckets")
	}
	return db, nil
}

// Close closes the file. Closing a closed DB does nothing.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	return err
}

// view runs fn in a read-only transaction.
func (db *DB) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.db.View(fn)
}

// update runs fn in a writable transaction, which is committed if fn returns
// nil. Bolt runs one writable transaction at a time.
func (db *DB) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.db.Update(fn)
}

func bucket(tx *bolt.Tx, name Bucket) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, name)
	}
	return b, nil
}
