// Copyright 2021 Molecula Corp. All rights reserved.
package boltdb

import (
	"context"
	"encoding/json"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRequests = Bucket("requests")
)

// RequestStoreBuckets defines the buckets used by this package. It can be
// passed to OpenDB to create the buckets ahead of time.
var RequestStoreBuckets []Bucket = []Bucket{
	bucketRequests,
}

// Ensure type implements interface.
var _ filtermerge.RequestStore = (*RequestStore)(nil)

// RequestStore keeps Request records as json values keyed by request id.
// Every read-compare-write happens inside one writable transaction, so it
// is atomic.
type RequestStore struct {
	db *DB

	logger logger.Logger
}

// NewRequestStore returns a new instance of RequestStore with default values.
func NewRequestStore(db *DB, log logger.Logger) *RequestStore {
	if log == nil {
		log = logger.NopLogger
	}
	return &RequestStore{
		db:     db,
		logger: log,
	}
}

func (s *RequestStore) PutRequest(ctx context.Context, req *filtermerge.Request) error {
	val, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshalling request to json")
	}
	return s.db.update(ctx, func(tx *bolt.Tx) error {
		bkt, err := bucket(tx, bucketRequests)
		if err != nil {
			return err
		}
		if bkt.Get([]byte(req.ID)) != nil {
			return filtermerge.NewErrRequestExists(req.ID)
		}
		return errors.Wrap(bkt.Put([]byte(req.ID), val), "putting request")
	})
}

func (s *RequestStore) Request(ctx context.Context, id filtermerge.RequestID) (req *filtermerge.Request, err error) {
	err = s.db.view(ctx, func(tx *bolt.Tx) error {
		req, err = readRequest(tx, id)
		return err
	})
	return req, err
}

func readRequest(tx *bolt.Tx, id filtermerge.RequestID) (*filtermerge.Request, error) {
	bkt, err := bucket(tx, bucketRequests)
	if err != nil {
		return nil, err
	}
	b := bkt.Get([]byte(id))
	if b == nil {
		return nil, filtermerge.NewErrRequestDoesNotExist(id)
	}
	req := &filtermerge.Request{}
	if err := json.Unmarshal(b, req); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling request %s", id)
	}
	return req, nil
}

func (s *RequestStore) CompareAndSwap(ctx context.Context, id filtermerge.RequestID, field filtermerge.Field, old, new int64) (swapped bool, err error) {
	err = s.db.update(ctx, func(tx *bolt.Tx) error {
		req, err := readRequest(tx, id)
		if err != nil {
			return err
		}
		if cur, err := req.Progress.Get(field); err != nil {
			return err
		} else if cur != old {
			return nil
		}
		if err := req.Progress.Set(field, new); err != nil {
			return err
		}

		val, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(err, "marshalling request to json")
		}
		if err := tx.Bucket(bucketRequests).Put([]byte(id), val); err != nil {
			return errors.Wrap(err, "putting request")
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *RequestStore) Requests(ctx context.Context) ([]*filtermerge.Request, error) {
	var reqs []*filtermerge.Request
	err := s.db.view(ctx, func(tx *bolt.Tx) error {
		bkt, err := bucket(tx, bucketRequests)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			req := &filtermerge.Request{}
			if err := json.Unmarshal(v, req); err != nil {
				s.logger.Warnf("skipping unreadable request %s: %v", k, err)
				return nil
			}
			reqs = append(reqs, req)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading requests")
	}
	return reqs, nil
}
