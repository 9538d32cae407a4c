// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package inmem provides in-memory implementations of the filtermerge
// stores, for tests and for running the whole pipeline in one process.
package inmem

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/molecula/filtermerge"
)

// Ensure type implements interface.
var _ filtermerge.RequestStore = (*RequestStore)(nil)
var _ filtermerge.ObjectStore = (*ObjectStore)(nil)
var _ filtermerge.RangeReader = (*ObjectStore)(nil)

// RequestStore is an in-memory filtermerge.RequestStore.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[filtermerge.RequestID]*filtermerge.Request
}

// NewRequestStore returns a new instance of RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[filtermerge.RequestID]*filtermerge.Request),
	}
}

func (s *RequestStore) PutRequest(ctx context.Context, req *filtermerge.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return filtermerge.NewErrRequestExists(req.ID)
	}
	s.requests[req.ID] = req.Copy()
	return nil
}

func (s *RequestStore) Request(ctx context.Context, id filtermerge.RequestID) (*filtermerge.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, filtermerge.NewErrRequestDoesNotExist(id)
	}
	return req.Copy(), nil
}

func (s *RequestStore) CompareAndSwap(ctx context.Context, id filtermerge.RequestID, field filtermerge.Field, old, new int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, filtermerge.NewErrRequestDoesNotExist(id)
	}
	cur, err := req.Progress.Get(field)
	if err != nil {
		return false, err
	}
	if cur != old {
		return false, nil
	}
	return true, req.Progress.Set(field, new)
}

func (s *RequestStore) Requests(ctx context.Context) ([]*filtermerge.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*filtermerge.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ObjectStore is an in-memory filtermerge.ObjectStore.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[filtermerge.Location][]byte
}

// NewObjectStore returns a new instance of ObjectStore.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[filtermerge.Location][]byte),
	}
}

func (s *ObjectStore) Read(ctx context.Context, loc filtermerge.Location) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[loc]
	if !ok {
		return nil, filtermerge.NewErrObjectDoesNotExist(loc)
	}
	return append([]byte(nil), b...), nil
}

func (s *ObjectStore) Write(ctx context.Context, loc filtermerge.Location, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc] = append([]byte(nil), data...)
	return nil
}

func (s *ObjectStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for loc := range s.objects {
		if loc.Container == container && strings.HasPrefix(loc.Path, prefix) {
			out = append(out, loc.Path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *ObjectStore) Size(ctx context.Context, loc filtermerge.Location) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[loc]
	if !ok {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	}
	return int64(len(b)), nil
}

func (s *ObjectStore) ReadAt(ctx context.Context, loc filtermerge.Location, p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[loc]
	if !ok {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
