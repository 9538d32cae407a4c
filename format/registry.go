// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package format holds the registry mapping format names to their
// FormatHandler implementations.
package format

import (
	"sort"
	"sync"

	"github.com/molecula/filtermerge"
)

// Registry maps format names to handlers. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[filtermerge.Format]filtermerge.FormatHandler
}

// NewRegistry returns a new instance of Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[filtermerge.Format]filtermerge.FormatHandler),
	}
}

// Register adds h under name, replacing any handler already registered
// under that name.
func (r *Registry) Register(name filtermerge.Format, h filtermerge.FormatHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns filtermerge.ErrFormatUnknown for unregistered names.
func (r *Registry) Lookup(name filtermerge.Format) (filtermerge.FormatHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, filtermerge.NewErrFormatUnknown(name)
	}
	return h, nil
}

// Formats returns the registered names, sorted.
func (r *Registry) Formats() []filtermerge.Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]filtermerge.Format, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
