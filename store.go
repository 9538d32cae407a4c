// Copyright 2021 Molecula Corp. All rights reserved.
package filtermerge

import (
	"context"
)

// RequestStore holds Request records and supports compare-and-swap updates
// of their progress counters. Request must be strongly consistent: a read
// following a successful CompareAndSwap observes it.
type RequestStore interface {
	// PutRequest creates the record. It returns ErrRequestExists if a record
	// with the same ID is already stored.
	PutRequest(context.Context, *Request) error

	// Request returns ErrRequestDoesNotExist if no such record is stored.
	Request(context.Context, RequestID) (*Request, error)

	// CompareAndSwap sets field to new only if it currently holds old. It
	// reports whether the write happened; a false return with a nil error
	// is a conflict.
	CompareAndSwap(ctx context.Context, id RequestID, field Field, old, new int64) (bool, error)

	Requests(context.Context) ([]*Request, error)
}

// ObjectStore is the durable store holding inputs, shards and results.
type ObjectStore interface {
	// Read returns ErrObjectDoesNotExist if there is no object at loc.
	Read(ctx context.Context, loc Location) ([]byte, error)
	Write(ctx context.Context, loc Location, data []byte) error
	// List returns the paths of every object in container whose path
	// begins with prefix, in lexical order.
	List(ctx context.Context, container, prefix string) ([]string, error)
}

// RangeReader is implemented by object stores which can serve byte ranges,
// so that a handler can read a file's footer without fetching the file.
type RangeReader interface {
	Size(ctx context.Context, loc Location) (int64, error)
	ReadAt(ctx context.Context, loc Location, p []byte, off int64) (int, error)
}

// Invoker starts an Invocation asynchronously. Delivery is at-least-once,
// unordered, and there is no reply.
type Invoker interface {
	Invoke(context.Context, Invocation) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(context.Context, Invocation) error

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// FormatHandler implements the format-specific half of each stage.
type FormatHandler interface {
	// Partition splits one input into chunk specs. The number of specs
	// returned for a given input must not change between calls.
	Partition(ctx context.Context, input Location) ([]ChunkSpec, error)

	// Filter evaluates expr against the chunk and writes the surviving rows
	// as a new shard of the request. It returns the shard's location, or nil
	// if the handler wrote nothing.
	Filter(ctx context.Context, id RequestID, expr string, chunk ChunkSpec) (*Location, error)

	// Merge combines every shard of the request into the result. Repeated
	// calls overwrite the result with identical content.
	Merge(ctx context.Context, id RequestID) (Location, error)

	// Result returns where Merge writes the request's result.
	Result(id RequestID) Location
}

// Handler is implemented by anything which can run an Invocation, such as
// the worker dispatcher.
type Handler interface {
	Handle(context.Context, Invocation) error
}

// ExpressionValidator is implemented by FormatHandlers which can reject a
// filter expression before any work is dispatched for it.
type ExpressionValidator interface {
	ValidateExpression(expr string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}
