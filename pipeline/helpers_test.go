// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/format"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/logger"
	"github.com/stretchr/testify/require"
)

const fakeFormat filtermerge.Format = "fake"

type fakeChunk struct {
	Path string `json:"path"`
	N    int    `json:"n"`
}

// fakeHandler partitions an input into the number of chunks configured for
// its path. Each shard holds its chunk spec, and the result is the sorted
// list of shard contents.
type fakeHandler struct {
	store  *inmem.ObjectStore
	chunks map[string]int
	merges int32
}

func newFakeHandler(chunks map[string]int) *fakeHandler {
	return &fakeHandler{store: inmem.NewObjectStore(), chunks: chunks}
}

func (h *fakeHandler) Partition(ctx context.Context, input filtermerge.Location) ([]filtermerge.ChunkSpec, error) {
	n, ok := h.chunks[input.Path]
	if !ok {
		return nil, filtermerge.NewErrObjectDoesNotExist(input)
	}
	specs := make([]filtermerge.ChunkSpec, n)
	for i := range specs {
		b, err := json.Marshal(fakeChunk{Path: input.Path, N: i})
		if err != nil {
			return nil, err
		}
		specs[i] = b
	}
	return specs, nil
}

func (h *fakeHandler) Filter(ctx context.Context, id filtermerge.RequestID, expr string, spec filtermerge.ChunkSpec) (*filtermerge.Location, error) {
	loc := filtermerge.Location{Container: "results", Path: path.Join(string(id), "shards", uuid.New().String())}
	return &loc, h.store.Write(ctx, loc, spec)
}

func (h *fakeHandler) Merge(ctx context.Context, id filtermerge.RequestID) (filtermerge.Location, error) {
	atomic.AddInt32(&h.merges, 1)
	paths, err := h.store.List(ctx, "results", string(id)+"/shards/")
	if err != nil {
		return filtermerge.Location{}, err
	}
	var lines []string
	for _, p := range paths {
		b, err := h.store.Read(ctx, filtermerge.Location{Container: "results", Path: p})
		if err != nil {
			return filtermerge.Location{}, err
		}
		lines = append(lines, string(b))
	}
	sort.Strings(lines)
	result := h.Result(id)
	return result, h.store.Write(ctx, result, []byte(strings.Join(lines, "\n")))
}

func (h *fakeHandler) Result(id filtermerge.RequestID) filtermerge.Location {
	return filtermerge.Location{Container: "results", Path: path.Join(string(id), "result")}
}

func (h *fakeHandler) ValidateExpression(expr string) error {
	if expr == "bad" {
		return filtermerge.NewErrFilterExpression(expr, fmt.Errorf("syntax error"))
	}
	return nil
}

func (h *fakeHandler) mergeCount() int {
	return int(atomic.LoadInt32(&h.merges))
}

// queueInvoker holds invocations until the test delivers them, so that
// tests control delivery order.
type queueInvoker struct {
	mu   sync.Mutex
	invs []filtermerge.Invocation
}

func (q *queueInvoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invs = append(q.invs, inv)
	return nil
}

// take removes and returns the queued invocations for stage.
func (q *queueInvoker) take(stage filtermerge.Stage) []filtermerge.Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out, rest []filtermerge.Invocation
	for _, inv := range q.invs {
		if inv.Stage == stage {
			out = append(out, inv)
		} else {
			rest = append(rest, inv)
		}
	}
	q.invs = rest
	return out
}

func (q *queueInvoker) count(stage filtermerge.Stage) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, inv := range q.invs {
		if inv.Stage == stage {
			n++
		}
	}
	return n
}

// failingInvoker fails the next failures invocations of stage and passes
// every other invocation to next.
type failingInvoker struct {
	next     filtermerge.Invoker
	stage    filtermerge.Stage
	failures int32
}

func (f *failingInvoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	if inv.Stage == f.stage && atomic.AddInt32(&f.failures, -1) >= 0 {
		return fmt.Errorf("transport down")
	}
	return f.next.Invoke(ctx, inv)
}

func (f *failingInvoker) recover() {
	atomic.StoreInt32(&f.failures, 0)
}

// harness wires a driver and a dispatcher to in-memory stores.
type harness struct {
	requests   *inmem.RequestStore
	formats    *format.Registry
	driver     *Driver
	worker     *Worker
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, invoker filtermerge.Invoker, dispatch MergeDispatch, handlers map[filtermerge.Format]filtermerge.FormatHandler) *harness {
	t.Helper()
	cfg := NewConfig()
	cfg.MergeDispatch = dispatch
	cfg.Logger = logger.NewLogfLogger(t)

	h := &harness{
		requests: inmem.NewRequestStore(),
		formats:  format.NewRegistry(),
	}
	for name, fh := range handlers {
		h.formats.Register(name, fh)
	}
	h.driver = NewDriver(cfg, h.requests, h.formats, invoker)
	h.worker = NewWorker(cfg, h.requests, h.formats, invoker)
	h.dispatcher = NewDispatcher(h.worker, cfg.Logger)
	return h
}

func (h *harness) deliver(t *testing.T, invs ...filtermerge.Invocation) {
	t.Helper()
	for _, inv := range invs {
		require.NoError(t, h.dispatcher.Handle(context.Background(), inv))
	}
}

func (h *harness) progress(t *testing.T, id filtermerge.RequestID) filtermerge.Progress {
	t.Helper()
	req, err := h.requests.Request(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, req.Progress.Check())
	return req.Progress
}
