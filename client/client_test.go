// Copyright 2021 Molecula Corp. All rights reserved.
package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/client"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/format"
	fmhttp "github.com/molecula/filtermerge/http"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/pipeline"
	"github.com/molecula/filtermerge/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyHandler partitions every input into zero chunks.
type emptyHandler struct{}

func (emptyHandler) Partition(context.Context, filtermerge.Location) ([]filtermerge.ChunkSpec, error) {
	return nil, nil
}

func (emptyHandler) Filter(context.Context, filtermerge.RequestID, string, filtermerge.ChunkSpec) (*filtermerge.Location, error) {
	return nil, nil
}

func (h emptyHandler) Merge(ctx context.Context, id filtermerge.RequestID) (filtermerge.Location, error) {
	return h.Result(id), nil
}

func (emptyHandler) Result(id filtermerge.RequestID) filtermerge.Location {
	return filtermerge.Location{Container: "results", Path: string(id) + "/result"}
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	formats := format.NewRegistry()
	formats.Register("empty", emptyHandler{})
	requests := inmem.NewRequestStore()
	cfg := pipeline.NewConfig()

	var dispatcher *pipeline.Dispatcher
	invoker := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(ctx context.Context, inv filtermerge.Invocation) error {
		return dispatcher.Handle(ctx, inv)
	}), nil)
	dispatcher = pipeline.NewDispatcher(pipeline.NewWorker(cfg, requests, formats, invoker), nil)
	driver := pipeline.NewDriver(cfg, requests, formats, invoker)

	srv := httptest.NewServer(fmhttp.Handler(fmhttp.Config{Driver: driver}))
	defer srv.Close()

	c := client.New(srv.URL, nil)
	assert.True(t, c.Health(ctx))

	t.Run("SubmitWait", func(t *testing.T) {
		id, err := c.Submit(ctx, filtermerge.Query{
			Format:           "empty",
			Inputs:           []filtermerge.Location{{Container: "in", Path: "a"}},
			FilterExpression: "true",
		})
		require.NoError(t, err)
		require.NoError(t, invoker.Wait())

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := c.Wait(wctx, id, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, filtermerge.StateDone, st.State)
		require.NotNil(t, st.Result)
		assert.Equal(t, string(id)+"/result", st.Result.Path)
	})

	t.Run("FormatUnknown", func(t *testing.T) {
		_, err := c.Submit(ctx, filtermerge.Query{
			Format:           "csv",
			Inputs:           []filtermerge.Location{{Container: "in", Path: "a"}},
			FilterExpression: "true",
		})
		assert.True(t, errors.Is(err, filtermerge.ErrFormatUnknown), "got %v", err)
	})

	t.Run("RequestDoesNotExist", func(t *testing.T) {
		_, err := c.Status(ctx, "nope")
		assert.True(t, errors.Is(err, filtermerge.ErrRequestDoesNotExist), "got %v", err)
	})

	t.Run("Unreachable", func(t *testing.T) {
		down := client.New("localhost:1", nil)
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		assert.False(t, down.Health(cctx))
	})
}
