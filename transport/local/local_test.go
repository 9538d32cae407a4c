// Copyright 2021 Molecula Corp. All rights reserved.
package local_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoker(t *testing.T) {
	ctx := context.Background()

	t.Run("FanOut", func(t *testing.T) {
		var n int32
		var inv *local.Invoker
		inv = local.NewInvoker(ctx, filtermerge.HandlerFunc(func(ctx context.Context, i filtermerge.Invocation) error {
			atomic.AddInt32(&n, 1)
			if i.Stage == filtermerge.StagePartition {
				for j := 0; j < 3; j++ {
					if err := inv.Invoke(ctx, filtermerge.Invocation{Stage: filtermerge.StageFilter}); err != nil {
						return err
					}
				}
			}
			return nil
		}), nil)

		for j := 0; j < 2; j++ {
			require.NoError(t, inv.Invoke(ctx, filtermerge.Invocation{Stage: filtermerge.StagePartition}))
		}
		require.NoError(t, inv.Wait())
		assert.Equal(t, int32(8), atomic.LoadInt32(&n))
	})

	t.Run("Redeliver", func(t *testing.T) {
		var n int32
		inv := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(context.Context, filtermerge.Invocation) error {
			if atomic.AddInt32(&n, 1) < 3 {
				return errors.Errorf("transient")
			}
			return nil
		}), nil)
		inv.Redeliveries = 5

		require.NoError(t, inv.Invoke(ctx, filtermerge.Invocation{Stage: filtermerge.StageMerge}))
		require.NoError(t, inv.Wait())
		assert.Equal(t, int32(3), atomic.LoadInt32(&n))
	})

	t.Run("FatalNotRedelivered", func(t *testing.T) {
		var n int32
		inv := local.NewInvoker(ctx, filtermerge.HandlerFunc(func(context.Context, filtermerge.Invocation) error {
			atomic.AddInt32(&n, 1)
			return errors.Fatal(errors.Errorf("bad payload"))
		}), nil)
		inv.Redeliveries = 5

		require.NoError(t, inv.Invoke(ctx, filtermerge.Invocation{Stage: filtermerge.StageFilter}))
		require.NoError(t, inv.Wait())
		assert.Equal(t, int32(1), atomic.LoadInt32(&n))
	})

	t.Run("Stopped", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		inv := local.NewInvoker(cctx, filtermerge.HandlerFunc(func(context.Context, filtermerge.Invocation) error { return nil }), nil)
		assert.Error(t, inv.Invoke(ctx, filtermerge.Invocation{Stage: filtermerge.StageFilter}))
	})
}
