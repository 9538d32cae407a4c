// Copyright 2021 Molecula Corp. All rights reserved.
package server_test

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/boltdb"
	"github.com/molecula/filtermerge/client"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/format/chunkstore"
	"github.com/molecula/filtermerge/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T) *server.Command {
	t.Helper()
	cmd := server.NewCommand(nil, io.Discard, io.Discard)
	cmd.Config.Bind = "localhost:0"
	cmd.Config.Objects.Backend = server.ObjectsInmem
	cmd.Config.Watcher.Enabled = false
	return cmd
}

func TestCommand(t *testing.T) {
	ctx := context.Background()

	cmd := newCommand(t)
	require.NoError(t, cmd.Start())
	defer func() {
		assert.NoError(t, cmd.Close())
	}()

	input := filtermerge.Location{Container: "inputs", Path: "pbmc"}
	m := &chunkstore.Matrix{
		Genes:   []string{"CD4"},
		QCNames: []string{"qc"},
	}
	for i := 0; i < 10; i++ {
		m.Cells = append(m.Cells, fmt.Sprintf("c%02d", i))
		m.Data = append(m.Data, []float32{float32(i % 2)})
		m.QC = append(m.QC, []float32{.9})
	}
	require.NoError(t, chunkstore.WriteMatrix(ctx, cmd.Objects, input, m, 3))

	c := client.New(cmd.Addr().String(), nil)
	require.True(t, c.Health(ctx))

	id, err := c.Submit(ctx, filtermerge.Query{
		Format:           chunkstore.Name,
		Inputs:           []filtermerge.Location{input},
		FilterExpression: "matrix['CD4'] > 0",
	})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := c.Wait(wctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, int64(4), st.Request.Progress.ExpectedFilter)
	assert.Equal(t, int64(1), st.Request.Progress.CompletedMerge)

	out, err := chunkstore.ReadMatrix(ctx, cmd.Objects, *st.Result)
	require.NoError(t, err)
	cells := append([]string{}, out.Cells...)
	sort.Strings(cells)
	assert.Equal(t, []string{"c01", "c03", "c05", "c07", "c09"}, cells)

	t.Run("InvalidQuery", func(t *testing.T) {
		_, err := c.Submit(ctx, filtermerge.Query{
			Format:           chunkstore.Name,
			Inputs:           []filtermerge.Location{input},
			FilterExpression: "matrix['CD4'] >",
		})
		assert.True(t, errors.Is(err, filtermerge.ErrFilterExpression), "got %v", err)
	})
}

func TestCommandBolt(t *testing.T) {
	cmd := newCommand(t)
	cmd.Config.Bind = ""
	cmd.Config.Store.Backend = server.StoreBolt
	cmd.Config.Store.BoltPath = filepath.Join(t.TempDir(), "requests.boltdb")
	require.NoError(t, cmd.Start())
	assert.Nil(t, cmd.Addr())

	_, ok := cmd.Requests.(*boltdb.RequestStore)
	assert.True(t, ok)

	id, err := cmd.Driver.Submit(context.Background(), filtermerge.Query{
		Format:           chunkstore.Name,
		Inputs:           []filtermerge.Location{{Container: "inputs", Path: "missing"}},
		FilterExpression: "true",
	})
	require.NoError(t, err)

	require.NoError(t, cmd.Close())
	require.NoError(t, cmd.Close())

	// The record survives the command.
	db, err := boltdb.OpenDB(cmd.Config.Store.BoltPath, boltdb.RequestStoreBuckets...)
	require.NoError(t, err)
	defer db.Close()
	req, err := boltdb.NewRequestStore(db, nil).Request(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, req.ID)
}

func TestCommandInvalidConfig(t *testing.T) {
	cmd := newCommand(t)
	cmd.Config.Store.Backend = "mysql"
	assert.Error(t, cmd.Start())

	cmd = newCommand(t)
	cmd.Consume = true
	assert.Error(t, cmd.Start())
}
