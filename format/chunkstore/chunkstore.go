// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package chunkstore implements the "chunkstore" format: a directory of
// row-chunked, zstd-compressed arrays holding a cell by gene expression
// matrix, per-cell QC metrics and their labels. Each row chunk is one chunk
// of work.
package chunkstore

import (
	"context"
	"encoding/json"
	"path"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/predicate"
)

// Name is the format name this handler is registered under.
const Name filtermerge.Format = "chunkstore"

// DefaultResultChunkRows is the row chunking of merged results.
const DefaultResultChunkRows = 4096

// Ensure type implements interface.
var _ filtermerge.FormatHandler = (*Handler)(nil)
var _ filtermerge.ExpressionValidator = (*Handler)(nil)

// chunk is the ChunkSpec of one row chunk.
type chunk struct {
	Container string `json:"container"`
	Path      string `json:"path"`
	Chunk     int    `json:"chunk"`
	RowStart  int    `json:"row_start"`
	RowCount  int    `json:"row_count"`
}

// Handler reads input stores from, and writes shard and result stores to,
// Store. Shards are written to <request>/shards/<shard>/ and the result to
// <request>/result/ in ResultContainer.
type Handler struct {
	Store           filtermerge.ObjectStore
	ResultContainer string
	ResultChunkRows int

	logger logger.Logger
}

// NewHandler returns a new instance of Handler.
func NewHandler(store filtermerge.ObjectStore, resultContainer string, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger
	}
	return &Handler{
		Store:           store,
		ResultContainer: resultContainer,
		ResultChunkRows: DefaultResultChunkRows,
		logger:          log,
	}
}

func (h *Handler) shardPrefix(id filtermerge.RequestID) string {
	return path.Join(string(id), "shards") + "/"
}

// ValidateExpression compiles expr without evaluating it.
func (h *Handler) ValidateExpression(expr string) error {
	_, err := predicate.Compile(expr)
	return err
}

func (h *Handler) Result(id filtermerge.RequestID) filtermerge.Location {
	return filtermerge.Location{
		Container: h.ResultContainer,
		Path:      path.Join(string(id), "result"),
	}
}

// Partition returns one chunk per row chunk of the data array.
func (h *Handler) Partition(ctx context.Context, input filtermerge.Location) ([]filtermerge.ChunkSpec, error) {
	meta, err := readMeta(ctx, h.Store, input, ArrayData)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", input)
	}
	specs := make([]filtermerge.ChunkSpec, 0, meta.numChunks())
	for n := 0; n < meta.numChunks(); n++ {
		b, err := json.Marshal(chunk{
			Container: input.Container,
			Path:      input.Path,
			Chunk:     n,
			RowStart:  n * meta.ChunkRows,
			RowCount:  meta.chunkRows(n),
		})
		if err != nil {
			return nil, errors.Wrap(err, "encoding chunk")
		}
		specs = append(specs, b)
	}
	return specs, nil
}

// Filter keeps the rows of one chunk matching expr, with matrix bound to the
// row's gene and QC values, and writes them as a new shard store. A shard is
// written even when no row matches.
func (h *Handler) Filter(ctx context.Context, id filtermerge.RequestID, expr string, spec filtermerge.ChunkSpec) (*filtermerge.Location, error) {
	var c chunk
	if err := json.Unmarshal(spec, &c); err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "decoding chunk"))
	}
	pred, err := predicate.Compile(expr)
	if err != nil {
		return nil, err
	}

	input := filtermerge.Location{Container: c.Container, Path: c.Path}
	m, err := readLabels(ctx, h.Store, input)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", input)
	}
	rows, err := readRows(ctx, h.Store, input, c.Chunk)
	if err != nil {
		return nil, errors.Wrapf(err, "reading chunk %d of %s", c.Chunk, input)
	}
	if c.RowCount != 0 && rows.Rows() != c.RowCount {
		return nil, errors.Fatal(errors.Errorf("chunk %d of %s has %d rows, expected %d", c.Chunk, input, rows.Rows(), c.RowCount))
	}
	m.Cells, m.Data, m.QC = rows.Cells, rows.Data, rows.QC
	if err := m.validate(); err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "chunk %d of %s", c.Chunk, input))
	}

	out := &Matrix{Genes: m.Genes, QCNames: m.QCNames}
	for i := 0; i < m.Rows(); i++ {
		ok, err := pred.Match(ctx, m.Row(i))
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", c.RowStart+i)
		}
		if ok {
			out.Cells = append(out.Cells, m.Cells[i])
			out.Data = append(out.Data, m.Data[i])
			out.QC = append(out.QC, m.QC[i])
		}
	}

	shard := filtermerge.Location{
		Container: h.ResultContainer,
		Path:      h.shardPrefix(id) + uuid.New().String(),
	}
	if err := WriteMatrix(ctx, h.Store, shard, out, shardChunkRows(out.Rows())); err != nil {
		return nil, errors.Wrapf(err, "writing shard %s", shard)
	}
	h.logger.Debugf("%s chunk %d: kept %d of %d rows in %s", input, c.Chunk, out.Rows(), m.Rows(), shard.Path)
	return &shard, nil
}

// shardChunkRows stores each shard as a single chunk.
func shardChunkRows(rows int) int {
	if rows == 0 {
		return 1
	}
	return rows
}

// shards returns the sorted store paths of every shard of id.
func (h *Handler) shards(ctx context.Context, id filtermerge.RequestID) ([]string, error) {
	paths, err := h.Store.List(ctx, h.ResultContainer, h.shardPrefix(id))
	if err != nil {
		return nil, err
	}
	// A shard is complete once its data metadata exists, since WriteMatrix
	// writes it after every chunk.
	suffix := "/" + path.Join(ArrayData, metaName)
	var out []string
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			out = append(out, strings.TrimSuffix(p, suffix))
		}
	}
	return out, nil
}

// Merge concatenates the rows of every shard, in shard path order, into the
// result store.
func (h *Handler) Merge(ctx context.Context, id filtermerge.RequestID) (filtermerge.Location, error) {
	result := h.Result(id)
	paths, err := h.shards(ctx, id)
	if err != nil {
		return result, errors.Wrap(err, "listing shards")
	}
	if len(paths) == 0 {
		h.logger.Warnf("request %s has no shards; nothing to merge", id)
		return result, nil
	}

	var merged *Matrix
	for _, p := range paths {
		m, err := ReadMatrix(ctx, h.Store, filtermerge.Location{Container: h.ResultContainer, Path: p})
		if err != nil {
			return result, errors.Wrapf(err, "reading shard %s", p)
		}
		if merged == nil {
			merged = &Matrix{Genes: m.Genes, QCNames: m.QCNames}
		} else if !reflect.DeepEqual(merged.Genes, m.Genes) || !reflect.DeepEqual(merged.QCNames, m.QCNames) {
			return result, errors.Fatal(errors.Errorf("shard %s has different columns", p))
		}
		merged.Cells = append(merged.Cells, m.Cells...)
		merged.Data = append(merged.Data, m.Data...)
		merged.QC = append(merged.QC, m.QC...)
	}

	chunkRows := h.ResultChunkRows
	if chunkRows <= 0 {
		chunkRows = DefaultResultChunkRows
	}
	if err := WriteMatrix(ctx, h.Store, result, merged, chunkRows); err != nil {
		return result, errors.Wrapf(err, "writing result %s", result)
	}
	h.logger.Infof("merged %d shards of %s into %s", len(paths), id, result)
	return result, nil
}
