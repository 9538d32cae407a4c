// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package parquet implements the "parquet_simple" format: each input is a
// single parquet file, and each of its row groups is one chunk.
package parquet

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/predicate"
)

// Name is the format name this handler is registered under.
const Name filtermerge.Format = "parquet_simple"

// Ensure type implements interface.
var _ filtermerge.FormatHandler = (*Handler)(nil)
var _ filtermerge.ExpressionValidator = (*Handler)(nil)

// chunk is the ChunkSpec of one row group.
type chunk struct {
	Container string `json:"container"`
	Path      string `json:"path"`
	RowGroup  int    `json:"row_group"`
}

// Handler reads inputs from, and writes shards and results to, Store.
// Shards go to <request>/shards/<shard>.parquet and the result to
// <request>/result.parquet in ResultContainer.
type Handler struct {
	Store           filtermerge.ObjectStore
	ResultContainer string

	mem    memory.Allocator
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
		mem:             memory.NewGoAllocator(),
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
		Path:      path.Join(string(id), "result.parquet"),
	}
}

// Partition reads the file's footer and returns one chunk per row group.
func (h *Handler) Partition(ctx context.Context, input filtermerge.Location) ([]filtermerge.ChunkSpec, error) {
	rdr, err := open(ctx, h.Store, input)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", input)
	}
	pf, err := file.NewParquetReader(rdr)
	if err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "reading parquet footer of %s", input))
	}
	defer pf.Close()

	specs := make([]filtermerge.ChunkSpec, 0, pf.NumRowGroups())
	for i := 0; i < pf.NumRowGroups(); i++ {
		b, err := json.Marshal(chunk{Container: input.Container, Path: input.Path, RowGroup: i})
		if err != nil {
			return nil, errors.Wrap(err, "encoding chunk")
		}
		specs = append(specs, b)
	}
	return specs, nil
}

// Filter reads one row group, keeps the rows matching expr and writes them
// as a new shard. A shard is written even when no row matches, so that
// Merge always has the schema.
func (h *Handler) Filter(ctx context.Context, id filtermerge.RequestID, expr string, spec filtermerge.ChunkSpec) (*filtermerge.Location, error) {
	var c chunk
	if err := json.Unmarshal(spec, &c); err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "decoding chunk"))
	}
	pred, err := predicate.Compile(expr)
	if err != nil {
		return nil, err
	}

	loc := filtermerge.Location{Container: c.Container, Path: c.Path}
	tbl, err := h.readRowGroup(ctx, loc, c.RowGroup)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	filtered, err := h.filterTable(ctx, pred, tbl)
	if err != nil {
		return nil, err
	}
	defer filtered.Release()

	data, err := writeRecords(tbl.Schema(), []arrow.Record{filtered})
	if err != nil {
		return nil, errors.Wrap(err, "writing shard")
	}

	shard := filtermerge.Location{
		Container: h.ResultContainer,
		Path:      h.shardPrefix(id) + uuid.New().String() + ".parquet",
	}
	if err := h.Store.Write(ctx, shard, data); err != nil {
		return nil, errors.Wrapf(err, "storing shard %s", shard)
	}
	h.logger.Debugf("%s row group %d: kept %d of %d rows in %s", loc, c.RowGroup, filtered.NumRows(), tbl.NumRows(), shard.Path)
	return &shard, nil
}

func (h *Handler) readRowGroup(ctx context.Context, loc filtermerge.Location, rowGroup int) (arrow.Table, error) {
	rdr, err := open(ctx, h.Store, loc)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", loc)
	}
	pf, err := file.NewParquetReader(rdr)
	if err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "reading parquet footer of %s", loc))
	}
	defer pf.Close()

	if rowGroup < 0 || rowGroup >= pf.NumRowGroups() {
		return nil, errors.Fatal(errors.Errorf("%s has %d row groups, not %d", loc, pf.NumRowGroups(), rowGroup+1))
	}

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, h.mem)
	if err != nil {
		return nil, errors.Wrap(err, "creating arrow reader")
	}
	cols := make([]int, pf.MetaData().Schema.NumColumns())
	for i := range cols {
		cols[i] = i
	}
	tbl, err := fr.RowGroup(rowGroup).ReadTable(ctx, cols)
	if err != nil {
		return nil, errors.Wrapf(err, "reading row group %d of %s", rowGroup, loc)
	}
	return tbl, nil
}

// filterTable returns one record holding the rows of tbl matching pred.
func (h *Handler) filterTable(ctx context.Context, pred *predicate.Predicate, tbl arrow.Table) (arrow.Record, error) {
	schema := tbl.Schema()
	parts := make([][]arrow.Array, len(schema.Fields()))
	var kept int64

	tr := array.NewTableReader(tbl, 0)
	defer tr.Release()

	row := make(map[string]interface{}, len(schema.Fields()))
	for tr.Next() {
		rec := tr.Record()
		var start int64 = -1
		for i := int64(0); i < rec.NumRows(); i++ {
			for j, f := range schema.Fields() {
				row[f.Name] = value(rec.Column(j), int(i))
			}
			ok, err := pred.Match(ctx, row)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			switch {
			case ok && start < 0:
				start = i
			case !ok && start >= 0:
				appendSlices(parts, rec, start, i)
				kept += i - start
				start = -1
			}
		}
		if start >= 0 {
			appendSlices(parts, rec, start, rec.NumRows())
			kept += rec.NumRows() - start
		}
	}

	cols := make([]arrow.Array, len(schema.Fields()))
	for j, f := range schema.Fields() {
		if len(parts[j]) == 0 {
			b := array.NewBuilder(h.mem, f.Type)
			cols[j] = b.NewArray()
			b.Release()
			continue
		}
		col, err := array.Concatenate(parts[j], h.mem)
		for _, p := range parts[j] {
			p.Release()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "concatenating column %s", f.Name)
		}
		cols[j] = col
	}
	rec := array.NewRecord(schema, cols, kept)
	for _, col := range cols {
		col.Release()
	}
	return rec, nil
}

func appendSlices(parts [][]arrow.Array, rec arrow.Record, from, to int64) {
	for j := range parts {
		parts[j] = append(parts[j], array.NewSlice(rec.Column(j), from, to))
	}
}

// value returns the Go value of row i of arr, or nil if it is null.
// Unsupported types are rendered as strings.
func value(arr arrow.Array, i int) interface{} {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Float32:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Int8:
		return a.Value(i)
	case *array.Int16:
		return a.Value(i)
	case *array.Int32:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return a.Value(i)
	case *array.Uint16:
		return a.Value(i)
	case *array.Uint32:
		return a.Value(i)
	case *array.Uint64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	case *array.Dictionary:
		return value(a.Dictionary(), a.GetValueIndex(i))
	}
	return arr.String()
}

// Merge concatenates every row group of every shard, in shard path order,
// into the result file.
func (h *Handler) Merge(ctx context.Context, id filtermerge.RequestID) (filtermerge.Location, error) {
	result := h.Result(id)
	paths, err := h.Store.List(ctx, h.ResultContainer, h.shardPrefix(id))
	if err != nil {
		return result, errors.Wrap(err, "listing shards")
	}
	if len(paths) == 0 {
		h.logger.Warnf("request %s has no shards; nothing to merge", id)
		return result, nil
	}

	var schema *arrow.Schema
	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	for _, p := range paths {
		loc := filtermerge.Location{Container: h.ResultContainer, Path: p}
		s, rs, err := h.readShard(ctx, loc)
		if err != nil {
			return result, err
		}
		if schema == nil {
			schema = s
		} else if !schema.Equal(s) {
			for _, r := range rs {
				r.Release()
			}
			return result, errors.Fatal(errors.Errorf("shard %s schema %s differs from %s", p, s, schema))
		}
		recs = append(recs, rs...)
	}

	data, err := writeRecords(schema, recs)
	if err != nil {
		return result, errors.Wrap(err, "writing result")
	}
	if err := h.Store.Write(ctx, result, data); err != nil {
		return result, errors.Wrapf(err, "storing result %s", result)
	}
	h.logger.Infof("merged %d shards of %s into %s", len(paths), id, result)
	return result, nil
}

// readShard returns the schema and the non-empty row groups of one shard.
func (h *Handler) readShard(ctx context.Context, loc filtermerge.Location) (*arrow.Schema, []arrow.Record, error) {
	b, err := h.Store.Read(ctx, loc)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading shard %s", loc)
	}
	pf, err := file.NewParquetReader(bytes.NewReader(b))
	if err != nil {
		return nil, nil, errors.Fatal(errors.Wrapf(err, "opening shard %s", loc))
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, h.mem)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating arrow reader")
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading schema of %s", loc)
	}

	cols := make([]int, pf.MetaData().Schema.NumColumns())
	for i := range cols {
		cols[i] = i
	}
	var recs []arrow.Record
	for rg := 0; rg < pf.NumRowGroups(); rg++ {
		tbl, err := fr.RowGroup(rg).ReadTable(ctx, cols)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading row group %d of %s", rg, loc)
		}
		tr := array.NewTableReader(tbl, 0)
		for tr.Next() {
			rec := tr.Record()
			rec.Retain()
			recs = append(recs, rec)
		}
		tr.Release()
		tbl.Release()
	}
	return schema, recs, nil
}

// writeRecords encodes recs as one brotli-compressed parquet file. With no
// rows the file still carries the schema.
func writeRecords(schema *arrow.Schema, recs []arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Brotli))
	fw, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, errors.Wrap(err, "creating parquet writer")
	}
	for _, rec := range recs {
		if rec.NumRows() == 0 {
			continue
		}
		rec = array.NewRecord(schema, rec.Columns(), rec.NumRows())
		err := fw.Write(rec)
		rec.Release()
		if err != nil {
			fw.Close()
			return nil, errors.Wrap(err, "writing record")
		}
	}
	if err := fw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing parquet writer")
	}
	return buf.Bytes(), nil
}
