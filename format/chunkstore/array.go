// Copyright 2021 Molecula Corp. All rights reserved.
package chunkstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"path"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
)

// Array names within a store.
const (
	ArrayData     = "data"
	ArrayQCValues = "qc_values"
	ArrayCellID   = "cell_id"
	ArrayGeneName = "gene_name"
	ArrayQCName   = "qc_name"
)

const (
	metaName = ".array"

	dtypeFloat32 = "<f4"
	dtypeString  = "str"

	compressorZstd = "zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// arrayMeta describes one array. Shape is [rows] or [rows, columns]; arrays
// are chunked along rows only.
type arrayMeta struct {
	Shape      []int  `json:"shape"`
	ChunkRows  int    `json:"chunk_rows"`
	DType      string `json:"dtype"`
	Compressor string `json:"compressor"`
}

func (m arrayMeta) rows() int { return m.Shape[0] }

func (m arrayMeta) columns() int {
	if len(m.Shape) < 2 {
		return 1
	}
	return m.Shape[1]
}

// numChunks returns the number of row chunks in the array.
func (m arrayMeta) numChunks() int {
	if m.ChunkRows <= 0 {
		return 0
	}
	return (m.rows() + m.ChunkRows - 1) / m.ChunkRows
}

// chunkRows returns the number of rows held by chunk n.
func (m arrayMeta) chunkRows(n int) int {
	start := n * m.ChunkRows
	if end := start + m.ChunkRows; end < m.rows() {
		return m.ChunkRows
	}
	return m.rows() - start
}

func (m arrayMeta) validate(name string) error {
	if len(m.Shape) < 1 || len(m.Shape) > 2 {
		return errors.Errorf("array %s: unsupported shape %v", name, m.Shape)
	}
	if m.rows() > 0 && m.ChunkRows <= 0 {
		return errors.Errorf("array %s: invalid chunk_rows %d", name, m.ChunkRows)
	}
	if m.Compressor != compressorZstd {
		return errors.Errorf("array %s: unsupported compressor %q", name, m.Compressor)
	}
	return nil
}

func metaLocation(store filtermerge.Location, name string) filtermerge.Location {
	return filtermerge.Location{Container: store.Container, Path: path.Join(store.Path, name, metaName)}
}

func chunkLocation(store filtermerge.Location, name string, n int) filtermerge.Location {
	return filtermerge.Location{Container: store.Container, Path: path.Join(store.Path, name, "c", strconv.Itoa(n))}
}

func readMeta(ctx context.Context, objs filtermerge.ObjectStore, store filtermerge.Location, name string) (arrayMeta, error) {
	var m arrayMeta
	b, err := objs.Read(ctx, metaLocation(store, name))
	if err != nil {
		return m, errors.Wrapf(err, "reading %s metadata", name)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Fatal(errors.Wrapf(err, "decoding %s metadata", name))
	}
	if err := m.validate(name); err != nil {
		return m, errors.Fatal(err)
	}
	return m, nil
}

func writeMeta(ctx context.Context, objs filtermerge.ObjectStore, store filtermerge.Location, name string, m arrayMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding metadata")
	}
	return objs.Write(ctx, metaLocation(store, name), b)
}

func readChunk(ctx context.Context, objs filtermerge.ObjectStore, store filtermerge.Location, name string, n int) ([]byte, error) {
	b, err := objs.Read(ctx, chunkLocation(store, name, n))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s chunk %d", name, n)
	}
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "decompressing %s chunk %d", name, n))
	}
	return out, nil
}

func writeChunk(ctx context.Context, objs filtermerge.ObjectStore, store filtermerge.Location, name string, n int, raw []byte) error {
	return objs.Write(ctx, chunkLocation(store, name, n), encoder.EncodeAll(raw, nil))
}

// Float32 rows are stored row-major in little-endian order.

func encodeFloat32(rows [][]float32) []byte {
	var n int
	for _, r := range rows {
		n += len(r)
	}
	out := make([]byte, 4*n)
	off := 0
	for _, r := range rows {
		for _, v := range r {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v))
			off += 4
		}
	}
	return out
}

func decodeFloat32(b []byte, rows, columns int) ([][]float32, error) {
	if len(b) != 4*rows*columns {
		return nil, errors.Errorf("expected %d bytes for %dx%d float32 values, got %d", 4*rows*columns, rows, columns, len(b))
	}
	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, columns)
		for j := range row {
			off := 4 * (i*columns + j)
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		}
		out[i] = row
	}
	return out, nil
}

func encodeStrings(vals []string) ([]byte, error) {
	if vals == nil {
		vals = []string{}
	}
	return json.Marshal(vals)
}

func decodeStrings(b []byte, rows int) ([]string, error) {
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if len(out) != rows {
		return nil, errors.Errorf("expected %d strings, got %d", rows, len(out))
	}
	return out, nil
}
