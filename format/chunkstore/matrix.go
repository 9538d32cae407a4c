// Copyright 2021 Molecula Corp. All rights reserved.
package chunkstore

import (
	"context"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
)

// Matrix is the in-memory form of a store: one row per cell, with a value
// per gene in Data and a value per QC metric in QC.
type Matrix struct {
	Cells   []string
	Genes   []string
	QCNames []string
	Data    [][]float32
	QC      [][]float32
}

// Rows returns the number of cells in m.
func (m *Matrix) Rows() int { return len(m.Cells) }

// Row returns the values of row i keyed by gene and QC name.
func (m *Matrix) Row(i int) map[string]interface{} {
	row := make(map[string]interface{}, len(m.Genes)+len(m.QCNames))
	for j, g := range m.Genes {
		row[g] = m.Data[i][j]
	}
	for j, q := range m.QCNames {
		row[q] = m.QC[i][j]
	}
	return row
}

func (m *Matrix) validate() error {
	if len(m.Data) != len(m.Cells) || len(m.QC) != len(m.Cells) {
		return errors.Errorf("matrix has %d cells, %d data rows and %d qc rows", len(m.Cells), len(m.Data), len(m.QC))
	}
	for i := range m.Cells {
		if len(m.Data[i]) != len(m.Genes) {
			return errors.Errorf("data row %d has %d values for %d genes", i, len(m.Data[i]), len(m.Genes))
		}
		if len(m.QC[i]) != len(m.QCNames) {
			return errors.Errorf("qc row %d has %d values for %d metrics", i, len(m.QC[i]), len(m.QCNames))
		}
	}
	return nil
}

// WriteMatrix writes m as a store rooted at loc, with row arrays split into
// chunks of chunkRows rows.
func WriteMatrix(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location, m *Matrix, chunkRows int) error {
	if err := m.validate(); err != nil {
		return err
	}
	if chunkRows <= 0 {
		return errors.Errorf("invalid chunk rows: %d", chunkRows)
	}

	// Labels are written as a single chunk.
	for _, labels := range []struct {
		name string
		vals []string
	}{
		{ArrayGeneName, m.Genes},
		{ArrayQCName, m.QCNames},
	} {
		if err := writeStrings(ctx, objs, loc, labels.name, labels.vals, len(labels.vals)); err != nil {
			return err
		}
	}

	if err := writeStrings(ctx, objs, loc, ArrayCellID, m.Cells, chunkRows); err != nil {
		return err
	}
	if err := writeFloat32(ctx, objs, loc, ArrayData, m.Data, len(m.Genes), chunkRows); err != nil {
		return err
	}
	return writeFloat32(ctx, objs, loc, ArrayQCValues, m.QC, len(m.QCNames), chunkRows)
}

func writeStrings(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location, name string, vals []string, chunkRows int) error {
	meta := arrayMeta{Shape: []int{len(vals)}, ChunkRows: chunkRows, DType: dtypeString, Compressor: compressorZstd}
	if meta.ChunkRows <= 0 {
		meta.ChunkRows = 1
	}
	for n := 0; n < meta.numChunks(); n++ {
		start := n * meta.ChunkRows
		b, err := encodeStrings(vals[start : start+meta.chunkRows(n)])
		if err != nil {
			return errors.Wrapf(err, "encoding %s", name)
		}
		if err := writeChunk(ctx, objs, loc, name, n, b); err != nil {
			return errors.Wrapf(err, "writing %s chunk %d", name, n)
		}
	}
	return writeMeta(ctx, objs, loc, name, meta)
}

func writeFloat32(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location, name string, rows [][]float32, columns, chunkRows int) error {
	meta := arrayMeta{Shape: []int{len(rows), columns}, ChunkRows: chunkRows, DType: dtypeFloat32, Compressor: compressorZstd}
	for n := 0; n < meta.numChunks(); n++ {
		start := n * meta.ChunkRows
		if err := writeChunk(ctx, objs, loc, name, n, encodeFloat32(rows[start:start+meta.chunkRows(n)])); err != nil {
			return errors.Wrapf(err, "writing %s chunk %d", name, n)
		}
	}
	return writeMeta(ctx, objs, loc, name, meta)
}

// ReadMatrix reads every chunk of the store rooted at loc.
func ReadMatrix(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location) (*Matrix, error) {
	meta, err := readMeta(ctx, objs, loc, ArrayData)
	if err != nil {
		return nil, err
	}
	m, err := readLabels(ctx, objs, loc)
	if err != nil {
		return nil, err
	}
	for n := 0; n < meta.numChunks(); n++ {
		part, err := readRows(ctx, objs, loc, n)
		if err != nil {
			return nil, err
		}
		m.Cells = append(m.Cells, part.Cells...)
		m.Data = append(m.Data, part.Data...)
		m.QC = append(m.QC, part.QC...)
	}
	return m, nil
}

// readLabels returns a Matrix holding only the column labels of a store.
func readLabels(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location) (*Matrix, error) {
	m := &Matrix{}
	for _, labels := range []struct {
		name string
		dst  *[]string
	}{
		{ArrayGeneName, &m.Genes},
		{ArrayQCName, &m.QCNames},
	} {
		meta, err := readMeta(ctx, objs, loc, labels.name)
		if err != nil {
			return nil, err
		}
		vals := []string{}
		for n := 0; n < meta.numChunks(); n++ {
			b, err := readChunk(ctx, objs, loc, labels.name, n)
			if err != nil {
				return nil, err
			}
			part, err := decodeStrings(b, meta.chunkRows(n))
			if err != nil {
				return nil, errors.Fatal(errors.Wrapf(err, "decoding %s chunk %d", labels.name, n))
			}
			vals = append(vals, part...)
		}
		*labels.dst = vals
	}
	return m, nil
}

// readRows reads row chunk n of the cell_id, data and qc_values arrays. The
// three arrays must share their row chunking.
func readRows(ctx context.Context, objs filtermerge.ObjectStore, loc filtermerge.Location, n int) (*Matrix, error) {
	metas := make(map[string]arrayMeta, 3)
	for _, name := range []string{ArrayCellID, ArrayData, ArrayQCValues} {
		meta, err := readMeta(ctx, objs, loc, name)
		if err != nil {
			return nil, err
		}
		if n < 0 || n >= meta.numChunks() {
			return nil, errors.Fatal(errors.Errorf("array %s has %d chunks, not %d", name, meta.numChunks(), n+1))
		}
		metas[name] = meta
	}
	data, qc, cells := metas[ArrayData], metas[ArrayQCValues], metas[ArrayCellID]
	if data.rows() != qc.rows() || data.rows() != cells.rows() || data.ChunkRows != qc.ChunkRows || data.ChunkRows != cells.ChunkRows {
		return nil, errors.Fatal(errors.Errorf("arrays of %s are not chunked alike", loc))
	}

	m := &Matrix{}
	b, err := readChunk(ctx, objs, loc, ArrayCellID, n)
	if err != nil {
		return nil, err
	}
	if m.Cells, err = decodeStrings(b, cells.chunkRows(n)); err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "decoding %s chunk %d", ArrayCellID, n))
	}

	if b, err = readChunk(ctx, objs, loc, ArrayData, n); err != nil {
		return nil, err
	}
	if m.Data, err = decodeFloat32(b, data.chunkRows(n), data.columns()); err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "decoding %s chunk %d", ArrayData, n))
	}

	if b, err = readChunk(ctx, objs, loc, ArrayQCValues, n); err != nil {
		return nil, err
	}
	if m.QC, err = decodeFloat32(b, qc.chunkRows(n), qc.columns()); err != nil {
		return nil, errors.Fatal(errors.Wrapf(err, "decoding %s chunk %d", ArrayQCValues, n))
	}
	return m, nil
}
