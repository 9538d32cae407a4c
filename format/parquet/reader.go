// Copyright 2021 Molecula Corp. All rights reserved.
package parquet

import (
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow/go/v10/parquet"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
)

// remoteFile serves a parquet reader from ranged reads so that partitioning
// a file only fetches its footer, and filtering a row group only fetches
// that row group's column chunks.
type remoteFile struct {
	ctx  context.Context
	rr   filtermerge.RangeReader
	loc  filtermerge.Location
	size int64
	off  int64
}

func (f *remoteFile) ReadAt(p []byte, off int64) (int, error) {
	return f.rr.ReadAt(f.ctx, f.loc, p, off)
}

func (f *remoteFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	return n, err
}

func (f *remoteFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.off
	case io.SeekEnd:
		offset += f.size
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("negative position %d", offset)
	}
	f.off = offset
	return offset, nil
}

// open returns a reader over the object at loc, using ranged reads when the
// store supports them.
func open(ctx context.Context, store filtermerge.ObjectStore, loc filtermerge.Location) (parquet.ReaderAtSeeker, error) {
	if rr, ok := store.(filtermerge.RangeReader); ok {
		size, err := rr.Size(ctx, loc)
		if err != nil {
			return nil, err
		}
		return &remoteFile{ctx: ctx, rr: rr, loc: loc, size: size}, nil
	}
	b, err := store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
