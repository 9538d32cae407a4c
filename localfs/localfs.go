// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package localfs implements filtermerge.ObjectStore on a local directory.
// Each container is a sub-directory of the root and each path a file
// beneath it.
package localfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
)

// Ensure type implements interface.
var _ filtermerge.ObjectStore = (*ObjectStore)(nil)
var _ filtermerge.RangeReader = (*ObjectStore)(nil)

type ObjectStore struct {
	root string
}

// NewObjectStore returns an ObjectStore rooted at dir.
func NewObjectStore(dir string) *ObjectStore {
	return &ObjectStore{root: dir}
}

func (s *ObjectStore) filename(loc filtermerge.Location) (string, error) {
	if loc.Container == "" || strings.Contains(loc.Container, "..") || strings.ContainsRune(loc.Container, filepath.Separator) {
		return "", errors.Errorf("invalid container %q", loc.Container)
	}
	clean := filepath.Clean("/" + loc.Path)
	return filepath.Join(s.root, loc.Container, filepath.FromSlash(clean)), nil
}

func (s *ObjectStore) Read(ctx context.Context, loc filtermerge.Location) ([]byte, error) {
	name, err := s.filename(loc)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading %s", loc)
	}
	return b, nil
}

// Write writes through a temporary file and a rename so that readers never
// observe a partial object.
func (s *ObjectStore) Write(ctx context.Context, loc filtermerge.Location, data []byte) error {
	name, err := s.filename(loc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(name))
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", loc)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", loc)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), name), "renaming %s", loc)
}

func (s *ObjectStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	base, err := s.filename(filtermerge.Location{Container: container})
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s/%s", container, prefix)
	}
	sort.Strings(out)
	return out, nil
}

func (s *ObjectStore) Size(ctx context.Context, loc filtermerge.Location) (int64, error) {
	name, err := s.filename(loc)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if err != nil {
		return 0, errors.Wrapf(err, "stat %s", loc)
	}
	return fi.Size(), nil
}

func (s *ObjectStore) ReadAt(ctx context.Context, loc filtermerge.Location, p []byte, off int64) (int, error) {
	name, err := s.filename(loc)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if err != nil {
		return 0, errors.Wrapf(err, "opening %s", loc)
	}
	defer f.Close()

	n, err := f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errors.Wrapf(err, "reading %s", loc)
	}
	return n, err
}
