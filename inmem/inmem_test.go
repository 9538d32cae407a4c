// Copyright 2021 Molecula Corp. All rights reserved.
package inmem_test

import (
	"testing"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/test/storetest"
)

func TestRequestStore(t *testing.T) {
	storetest.TestRequestStore(t, func(t *testing.T) filtermerge.RequestStore {
		return inmem.NewRequestStore()
	})
}

func TestObjectStore(t *testing.T) {
	storetest.TestObjectStore(t, func(t *testing.T) filtermerge.ObjectStore {
		return inmem.NewObjectStore()
	})
}
