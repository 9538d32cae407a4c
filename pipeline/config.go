// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import (
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/logger"
)

// MergeDispatch selects how FilterWorkers which observe that all filtering
// is done decide who dispatches the merge.
type MergeDispatch string

const (
	// MergeDispatchClaim lets only the worker which wins a compare-and-swap
	// of dispatched_merge from 0 to 1 dispatch the merge.
	MergeDispatchClaim MergeDispatch = "claim"

	// MergeDispatchRace lets every observer dispatch the merge, relying on
	// the merge stage being idempotent.
	MergeDispatchRace MergeDispatch = "race"
)

const defaultDispatchAttempts = 5

// Config holds the configuration shared by the driver and the workers.
type Config struct {
	MergeDispatch MergeDispatch             `toml:"merge-dispatch"`
	Counter       filtermerge.CounterConfig `toml:"counter"`

	// DispatchAttempts is how many times a worker tries to invoke a
	// downstream stage before giving up. Retries wait as Counter does.
	DispatchAttempts int `toml:"dispatch-attempts"`

	Logger logger.Logger `toml:"-"`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		MergeDispatch: MergeDispatchClaim,
		Counter:       filtermerge.NewCounterConfig(),

		DispatchAttempts: defaultDispatchAttempts,
	}
}

// Formats resolves a format name to its handler.
type Formats interface {
	Lookup(filtermerge.Format) (filtermerge.FormatHandler, error)
}
