// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package watcher provides the Watcher, which reports requests whose
// progress has stopped moving.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/monitor"
)

const (
	defaultInterval     = 30 * time.Second
	defaultStallTimeout = 10 * time.Minute
)

// MergeDispatcher dispatches the merge of a request which is ready for it.
type MergeDispatcher interface {
	DispatchMerge(ctx context.Context, id filtermerge.RequestID, format filtermerge.Format) error
}

// Config configures a Watcher. Zero durations take their defaults.
type Config struct {
	Requests filtermerge.RequestStore `toml:"-"`

	// Merges, if set, is asked to dispatch the merge of a stalled request
	// which has every partition and filter counted but no merge dispatched.
	Merges MergeDispatcher `toml:"-"`

	Interval     time.Duration `toml:"interval"`
	StallTimeout time.Duration `toml:"stall-timeout"`

	Logger logger.Logger `toml:"-"`
}

// Stall describes a request which is not done and whose progress has not
// changed for Idle.
type Stall struct {
	RequestID filtermerge.RequestID
	State     filtermerge.State
	Idle      time.Duration

	// Redispatched is true if the watcher dispatched the request's merge.
	Redispatched bool
}

type observation struct {
	progress filtermerge.Progress
	since    time.Time
	reported bool
}

// Watcher periodically reads every request and reports each one that has
// stalled. A stall is reported once; it is reported again only after the
// request has moved and stalled anew.
type Watcher struct {
	mu sync.Mutex

	requests     filtermerge.RequestStore
	merges       MergeDispatcher
	interval     time.Duration
	stallTimeout time.Duration

	seen map[filtermerge.RequestID]*observation
	now  func() time.Time

	stopping chan struct{}
	stopOnce sync.Once

	logger logger.Logger
}

// New returns a new instance of Watcher.
func New(cfg Config) *Watcher {
	w := &Watcher{
		requests:     cfg.Requests,
		merges:       cfg.Merges,
		interval:     defaultInterval,
		stallTimeout: defaultStallTimeout,
		seen:         make(map[filtermerge.RequestID]*observation),
		now:          time.Now,
		stopping:     make(chan struct{}),
		logger:       logger.NopLogger,
	}
	if cfg.Interval > 0 {
		w.interval = cfg.Interval
	}
	if cfg.StallTimeout > 0 {
		w.stallTimeout = cfg.StallTimeout
	}
	if cfg.Logger != nil {
		w.logger = cfg.Logger
	}
	return w
}

// Run checks the requests every interval until Stop is called.
func (w *Watcher) Run() error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopping:
			return nil
		case <-ticker.C:
		}

		if _, err := w.Check(context.Background()); err != nil {
			w.logger.Printf("WATCHER: checking requests: %v", err)
		}
	}
}

// Stop stops Run. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopping) })
}

// Check reads every request once and returns the stalls newly observed.
// Stalled requests waiting only for their merge to be dispatched have it
// dispatched.
func (w *Watcher) Check(ctx context.Context) ([]Stall, error) {
	reqs, err := w.requests.Requests(ctx)
	if err != nil {
		return nil, err
	}

	stalls, pending := w.observe(reqs)
	for i := range stalls {
		req := pending[stalls[i].RequestID]
		if req == nil {
			continue
		}
		if err := w.merges.DispatchMerge(ctx, req.ID, req.Format); err != nil {
			w.logger.Errorf("WATCHER: dispatching merge of %s: %v", req.ID, err)
			w.retry(req.ID)
			continue
		}
		stalls[i].Redispatched = true
		CounterRedispatches.Inc()
		w.logger.Infof("WATCHER: dispatched merge of stalled request %s", req.ID)
	}
	return stalls, nil
}

// retry makes the next Check report id again, if it is still stalled.
func (w *Watcher) retry(id filtermerge.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if obs, ok := w.seen[id]; ok {
		obs.reported = false
	}
}

// observe records reqs and returns the newly stalled requests, along with
// those of them whose merge should be dispatched.
func (w *Watcher) observe(reqs []*filtermerge.Request) ([]Stall, map[filtermerge.RequestID]*filtermerge.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	live := make(map[filtermerge.RequestID]struct{}, len(reqs))
	var stalls []Stall
	var stalled int
	pending := make(map[filtermerge.RequestID]*filtermerge.Request)

	for _, req := range reqs {
		state := req.Progress.State()
		if state == filtermerge.StateDone {
			continue
		}
		live[req.ID] = struct{}{}

		if err := req.Progress.Check(); err != nil {
			w.logger.Warnf("WATCHER: request %s has inconsistent progress: %v", req.ID, err)
		}

		obs, ok := w.seen[req.ID]
		if !ok || obs.progress != req.Progress {
			w.seen[req.ID] = &observation{progress: req.Progress, since: now}
			continue
		}

		idle := now.Sub(obs.since)
		if idle < w.stallTimeout {
			continue
		}
		stalled++
		if obs.reported {
			continue
		}
		obs.reported = true

		s := Stall{RequestID: req.ID, State: state, Idle: idle}
		stalls = append(stalls, s)
		CounterStalls.WithLabelValues(string(state)).Inc()
		w.logger.Warnf("WATCHER: request %s stalled in %s for %s: %+v", req.ID, state, idle.Round(time.Second), req.Progress)
		monitor.CaptureStall(string(req.ID), string(state), idle)

		p := req.Progress
		if w.merges != nil && p.ReadyToMerge() && p.DispatchedMerge == 0 {
			pending[req.ID] = req
		}
	}

	// Forget requests which finished or were removed.
	for id := range w.seen {
		if _, ok := live[id]; !ok {
			delete(w.seen, id)
		}
	}
	GaugeStalledRequests.Set(float64(stalled))

	return stalls, pending
}
