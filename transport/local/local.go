// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package local runs invocations on goroutines in the current process.
package local

import (
	"context"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"golang.org/x/sync/errgroup"
)

// Ensure type implements interface.
var _ filtermerge.Invoker = (*Invoker)(nil)

// Invoker hands each invocation to Handler on its own goroutine. Invocations
// run under the context given to NewInvoker, not the caller's, since the
// caller never waits for them.
type Invoker struct {
	Handler filtermerge.Handler

	// Redeliveries is the number of times an invocation failing with a
	// non-fatal error is handed to Handler again.
	Redeliveries int

	ctx    context.Context
	group  errgroup.Group
	logger logger.Logger
}

// NewInvoker returns a new instance of Invoker.
func NewInvoker(ctx context.Context, h filtermerge.Handler, log logger.Logger) *Invoker {
	if log == nil {
		log = logger.NopLogger
	}
	return &Invoker{
		Handler: h,
		ctx:     ctx,
		logger:  log,
	}
}

func (i *Invoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	if err := i.ctx.Err(); err != nil {
		return errors.Wrap(err, "invoker stopped")
	}
	i.group.Go(func() error {
		for attempt := 0; ; attempt++ {
			err := i.Handler.Handle(i.ctx, inv)
			if err == nil {
				return nil
			}
			if errors.IsFatal(err) || attempt >= i.Redeliveries || i.ctx.Err() != nil {
				i.logger.Errorf("invocation %s failed after %d attempt(s): %v", inv.Stage, attempt+1, err)
				return nil
			}
			i.logger.Warnf("redelivering %s: %v", inv.Stage, err)
		}
	})
	return nil
}

// Wait blocks until every invocation, including those started by other
// invocations, has returned.
func (i *Invoker) Wait() error {
	return i.group.Wait()
}
