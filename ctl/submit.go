// Copyright 2021 Molecula Corp. All rights reserved.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/client"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

// SubmitCommand represents a command for submitting a query.
type SubmitCommand struct {
	// Host is the address of the driver.
	Host string

	Format string

	// Inputs are given as container/path.
	Inputs []string

	Filter string

	// Wait polls the request every Interval until it is done, then prints
	// its status.
	Wait     bool
	Interval time.Duration
	Timeout  time.Duration

	stdout io.Writer
	logger logger.Logger
}

// NewSubmitCommand returns a new instance of SubmitCommand.
func NewSubmitCommand(stdout io.Writer, log logger.Logger) *SubmitCommand {
	return &SubmitCommand{
		Host:     "localhost:8080",
		Interval: time.Second,
		stdout:   stdout,
		logger:   log,
	}
}

// ParseLocation parses container/path.
func ParseLocation(s string) (filtermerge.Location, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return filtermerge.Location{}, errors.Errorf("invalid location %q: expected container/path", s)
	}
	return filtermerge.Location{Container: parts[0], Path: parts[1]}, nil
}

// Run submits the query and prints its request id.
func (cmd *SubmitCommand) Run(ctx context.Context) error {
	q := filtermerge.Query{
		Format:           filtermerge.Format(cmd.Format),
		FilterExpression: cmd.Filter,
	}
	for _, in := range cmd.Inputs {
		loc, err := ParseLocation(in)
		if err != nil {
			return err
		}
		q.Inputs = append(q.Inputs, loc)
	}

	c := client.New(cmd.Host, cmd.logger)
	id, err := c.Submit(ctx, q)
	if err != nil {
		return errors.Wrap(err, "submitting query")
	}
	fmt.Fprintln(cmd.stdout, id)

	if !cmd.Wait {
		return nil
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	st, err := c.Wait(ctx, id, cmd.Interval)
	if err != nil {
		return errors.Wrapf(err, "waiting for %s", id)
	}
	return printJSON(cmd.stdout, st)
}

// StatusCommand represents a command for printing the status of a request.
type StatusCommand struct {
	Host string
	ID   string

	stdout io.Writer
	logger logger.Logger
}

// NewStatusCommand returns a new instance of StatusCommand.
func NewStatusCommand(stdout io.Writer, log logger.Logger) *StatusCommand {
	return &StatusCommand{
		Host:   "localhost:8080",
		stdout: stdout,
		logger: log,
	}
}

// Run prints the request's status as json.
func (cmd *StatusCommand) Run(ctx context.Context) error {
	if cmd.ID == "" {
		return filtermerge.NewErrFieldMissing("id")
	}
	st, err := client.New(cmd.Host, cmd.logger).Status(ctx, filtermerge.RequestID(cmd.ID))
	if err != nil {
		return errors.Wrap(err, "getting status")
	}
	return printJSON(cmd.stdout, st)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
