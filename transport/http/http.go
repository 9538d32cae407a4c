// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package http invokes stages by posting their payloads to a worker's
// /invoke/{stage} endpoint.
package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

// Ensure type implements interface.
var _ filtermerge.Invoker = (*Invoker)(nil)

type Config struct {
	// URL is the base URL of the worker, or of a load balancer in front of
	// a pool of workers.
	URL          string        `toml:"url"`
	RetryMax     int           `toml:"retry-max"`
	RetryWaitMin time.Duration `toml:"retry-wait-min"`
	RetryWaitMax time.Duration `toml:"retry-wait-max"`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		RetryMax:     5,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// NewClient returns a retrying client configured by cfg. Connection errors
// and 5xx responses are retried; other responses are returned.
func NewClient(cfg Config, log logger.Logger) *retryablehttp.Client {
	if log == nil {
		log = logger.NopLogger
	}
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	c.Logger = logger.LeveledLogger{Logger: log}
	return c
}

// Invoker posts each invocation and returns once the worker has accepted
// it.
type Invoker struct {
	client *retryablehttp.Client
	url    string
}

// NewInvoker returns a new instance of Invoker.
func NewInvoker(cfg Config, log logger.Logger) (*Invoker, error) {
	if cfg.URL == "" {
		return nil, filtermerge.NewErrFieldMissing("url")
	}
	return &Invoker{
		client: NewClient(cfg, log),
		url:    strings.TrimSuffix(cfg.URL, "/"),
	}, nil
}

func (i *Invoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	url := fmt.Sprintf("%s/invoke/%s", i.url, inv.Stage)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(inv.Payload))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	err = errors.Wrapf(errors.UnmarshalJSON(resp.Body), "posting to %s: status %d", url, resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The worker rejected the invocation itself; retrying cannot help.
		return errors.Fatal(err)
	}
	return err
}
