// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package client is an HTTP client for the query endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

const defaultScheme = "http"

// Client submits queries and polls their status.
type Client struct {
	address string
	client  *retryablehttp.Client
	logger  logger.Logger
}

// New returns a new instance of Client. The address may omit its scheme.
func New(address string, log logger.Logger) *Client {
	if log == nil {
		log = logger.NopLogger
	}
	if !strings.Contains(address, "://") {
		address = defaultScheme + "://" + address
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = logger.LeveledLogger{Logger: log}
	return &Client{
		address: strings.TrimSuffix(address, "/"),
		client:  c,
		logger:  log,
	}
}

// Health returns true if the server returns status OK at its /health
// endpoint.
func (c *Client) Health(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Submit submits q and returns its request id.
func (c *Client) Submit(ctx context.Context, q filtermerge.Query) (filtermerge.RequestID, error) {
	postBody, err := json.Marshal(q)
	if err != nil {
		return "", errors.Wrap(err, "marshalling query")
	}

	c.logger.Debugf("POST query: %s", postBody)
	resp, err := c.do(ctx, http.MethodPost, "/query", postBody)
	if err != nil {
		return "", errors.Wrap(err, "posting query")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(errors.UnmarshalJSON(resp.Body), "status code: %d", resp.StatusCode)
	}

	var out filtermerge.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "reading response body")
	}
	return out.RequestID, nil
}

// Status returns the status of request id.
func (c *Client) Status(ctx context.Context, id filtermerge.RequestID) (*filtermerge.Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/query/"+string(id), nil)
	if err != nil {
		return nil, errors.Wrap(err, "getting status")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.UnmarshalJSON(resp.Body), "status code: %d", resp.StatusCode)
	}

	var st filtermerge.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	return &st, nil
}

// Wait polls the status of id every interval until the request is done or
// ctx is done.
func (c *Client) Wait(ctx context.Context, id filtermerge.RequestID, interval time.Duration) (*filtermerge.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State == filtermerge.StateDone {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s%s", c.address, path)
	var rawBody interface{}
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, url, rawBody)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}
