// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package etcd contains the etcd implementation of the RequestStore. It can
// connect to an existing etcd cluster or start a single embedded member.
package etcd

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"go.etcd.io/etcd/client/pkg/v3/types"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
)

type Options struct {
	// Endpoints of an existing cluster. When empty, an embedded member is
	// started using the options below.
	Endpoints   []string      `toml:"endpoints"`
	DialTimeout time.Duration `toml:"dial-timeout"`

	Name          string `toml:"name"`
	Dir           string `toml:"dir"`
	LClientURL    string `toml:"listen-client-url"`
	LPeerURL      string `toml:"listen-peer-url"`
	UnsafeNoFsync bool   `toml:"no-fsync"`

	// Prefix is prepended to every key.
	Prefix string `toml:"prefix"`
}

// NewOptions returns Options for a local embedded member.
func NewOptions() Options {
	return Options{
		DialTimeout: 5 * time.Second,
		Name:        "filtermerge",
		Dir:         "filtermerge.etcd",
		LClientURL:  "http://localhost:2379",
		LPeerURL:    "http://localhost:2380",
		Prefix:      "/filtermerge",
	}
}

// Etcd owns a client, and the embedded server when there is one.
type Etcd struct {
	options Options
	logger  logger.Logger

	e *embed.Etcd

	cliMu sync.Mutex
	cli   *clientv3.Client
}

// NewEtcd returns a new instance of Etcd. Call Start before using it.
func NewEtcd(opt Options, log logger.Logger) *Etcd {
	if log == nil {
		log = logger.NopLogger
	}
	return &Etcd{
		options: opt,
		logger:  log,
	}
}

func (e *Etcd) parseOptions() (*embed.Config, error) {
	if e.options.LClientURL == "" || e.options.LPeerURL == "" {
		return nil, errors.New(errors.ErrUncoded, "embedded etcd requires listen-client-url and listen-peer-url")
	}
	cfg := embed.NewConfig()
	cfg.LogLevel = "error"
	cfg.Logger = "zap"
	cfg.Name = e.options.Name
	cfg.Dir = e.options.Dir
	cfg.UnsafeNoFsync = e.options.UnsafeNoFsync

	lcurls, err := types.NewURLs([]string{e.options.LClientURL})
	if err != nil {
		return nil, errors.Wrap(err, "parsing client url")
	}
	lpurls, err := types.NewURLs([]string{e.options.LPeerURL})
	if err != nil {
		return nil, errors.Wrap(err, "parsing peer url")
	}
	cfg.LCUrls, cfg.ACUrls = lcurls, lcurls
	cfg.LPUrls, cfg.APUrls = lpurls, lpurls
	cfg.InitialCluster = cfg.Name + "=" + e.options.LPeerURL
	cfg.ClusterState = embed.ClusterStateFlagNew
	return cfg, nil
}

// Start connects to the configured cluster, or starts the embedded member
// and waits until it is ready.
func (e *Etcd) Start(ctx context.Context) (err error) {
	if len(e.options.Endpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   e.options.Endpoints,
			DialTimeout: e.options.DialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return errors.Wrap(err, "connecting to etcd")
		}
		e.cli = cli
		e.logger.Infof("connected to etcd at %s", strings.Join(e.options.Endpoints, ","))
		return nil
	}

	cfg, err := e.parseOptions()
	if err != nil {
		return err
	}
	e.e, err = embed.StartEtcd(cfg)
	if err != nil {
		return errors.Wrap(err, "starting etcd")
	}
	// If we are returning an error, the caller won't be shutting us down
	// later, so we have to stop the server ourselves.
	defer func() {
		if err != nil {
			e.e.Close()
			e.e = nil
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-e.e.Err():
		return err
	case <-e.e.Server.ReadyNotify():
	}
	e.cli = v3client.New(e.e.Server)
	e.logger.Infof("started embedded etcd in %s", e.options.Dir)
	return nil
}

// Close closes the client and stops the embedded member, if any.
func (e *Etcd) Close() error {
	e.cliMu.Lock()
	defer e.cliMu.Unlock()
	if e.cli != nil {
		e.cli.Close()
		e.cli = nil
	}
	if e.e != nil {
		e.e.Close()
		e.e = nil
	}
	return nil
}

// Client returns the current client.
func (e *Etcd) Client() *clientv3.Client {
	e.cliMu.Lock()
	defer e.cliMu.Unlock()
	return e.cli
}

const etcdRetryTimes = 3

// retryClient runs fn, retrying a few times when etcd reports a leader
// change or a timeout. Other errors are returned immediately. Only use it
// for reads.
func (e *Etcd) retryClient(fn func(cli *clientv3.Client) error) error {
	return e.runClient(etcdRetryTimes, fn)
}

// txnClient runs fn once. A transaction which timed out may have been
// applied, and repeating it would compare against its own write.
func (e *Etcd) txnClient(fn func(cli *clientv3.Client) error) error {
	return e.runClient(1, fn)
}

func (e *Etcd) runClient(times int, fn func(cli *clientv3.Client) error) (err error) {
	cli := e.Client()
	if cli == nil {
		return errors.New(errors.ErrUncoded, "etcd is not started")
	}
	for tries := 0; tries < times; tries++ {
		start := time.Now()
		err = fn(cli)
		if err == nil {
			return nil
		}
		msg := err.Error()
		if !strings.Contains(msg, "etcdserver: leader changed") &&
			!strings.Contains(msg, "etcdserver: request timed out") {
			return errors.Wrap(err, "non-retryable error")
		}
		if tries+1 == times {
			break
		}
		e.logger.Warnf("%s (%v elapsed) on etcd query (retrying, n=%d)", msg, time.Since(start), tries)
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Wrapf(err, "giving up after %d attempt(s)", times)
}
