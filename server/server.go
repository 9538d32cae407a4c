// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package server contains the `filtermerge serve` and `filtermerge consume`
// subcommands. The purpose of this package is to define an easily tested
// Command object which handles interpreting configuration and setting up all
// the objects the driver and the workers need.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go/service/lambda"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	awssqs "github.com/aws/aws-sdk-go/service/sqs"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/awsutil"
	"github.com/molecula/filtermerge/boltdb"
	"github.com/molecula/filtermerge/dynamodb"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/etcd"
	"github.com/molecula/filtermerge/format"
	"github.com/molecula/filtermerge/format/chunkstore"
	"github.com/molecula/filtermerge/format/parquet"
	fmhttp "github.com/molecula/filtermerge/http"
	"github.com/molecula/filtermerge/inmem"
	"github.com/molecula/filtermerge/localfs"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/monitor"
	"github.com/molecula/filtermerge/pipeline"
	"github.com/molecula/filtermerge/s3"
	transporthttp "github.com/molecula/filtermerge/transport/http"
	"github.com/molecula/filtermerge/transport/kafka"
	"github.com/molecula/filtermerge/transport/lambda"
	"github.com/molecula/filtermerge/transport/local"
	"github.com/molecula/filtermerge/transport/sqs"
	"github.com/molecula/filtermerge/watcher"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 10 * time.Second

// Command represents the state of the filtermerge server command.
type Command struct {
	// Configuration.
	Config *Config

	// Consume runs only the queue consumer: no HTTP handler and no watcher.
	Consume bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Requests   filtermerge.RequestStore
	Objects    filtermerge.ObjectStore
	Formats    *format.Registry
	Driver     *pipeline.Driver
	Dispatcher *pipeline.Dispatcher

	// local runs invocations in this process: all of them with the local
	// transport, and those received on /invoke with the others.
	local   *local.Invoker
	invoker filtermerge.Invoker

	ln      net.Listener
	srv     *http.Server
	watcher *watcher.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// closers release backends in reverse order of setup.
	closers []func() error

	awsOnce sync.Once
	awsSess *session.Session
	awsErr  error

	logger    logger.Logger
	logOutput io.Writer

	// done will be closed when Command.Close() is called
	done chan struct{}
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	ctx, cancel := context.WithCancel(context.Background())
	return &Command{
		Config: NewConfig(),

		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,

		ctx:    ctx,
		cancel: cancel,

		logger: logger.NopLogger,
		done:   make(chan struct{}),
	}
}

// Logger returns the command's logger, once Start has set it up.
func (m *Command) Logger() logger.Logger {
	return m.logger
}

// Addr returns the address the HTTP handler listens on, or nil if it is not
// listening.
func (m *Command) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Start sets everything up and starts serving. It does not block.
func (m *Command) Start() (err error) {
	defer func() {
		if err != nil {
			m.closeBackends()
		}
	}()

	if err := m.setupServer(); err != nil {
		return errors.Wrap(err, "setting up server")
	}

	if m.Consume {
		return m.startConsumer()
	}

	if m.Config.Bind != "" {
		m.srv = &http.Server{
			Handler: fmhttp.Handler(fmhttp.Config{
				Driver: m.Driver,
				Worker: m.local,
				Logger: m.logger.WithPrefix("[http] "),
			}),
		}
		m.ln, err = net.Listen("tcp", m.Config.Bind)
		if err != nil {
			return errors.Wrap(err, "net.Listen")
		}
		m.group.Go(func() error {
			if err := m.srv.Serve(m.ln); err != nil && err != http.ErrServerClosed {
				m.logger.Errorf("handler serve error: %v", err)
				return err
			}
			return nil
		})
		m.logger.Printf("listening as http://%s", m.ln.Addr())
	}

	if m.Config.Watcher.Enabled {
		m.watcher = watcher.New(watcher.Config{
			Requests:     m.Requests,
			Merges:       m.Dispatcher.Worker,
			Interval:     m.Config.Watcher.Interval,
			StallTimeout: m.Config.Watcher.StallTimeout,
			Logger:       m.logger.WithPrefix("[watcher] "),
		})
		m.group.Go(m.watcher.Run)
	}

	if m.Config.Transport.Consume {
		return m.startConsumer()
	}
	return nil
}

// Wait waits for the server to be closed or interrupted.
func (m *Command) Wait() error {
	// First SIGKILL causes server to shut down gracefully.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-c:
		m.logger.Infof("received signal '%s', gracefully shutting down...", sig.String())

		// Second signal causes a hard shutdown.
		go func() { <-c; os.Exit(1) }()
		return errors.Wrap(m.Close(), "closing command")
	case <-m.done:
		m.logger.Infof("server closed externally")
		return nil
	}
}

// Close shuts down the server.
func (m *Command) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	defer close(m.done)

	eg := errgroup.Group{}
	if m.srv != nil {
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return m.srv.Shutdown(ctx)
		})
	}
	if m.watcher != nil {
		m.watcher.Stop()
	}
	err := eg.Wait()

	// Stop consumers and in-flight local invocations.
	m.cancel()
	if gerr := m.group.Wait(); err == nil {
		err = gerr
	}
	if m.local != nil {
		_ = m.local.Wait()
	}
	if cerr := m.closeBackends(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "closing everything")
}

func (m *Command) closeBackends() error {
	var err error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if cerr := m.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.closers = nil
	return err
}

// setupServer uses the configuration to set up this server.
func (m *Command) setupServer() error {
	if err := m.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}

	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	conf, err := json.MarshalIndent(m.Config, "", "\t")
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	m.logger.Debugf("Config: %s", conf)

	if err := monitor.Init(m.Config.Sentry, filtermerge.Version); err != nil {
		m.logger.Warnf("monitor disabled: %v", err)
	}

	if err := m.setupRequests(); err != nil {
		return errors.Wrap(err, "setting up request store")
	}
	if err := m.setupObjects(); err != nil {
		return errors.Wrap(err, "setting up object store")
	}

	m.Formats = format.NewRegistry()
	m.Formats.Register(parquet.Name, parquet.NewHandler(m.Objects, m.Config.ResultContainer, m.logger.WithPrefix("[parquet] ")))
	cs := chunkstore.NewHandler(m.Objects, m.Config.ResultContainer, m.logger.WithPrefix("[chunkstore] "))
	if m.Config.ResultChunkRows > 0 {
		cs.ResultChunkRows = m.Config.ResultChunkRows
	}
	m.Formats.Register(chunkstore.Name, cs)

	// The local invoker hands invocations to the dispatcher, which needs the
	// worker, which needs the invoker.
	m.local = local.NewInvoker(m.ctx, nil, m.logger.WithPrefix("[local] "))
	m.local.Redeliveries = m.Config.Transport.Redeliveries

	if err := m.setupTransport(); err != nil {
		return errors.Wrap(err, "setting up transport")
	}

	pcfg := m.Config.Pipeline
	pcfg.Logger = m.logger
	worker := pipeline.NewWorker(pcfg, m.Requests, m.Formats, m.invoker)
	m.Dispatcher = pipeline.NewDispatcher(worker, m.logger.WithPrefix("[worker] "))
	m.local.Handler = m.Dispatcher
	m.Driver = pipeline.NewDriver(pcfg, m.Requests, m.Formats, m.invoker)

	return nil
}

// setupLogger sets up the logger based on the configuration. A log file is
// reopened on SIGHUP.
func (m *Command) setupLogger() error {
	level, err := logger.ParseLevel(m.Config.LogLevel)
	if err != nil {
		return err
	}

	if m.Config.LogPath == "" {
		m.logOutput = m.Stderr
	} else {
		f := &lumberjack.Logger{
			Filename: m.Config.LogPath,
		}
		m.logOutput = f
		m.closers = append(m.closers, f.Close)

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-m.done:
					signal.Stop(sighup)
					return
				case <-sighup:
				}
				if err := f.Rotate(); err != nil {
					m.logger.Infof("rotate: %s", err.Error())
				}
			}
		}()
	}

	m.logger = logger.NewLevelLogger(m.logOutput, level, monitor.Reporter())
	return nil
}

func (m *Command) awsSession() (*session.Session, error) {
	m.awsOnce.Do(func() {
		m.awsSess, m.awsErr = awsutil.NewSession(m.Config.AWS, m.logger)
	})
	return m.awsSess, m.awsErr
}

func (m *Command) setupRequests() error {
	cfg := m.Config.Store
	switch cfg.Backend {
	case StoreInmem:
		m.logger.Warnf("using in-memory request store; requests are lost on restart")
		m.Requests = inmem.NewRequestStore()

	case StoreBolt:
		db, err := boltdb.OpenDB(cfg.BoltPath, boltdb.RequestStoreBuckets...)
		if err != nil {
			return errors.Wrap(err, "opening bolt")
		}
		m.closers = append(m.closers, db.Close)
		m.Requests = boltdb.NewRequestStore(db, m.logger)

	case StoreEtcd:
		e := etcd.NewEtcd(cfg.Etcd, m.logger.WithPrefix("[etcd] "))
		if err := e.Start(m.ctx); err != nil {
			return errors.Wrap(err, "starting etcd")
		}
		m.closers = append(m.closers, e.Close)
		m.Requests = etcd.NewRequestStore(e, cfg.Etcd.Prefix)

	case StoreDynamoDB:
		sess, err := m.awsSession()
		if err != nil {
			return err
		}
		store := dynamodb.NewRequestStore(awsdynamodb.New(sess), cfg.DynamoDBTable, m.logger)
		if cfg.DynamoDBCreate {
			if err := store.EnsureTable(m.ctx); err != nil {
				return err
			}
		}
		m.Requests = store
	}
	return nil
}

func (m *Command) setupObjects() error {
	switch m.Config.Objects.Backend {
	case ObjectsInmem:
		m.Objects = inmem.NewObjectStore()
	case ObjectsLocalFS:
		m.Objects = localfs.NewObjectStore(m.Config.Objects.Dir)
	case ObjectsS3:
		sess, err := m.awsSession()
		if err != nil {
			return err
		}
		m.Objects = s3.NewObjectStore(awss3.New(sess))
	}
	return nil
}

func (m *Command) setupTransport() error {
	cfg := m.Config.Transport
	switch cfg.Backend {
	case TransportLocal:
		m.invoker = m.local

	case TransportHTTP:
		inv, err := transporthttp.NewInvoker(cfg.HTTP, m.logger.WithPrefix("[invoke] "))
		if err != nil {
			return err
		}
		m.invoker = inv

	case TransportSQS:
		sess, err := m.awsSession()
		if err != nil {
			return err
		}
		inv, err := sqs.NewInvoker(m.ctx, awssqs.New(sess), cfg.SQSQueue)
		if err != nil {
			return err
		}
		m.invoker = inv

	case TransportKafka:
		inv := kafka.NewInvoker(kafka.NewWriter(cfg.Kafka), cfg.Kafka, m.logger.WithPrefix("[kafka] "))
		m.closers = append(m.closers, inv.Close)
		m.invoker = inv

	case TransportLambda:
		sess, err := m.awsSession()
		if err != nil {
			return err
		}
		inv, err := lambda.NewInvoker(awslambda.New(sess), cfg.Lambda)
		if err != nil {
			return err
		}
		m.invoker = inv
	}
	return nil
}

// startConsumer runs a consumer of the configured queue transport until the
// command is closed.
func (m *Command) startConsumer() error {
	cfg := m.Config.Transport
	switch cfg.Backend {
	case TransportSQS:
		sess, err := m.awsSession()
		if err != nil {
			return err
		}
		c, err := sqs.NewConsumer(m.ctx, awssqs.New(sess), cfg.SQSQueue, m.Dispatcher, cfg.SQSConsumer, m.logger.WithPrefix("[sqs] "))
		if err != nil {
			return errors.Wrap(err, "creating sqs consumer")
		}
		m.group.Go(func() error { return c.Run(m.ctx) })

	case TransportKafka:
		r := kafka.NewReader(cfg.Kafka, m.logger.WithPrefix("[kafka] "))
		m.closers = append(m.closers, r.Close)
		c := kafka.NewConsumer(r, m.Dispatcher, cfg.Kafka, m.logger.WithPrefix("[kafka] "))
		m.group.Go(func() error {
			if err := c.Run(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Errorf("kafka consumer: %v", err)
				return err
			}
			return nil
		})

	default:
		return errors.Errorf("transport %s has no consumer", cfg.Backend)
	}
	m.logger.Printf("consuming invocations from %s", cfg.Backend)
	return nil
}
