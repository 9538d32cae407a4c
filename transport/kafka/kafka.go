// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package kafka carries invocations over a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	segmentio "github.com/segmentio/kafka-go"
)

// Ensure type implements interface.
var _ filtermerge.Invoker = (*Invoker)(nil)

type Config struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	Group   string   `toml:"group"`

	// Redeliveries is the number of times the consumer retries a message
	// whose handling failed with a non-fatal error before dropping it.
	Redeliveries int `toml:"redeliveries"`

	RetryInterval    time.Duration `toml:"retry-interval"`
	MaxRetryInterval time.Duration `toml:"max-retry-interval"`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		Topic:            "filtermerge-invocations",
		Group:            "filtermerge-workers",
		Redeliveries:     5,
		RetryInterval:    100 * time.Millisecond,
		MaxRetryInterval: 10 * time.Second,
	}
}

// MessageWriter is the subset of *segmentio.Writer used by Invoker.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

// MessageReader is the subset of *segmentio.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (segmentio.Message, error)
	CommitMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

// NewWriter returns a writer producing to cfg.Topic.
func NewWriter(cfg Config) *segmentio.Writer {
	return &segmentio.Writer{
		Addr:         segmentio.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &segmentio.Hash{},
		RequiredAcks: segmentio.RequireAll,
	}
}

// NewReader returns a reader consuming cfg.Topic as a member of cfg.Group.
func NewReader(cfg Config, log logger.Logger) *segmentio.Reader {
	return segmentio.NewReader(segmentio.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.Group,
		Topic:       cfg.Topic,
		Logger:      segmentio.LoggerFunc(log.Debugf),
		ErrorLogger: segmentio.LoggerFunc(log.Errorf),
	})
}

// Invoker produces each invocation as one message, keyed by stage.
type Invoker struct {
	writer MessageWriter
	config Config
	logger logger.Logger
}

// NewInvoker returns a new instance of Invoker.
func NewInvoker(w MessageWriter, cfg Config, log logger.Logger) *Invoker {
	if log == nil {
		log = logger.NopLogger
	}
	return &Invoker{writer: w, config: cfg, logger: log}
}

func (i *Invoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	b, err := json.Marshal(inv)
	if err != nil {
		return errors.Wrap(err, "encoding invocation")
	}
	return writeWithBackoff(ctx, i.writer, i.logger.Warnf, i.config.RetryInterval, i.config.MaxRetryInterval, segmentio.Message{
		Key:   []byte(inv.Stage),
		Value: b,
	})
}

// Close closes the underlying writer.
func (i *Invoker) Close() error {
	return i.writer.Close()
}

// writeWithBackoff retries temporary write failures, doubling interval up
// to maxInterval between attempts.
func writeWithBackoff(ctx context.Context, writer MessageWriter, log func(string, ...interface{}), interval, maxInterval time.Duration, msgs ...segmentio.Message) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	var lastErr error
	tries := 0
	for {
		tries++
		err := writer.WriteMessages(ctx, msgs...)
		switch err := err.(type) {
		case nil:
			return nil
		case segmentio.Error:
			if !err.Temporary() {
				return errors.Wrapf(err, "writing messages after %d tries", tries)
			}
			lastErr = err
		case segmentio.WriteErrors:
			var remaining []segmentio.Message
			for i, m := range msgs {
				switch werr := err[i].(type) {
				case nil:
					continue
				case segmentio.Error:
					if werr.Temporary() {
						remaining = append(remaining, m)
						continue
					}
				}
				return errors.Wrap(err[i], "writing messages")
			}
			msgs = remaining
			lastErr = err
		default:
			return errors.Wrapf(err, "writing messages after %d tries", tries)
		}

		log("temporary kafka write error: %v", lastErr)
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(lastErr, "writing messages after %d tries", tries)
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// Consumer fetches messages and hands each to Handler, committing it once it
// is handled, fails fatally, or exhausts its redeliveries. Messages are
// handled one at a time; run more consumers in the group to scale.
type Consumer struct {
	Handler filtermerge.Handler

	reader MessageReader
	config Config
	logger logger.Logger
}

// NewConsumer returns a new instance of Consumer.
func NewConsumer(r MessageReader, h filtermerge.Handler, cfg Config, log logger.Logger) *Consumer {
	if log == nil {
		log = logger.NopLogger
	}
	return &Consumer{Handler: h, reader: r, config: cfg, logger: log}
}

// Run consumes until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetching message")
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "committing message")
		}
	}
}

func (c *Consumer) fetch(ctx context.Context) (segmentio.Message, error) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return segmentio.Message{}, err
		}
		if err == segmentio.RebalanceInProgress {
			continue
		}
		if kerr, ok := err.(segmentio.Error); ok && kerr.Temporary() {
			continue
		}
		return segmentio.Message{}, err
	}
}

func (c *Consumer) handle(ctx context.Context, msg segmentio.Message) {
	var inv filtermerge.Invocation
	if err := json.Unmarshal(msg.Value, &inv); err != nil {
		c.logger.Errorf("dropping undecodable message at %s/%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.RetryInterval
	eb.MaxInterval = c.config.MaxRetryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.config.Redeliveries)), ctx)

	err := backoff.Retry(func() error {
		err := c.Handler.Handle(ctx, inv)
		if errors.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		c.logger.Errorf("dropping %s invocation at %s/%d/%d: %v", inv.Stage, msg.Topic, msg.Partition, msg.Offset, err)
	}
}
