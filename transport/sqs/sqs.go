// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package sqs carries invocations over an SQS queue. Invoker sends them and
// Consumer receives them and hands them to a Handler.
package sqs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"golang.org/x/sync/errgroup"
)

const stageAttribute = "stage"

// Ensure type implements interface.
var _ filtermerge.Invoker = (*Invoker)(nil)

// resolveURL returns the URL of the named queue.
func resolveURL(ctx context.Context, queue sqsiface.SQSAPI, name string) (string, error) {
	out, err := queue.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", errors.Wrapf(err, "resolving queue %s", name)
	}
	return aws.StringValue(out.QueueUrl), nil
}

// Invoker sends each invocation as one message.
type Invoker struct {
	queue sqsiface.SQSAPI
	url   string
}

// NewInvoker resolves the named queue and returns an Invoker sending to it.
func NewInvoker(ctx context.Context, queue sqsiface.SQSAPI, name string) (*Invoker, error) {
	url, err := resolveURL(ctx, queue, name)
	if err != nil {
		return nil, err
	}
	return &Invoker{queue: queue, url: url}, nil
}

func (i *Invoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return errors.Wrap(err, "encoding invocation")
	}
	_, err = i.queue.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(i.url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			stageAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(inv.Stage)),
			},
		},
	})
	return errors.Wrap(err, "sending message")
}

// ConsumerConfig tunes how a Consumer polls its queue.
type ConsumerConfig struct {
	// Concurrency bounds the messages handled at once.
	Concurrency int `toml:"concurrency"`
	// VisibilityTimeout is how long a received message stays hidden. It
	// should exceed the longest invocation, or the message is redelivered
	// while still being handled.
	VisibilityTimeout time.Duration `toml:"visibility-timeout"`
	WaitTime          time.Duration `toml:"wait-time"`
}

// NewConsumerConfig returns the default ConsumerConfig.
func NewConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:       10,
		VisibilityTimeout: 5 * time.Minute,
		WaitTime:          20 * time.Second,
	}
}

// Consumer receives messages and hands each to Handler. A message is deleted
// once handled, or once handling fails fatally; otherwise it becomes visible
// again after the visibility timeout and is redelivered.
type Consumer struct {
	Handler filtermerge.Handler
	Config  ConsumerConfig

	queue  sqsiface.SQSAPI
	url    string
	logger logger.Logger
}

// NewConsumer resolves the named queue and returns a Consumer of it.
func NewConsumer(ctx context.Context, queue sqsiface.SQSAPI, name string, h filtermerge.Handler, cfg ConsumerConfig, log logger.Logger) (*Consumer, error) {
	if log == nil {
		log = logger.NopLogger
	}
	url, err := resolveURL(ctx, queue, name)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		Handler: h,
		Config:  cfg,
		queue:   queue,
		url:     url,
		logger:  log,
	}, nil
}

// Run polls until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warnf("polling %s: %v", c.url, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.Debugf("handled %d message(s)", n)
		}
	}
}

// Poll receives one batch of messages, handles them, and returns how many
// there were.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	max := c.Config.Concurrency
	if max <= 0 || max > 10 {
		max = 10
	}
	out, err := c.queue.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.url),
		MaxNumberOfMessages:   aws.Int64(int64(max)),
		VisibilityTimeout:     aws.Int64(int64(c.Config.VisibilityTimeout / time.Second)),
		WaitTimeSeconds:       aws.Int64(int64(c.Config.WaitTime / time.Second)),
		MessageAttributeNames: []*string{aws.String(stageAttribute)},
	})
	if err != nil {
		return 0, errors.Wrap(err, "receiving messages")
	}

	var g errgroup.Group
	for _, msg := range out.Messages {
		msg := msg
		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg *sqs.Message) {
	var inv filtermerge.Invocation
	err := json.Unmarshal([]byte(aws.StringValue(msg.Body)), &inv)
	if err != nil {
		err = errors.Fatal(errors.Wrap(err, "decoding message"))
	} else {
		err = c.Handler.Handle(ctx, inv)
	}

	if err != nil && !errors.IsFatal(err) {
		c.logger.Warnf("leaving message %s for redelivery: %v", aws.StringValue(msg.MessageId), err)
		return
	} else if err != nil {
		c.logger.Errorf("dropping message %s: %v", aws.StringValue(msg.MessageId), err)
	}

	if _, err := c.queue.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.url),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		c.logger.Errorf("deleting message %s: %v", aws.StringValue(msg.MessageId), err)
	}
}
