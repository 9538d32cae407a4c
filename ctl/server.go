// Copyright 2021 Molecula Corp. All rights reserved.
package ctl

import (
	"github.com/molecula/filtermerge/pipeline"
	"github.com/molecula/filtermerge/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// BuildServerFlags attaches a set of flags to the command for a server
// instance. Flag names match the keys of the toml configuration file.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	cfg := srv.Config

	flags.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "Address on which the HTTP handler listens. Empty disables it.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Log path")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Least severe level logged: error, warn, info or debug.")
	flags.StringVar(&cfg.ResultContainer, "result-container", cfg.ResultContainer, "Container receiving shards and results.")
	flags.IntVar(&cfg.ResultChunkRows, "result-chunk-rows", cfg.ResultChunkRows, "Rows per chunk of chunkstore results.")

	// Sentry
	flags.StringVar(&cfg.Sentry.DSN, "sentry.dsn", cfg.Sentry.DSN, "Sentry DSN. Empty disables error reporting.")
	flags.StringVar(&cfg.Sentry.Environment, "sentry.environment", cfg.Sentry.Environment, "Sentry environment.")

	// AWS
	flags.StringVar(&cfg.AWS.Profile, "aws.profile", cfg.AWS.Profile, "AWS profile.")
	flags.StringVar(&cfg.AWS.Region, "aws.region", cfg.AWS.Region, "AWS region.")
	flags.StringVar(&cfg.AWS.Endpoint, "aws.endpoint", cfg.AWS.Endpoint, "AWS endpoint override, e.g. for localstack.")
	flags.IntVar(&cfg.AWS.MaxRetries, "aws.max-retries", cfg.AWS.MaxRetries, "Retries of ephemeral AWS errors.")

	// Request store
	flags.StringVar(&cfg.Store.Backend, "store.backend", cfg.Store.Backend, "Request store: inmem, bolt, etcd or dynamodb.")
	flags.StringVar(&cfg.Store.BoltPath, "store.bolt-path", cfg.Store.BoltPath, "Bolt database file.")
	flags.StringVar(&cfg.Store.DynamoDBTable, "store.dynamodb-table", cfg.Store.DynamoDBTable, "DynamoDB table.")
	flags.BoolVar(&cfg.Store.DynamoDBCreate, "store.dynamodb-create", cfg.Store.DynamoDBCreate, "Create the DynamoDB table if it does not exist.")
	flags.StringSliceVar(&cfg.Store.Etcd.Endpoints, "store.etcd.endpoints", cfg.Store.Etcd.Endpoints, "Endpoints of an existing etcd cluster. Empty starts an embedded member.")
	flags.DurationVar(&cfg.Store.Etcd.DialTimeout, "store.etcd.dial-timeout", cfg.Store.Etcd.DialTimeout, "etcd dial timeout.")
	flags.StringVar(&cfg.Store.Etcd.Name, "store.etcd.name", cfg.Store.Etcd.Name, "Name of the embedded etcd member.")
	flags.StringVar(&cfg.Store.Etcd.Dir, "store.etcd.dir", cfg.Store.Etcd.Dir, "Data directory of the embedded etcd member.")
	flags.StringVar(&cfg.Store.Etcd.LClientURL, "store.etcd.listen-client-url", cfg.Store.Etcd.LClientURL, "Client URL of the embedded etcd member.")
	flags.StringVar(&cfg.Store.Etcd.LPeerURL, "store.etcd.listen-peer-url", cfg.Store.Etcd.LPeerURL, "Peer URL of the embedded etcd member.")
	flags.BoolVar(&cfg.Store.Etcd.UnsafeNoFsync, "store.etcd.no-fsync", cfg.Store.Etcd.UnsafeNoFsync, "Disable fsync in the embedded etcd member (not safe).")
	flags.StringVar(&cfg.Store.Etcd.Prefix, "store.etcd.prefix", cfg.Store.Etcd.Prefix, "Prefix of every etcd key.")

	// Object store
	flags.StringVar(&cfg.Objects.Backend, "objects.backend", cfg.Objects.Backend, "Object store: inmem, localfs or s3.")
	flags.StringVar(&cfg.Objects.Dir, "objects.dir", cfg.Objects.Dir, "Root directory of the localfs object store.")

	// Transport
	flags.StringVar(&cfg.Transport.Backend, "transport.backend", cfg.Transport.Backend, "Invocation transport: local, http, sqs, kafka or lambda.")
	flags.IntVar(&cfg.Transport.Redeliveries, "transport.redeliveries", cfg.Transport.Redeliveries, "Redeliveries of invocations run in this process.")
	flags.BoolVar(&cfg.Transport.Consume, "transport.consume", cfg.Transport.Consume, "Also consume invocations of the sqs or kafka transport.")
	flags.StringVar(&cfg.Transport.HTTP.URL, "transport.http.url", cfg.Transport.HTTP.URL, "Base URL of the worker invoke endpoint.")
	flags.IntVar(&cfg.Transport.HTTP.RetryMax, "transport.http.retry-max", cfg.Transport.HTTP.RetryMax, "Retries of a failed invoke request.")
	flags.DurationVar(&cfg.Transport.HTTP.RetryWaitMin, "transport.http.retry-wait-min", cfg.Transport.HTTP.RetryWaitMin, "Least wait between invoke retries.")
	flags.DurationVar(&cfg.Transport.HTTP.RetryWaitMax, "transport.http.retry-wait-max", cfg.Transport.HTTP.RetryWaitMax, "Most wait between invoke retries.")
	flags.StringVar(&cfg.Transport.SQSQueue, "transport.sqs-queue", cfg.Transport.SQSQueue, "SQS queue name.")
	flags.IntVar(&cfg.Transport.SQSConsumer.Concurrency, "transport.sqs-consumer.concurrency", cfg.Transport.SQSConsumer.Concurrency, "Messages received and handled at once (at most 10).")
	flags.DurationVar(&cfg.Transport.SQSConsumer.VisibilityTimeout, "transport.sqs-consumer.visibility-timeout", cfg.Transport.SQSConsumer.VisibilityTimeout, "Time before an unhandled message is redelivered.")
	flags.DurationVar(&cfg.Transport.SQSConsumer.WaitTime, "transport.sqs-consumer.wait-time", cfg.Transport.SQSConsumer.WaitTime, "Long poll wait time.")
	flags.StringSliceVar(&cfg.Transport.Kafka.Brokers, "transport.kafka.brokers", cfg.Transport.Kafka.Brokers, "Kafka brokers.")
	flags.StringVar(&cfg.Transport.Kafka.Topic, "transport.kafka.topic", cfg.Transport.Kafka.Topic, "Kafka topic.")
	flags.StringVar(&cfg.Transport.Kafka.Group, "transport.kafka.group", cfg.Transport.Kafka.Group, "Kafka consumer group.")
	flags.IntVar(&cfg.Transport.Kafka.Redeliveries, "transport.kafka.redeliveries", cfg.Transport.Kafka.Redeliveries, "Retries of a failed invocation before its message is committed.")
	flags.DurationVar(&cfg.Transport.Kafka.RetryInterval, "transport.kafka.retry-interval", cfg.Transport.Kafka.RetryInterval, "Initial wait between retries.")
	flags.DurationVar(&cfg.Transport.Kafka.MaxRetryInterval, "transport.kafka.max-retry-interval", cfg.Transport.Kafka.MaxRetryInterval, "Most wait between retries.")
	flags.StringVar(&cfg.Transport.Lambda.Default, "transport.lambda.default", cfg.Transport.Lambda.Default, "Lambda function run for stages without their own.")
	flags.StringVar(&cfg.Transport.Lambda.Partition, "transport.lambda.partition", cfg.Transport.Lambda.Partition, "Lambda function running partition invocations.")
	flags.StringVar(&cfg.Transport.Lambda.Filter, "transport.lambda.filter", cfg.Transport.Lambda.Filter, "Lambda function running filter invocations.")
	flags.StringVar(&cfg.Transport.Lambda.Merge, "transport.lambda.merge", cfg.Transport.Lambda.Merge, "Lambda function running merge invocations.")

	// Pipeline
	flags.AddFlagSet(pipelineFlagSet(&cfg.Pipeline, "pipeline"))

	// Watcher
	flags.BoolVar(&cfg.Watcher.Enabled, "watcher.enabled", cfg.Watcher.Enabled, "Report requests whose progress stops moving.")
	flags.DurationVar(&cfg.Watcher.Interval, "watcher.interval", cfg.Watcher.Interval, "Interval between checks.")
	flags.DurationVar(&cfg.Watcher.StallTimeout, "watcher.stall-timeout", cfg.Watcher.StallTimeout, "Time without progress after which a request is reported.")
}

// pipelineFlagSet returns a set of flags for pipeline.Config, each name
// prefixed with prefix.
func pipelineFlagSet(cfg *pipeline.Config, prefix string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)
	fs.StringVar((*string)(&cfg.MergeDispatch), prefix+".merge-dispatch", string(cfg.MergeDispatch), "How filter workers decide who dispatches the merge: claim or race.")
	fs.IntVar(&cfg.Counter.MaxAttempts, prefix+".counter.max-attempts", cfg.Counter.MaxAttempts, "Compare-and-swap attempts per counter update. Zero retries forever.")
	fs.DurationVar(&cfg.Counter.InitialInterval, prefix+".counter.initial-interval", cfg.Counter.InitialInterval, "Initial wait after a compare-and-swap conflict.")
	fs.DurationVar(&cfg.Counter.MaxInterval, prefix+".counter.max-interval", cfg.Counter.MaxInterval, "Most wait after a compare-and-swap conflict.")
	fs.IntVar(&cfg.DispatchAttempts, prefix+".dispatch-attempts", cfg.DispatchAttempts, "Attempts to invoke a downstream stage before the invocation fails.")
	return fs
}
