// Copyright 2021 Molecula Corp. All rights reserved.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/molecula/filtermerge/awsutil"
	"github.com/molecula/filtermerge/etcd"
	"github.com/molecula/filtermerge/format/chunkstore"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/monitor"
	"github.com/molecula/filtermerge/pipeline"
	transporthttp "github.com/molecula/filtermerge/transport/http"
	"github.com/molecula/filtermerge/transport/kafka"
	"github.com/molecula/filtermerge/transport/lambda"
	"github.com/molecula/filtermerge/transport/sqs"
	"github.com/pelletier/go-toml"
)

const (
	defaultBind = "localhost:8080"

	StoreInmem    = "inmem"
	StoreBolt     = "bolt"
	StoreEtcd     = "etcd"
	StoreDynamoDB = "dynamodb"

	ObjectsInmem   = "inmem"
	ObjectsLocalFS = "localfs"
	ObjectsS3      = "s3"

	TransportLocal  = "local"
	TransportHTTP   = "http"
	TransportSQS    = "sqs"
	TransportKafka  = "kafka"
	TransportLambda = "lambda"
)

// Config represents the configuration for the filtermerge command.
type Config struct {
	// Bind is the address the HTTP handler listens on. Empty disables it.
	Bind string `toml:"bind"`

	LogPath  string `toml:"log-path"`
	LogLevel string `toml:"log-level"`

	// ResultContainer is where format handlers write shards and results.
	ResultContainer string `toml:"result-container"`

	// ResultChunkRows is the row chunking of chunkstore results.
	ResultChunkRows int `toml:"result-chunk-rows"`

	Sentry monitor.Config `toml:"sentry"`

	AWS awsutil.Config `toml:"aws"`

	Store StoreConfig `toml:"store"`

	Objects ObjectsConfig `toml:"objects"`

	Transport TransportConfig `toml:"transport"`

	Pipeline pipeline.Config `toml:"pipeline"`

	Watcher WatcherConfig `toml:"watcher"`
}

// StoreConfig selects and configures the RequestStore.
type StoreConfig struct {
	Backend string `toml:"backend"`

	BoltPath string `toml:"bolt-path"`

	Etcd etcd.Options `toml:"etcd"`

	DynamoDBTable string `toml:"dynamodb-table"`
	// DynamoDBCreate creates the table on start if it does not exist.
	DynamoDBCreate bool `toml:"dynamodb-create"`
}

// ObjectsConfig selects and configures the ObjectStore.
type ObjectsConfig struct {
	Backend string `toml:"backend"`

	// Dir is the root of the localfs store. Containers are its
	// subdirectories.
	Dir string `toml:"dir"`
}

// TransportConfig selects how invocations are dispatched and, for queue
// transports, whether this process also consumes them.
type TransportConfig struct {
	Backend string `toml:"backend"`

	// Redeliveries applies to invocations run in this process, by the local
	// transport or received on the HTTP invoke endpoint.
	Redeliveries int `toml:"redeliveries"`

	// Consume runs a consumer of the sqs or kafka transport alongside the
	// HTTP handler.
	Consume bool `toml:"consume"`

	HTTP transporthttp.Config `toml:"http"`

	SQSQueue    string             `toml:"sqs-queue"`
	SQSConsumer sqs.ConsumerConfig `toml:"sqs-consumer"`

	Kafka kafka.Config `toml:"kafka"`

	Lambda lambda.Config `toml:"lambda"`
}

// WatcherConfig configures the stall watcher.
type WatcherConfig struct {
	Enabled      bool          `toml:"enabled"`
	Interval     time.Duration `toml:"interval"`
	StallTimeout time.Duration `toml:"stall-timeout"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	return &Config{
		Bind:            defaultBind,
		LogLevel:        "info",
		ResultContainer: "results",
		ResultChunkRows: chunkstore.DefaultResultChunkRows,
		AWS:             awsutil.NewConfig(),
		Store: StoreConfig{
			Backend:       StoreInmem,
			BoltPath:      "filtermerge.boltdb",
			Etcd:          etcd.NewOptions(),
			DynamoDBTable: "filtermerge-requests",
		},
		Objects: ObjectsConfig{
			Backend: ObjectsLocalFS,
			Dir:     "filtermerge-data",
		},
		Transport: TransportConfig{
			Backend:      TransportLocal,
			Redeliveries: 2,
			HTTP:         transporthttp.NewConfig(),
			SQSQueue:     "filtermerge-invocations",
			SQSConsumer:  sqs.NewConsumerConfig(),
			Kafka:        kafka.NewConfig(),
		},
		Pipeline: pipeline.NewConfig(),
		Watcher: WatcherConfig{
			Enabled:      true,
			Interval:     30 * time.Second,
			StallTimeout: 10 * time.Minute,
		},
	}
}

// Validate returns an error if a backend name is not recognized or a backend
// is missing a required option.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := oneOf("store.backend", c.Store.Backend, StoreInmem, StoreBolt, StoreEtcd, StoreDynamoDB); err != nil {
		return err
	}
	if err := oneOf("objects.backend", c.Objects.Backend, ObjectsInmem, ObjectsLocalFS, ObjectsS3); err != nil {
		return err
	}
	if err := oneOf("transport.backend", c.Transport.Backend, TransportLocal, TransportHTTP, TransportSQS, TransportKafka, TransportLambda); err != nil {
		return err
	}
	if err := oneOf("pipeline.merge-dispatch", string(c.Pipeline.MergeDispatch), string(pipeline.MergeDispatchClaim), string(pipeline.MergeDispatchRace)); err != nil {
		return err
	}
	if c.ResultContainer == "" {
		return fmt.Errorf("result-container is required")
	}
	if c.Objects.Backend == ObjectsLocalFS && c.Objects.Dir == "" {
		return fmt.Errorf("objects.dir is required for the localfs backend")
	}
	if c.Transport.Backend == TransportHTTP && c.Transport.HTTP.URL == "" {
		return fmt.Errorf("transport.http.url is required for the http transport")
	}
	if c.Transport.Consume && c.Transport.Backend != TransportSQS && c.Transport.Backend != TransportKafka {
		return fmt.Errorf("transport.consume requires the sqs or kafka transport")
	}
	return nil
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", name, v, strings.Join(allowed, ", "))
}

// ParseConfig parses s into a Config.
func ParseConfig(s string) (*Config, error) {
	c := NewConfig()
	if err := toml.Unmarshal([]byte(s), c); err != nil {
		return nil, err
	}
	return c, nil
}
