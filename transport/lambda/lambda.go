// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package lambda invokes stages as asynchronous AWS Lambda function calls.
package lambda

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
)

// Ensure type implements interface.
var _ filtermerge.Invoker = (*Invoker)(nil)

// Config names the function run for each stage. Stages left empty run
// Default.
type Config struct {
	Default   string `toml:"default"`
	Partition string `toml:"partition"`
	Filter    string `toml:"filter"`
	Merge     string `toml:"merge"`
}

func (c Config) function(stage filtermerge.Stage) string {
	var fn string
	switch stage {
	case filtermerge.StagePartition:
		fn = c.Partition
	case filtermerge.StageFilter:
		fn = c.Filter
	case filtermerge.StageMerge:
		fn = c.Merge
	}
	if fn == "" {
		return c.Default
	}
	return fn
}

// Invoker invokes functions with InvocationType Event: Lambda queues the
// call, retries failures itself, and returns before the function runs.
type Invoker struct {
	client lambdaiface.LambdaAPI
	config Config
}

// NewInvoker returns a new instance of Invoker.
func NewInvoker(client lambdaiface.LambdaAPI, cfg Config) (*Invoker, error) {
	for _, stage := range filtermerge.Stages {
		if cfg.function(stage) == "" {
			return nil, filtermerge.NewErrFieldMissing("default", string(stage))
		}
	}
	return &Invoker{client: client, config: cfg}, nil
}

func (i *Invoker) Invoke(ctx context.Context, inv filtermerge.Invocation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return errors.Wrap(err, "encoding invocation")
	}
	fn := i.config.function(inv.Stage)
	out, err := i.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(fn),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	})
	if err != nil {
		return errors.Wrapf(err, "invoking %s", fn)
	}
	if code := aws.Int64Value(out.StatusCode); code != http.StatusAccepted {
		return errors.Errorf("invoking %s: unexpected status %d", fn, code)
	}
	return nil
}
