// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package awsutil builds the AWS session shared by the S3, DynamoDB, Lambda
// and SQS backends.
package awsutil

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

type Config struct {
	Profile string `toml:"profile"`
	Region  string `toml:"region"`
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint   string `toml:"endpoint"`
	MaxRetries int    `toml:"max-retries"`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{MaxRetries: 10}
}

// NewSession returns a session configured by cfg. Unset fields fall back to
// the SDK's environment and shared config handling.
func NewSession(cfg Config, log logger.Logger) (*session.Session, error) {
	if log == nil {
		log = logger.NopLogger
	}
	log.Infof("Initializing AWS session")
	config := &aws.Config{
		// retry on ephemeral AWS errors
		Retryer: client.DefaultRetryer{NumMaxRetries: cfg.MaxRetries},
	}
	if len(cfg.Profile) > 0 {
		log.Infof("Overriding default AWS profile %s", cfg.Profile)
		config.Credentials = credentials.NewSharedCredentials("", cfg.Profile)
	}
	if len(cfg.Region) > 0 {
		log.Infof("Overriding default AWS region: %s", cfg.Region)
		config.Region = aws.String(cfg.Region)
	}
	if len(cfg.Endpoint) > 0 {
		log.Infof("Overriding AWS endpoint: %s", cfg.Endpoint)
		config.Endpoint = aws.String(cfg.Endpoint)
		config.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return sess, nil
}

// IsCode reports whether err is an AWS error with the given code.
func IsCode(err error, code string) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == code
	}
	return false
}
