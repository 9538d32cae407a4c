// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package monitor reports errors and stalled requests to Sentry. It is a
// no-op until Init is called with a non-empty DSN.
package monitor

import (
	"fmt"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/molecula/filtermerge/logger"
)

const flushTimeout = 2 * time.Second

var (
	mu   sync.RWMutex
	isOn bool
)

// Config configures the Sentry client.
type Config struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Init starts reporting to Sentry. An empty DSN leaves the monitor off.
func Init(cfg Config, version string) error {
	if cfg.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		AttachStacktrace: true,
		Environment:      cfg.Environment,
		Release:          version,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}

	mu.Lock()
	isOn = true
	mu.Unlock()

	CaptureMessage("Session:Started")
	return nil
}

// IsOn returns true if the monitor is enabled.
func IsOn() bool {
	mu.RLock()
	defer mu.RUnlock()
	return isOn
}

// CaptureMessage sends a message to Sentry.
func CaptureMessage(message string) {
	if !IsOn() {
		return
	}
	sentry.CaptureMessage(message)
	sentry.Flush(flushTimeout)
}

// CaptureException sends an error to Sentry. Levels less severe than
// LevelWarn are dropped.
func CaptureException(level int, format string, v ...interface{}) {
	if !IsOn() || level > logger.LevelWarn {
		return
	}
	sentry.CaptureException(fmt.Errorf(format, v...))
	sentry.Flush(flushTimeout)
}

// Reporter adapts CaptureException to a logger.Reporter.
func Reporter() logger.Reporter {
	return func(level int, msg string) {
		CaptureException(level, "%s", msg)
	}
}

// CaptureStall reports a request whose progress has not moved for idle.
func CaptureStall(requestID string, state string, idle time.Duration) {
	if !IsOn() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", requestID)
		scope.SetTag("state", state)
		scope.SetLevel(sentry.LevelWarning)
		sentry.CaptureMessage(fmt.Sprintf("request %s stalled in %s for %s", requestID, state, idle))
	})
	sentry.Flush(flushTimeout)
}
