// Copyright 2021 Molecula Corp. All rights reserved.
package cmd_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/molecula/filtermerge/cmd"
	"github.com/molecula/filtermerge/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filtermerge.toml")
	require.NoError(t, os.WriteFile(path, []byte(s), 0600))
	return path
}

func execute(args ...string) error {
	rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
	rc.SetArgs(args)
	return rc.Execute()
}

func TestServeConfig(t *testing.T) {
	path := writeConfig(t, `
bind = "localhost:9999"
log-level = "warn"

[transport]
backend = "kafka"

[transport.kafka]
brokers = ["k1:9092", "k2:9092"]

[pipeline]
merge-dispatch = "race"
`)
	t.Setenv("FILTERMERGE_LOG_LEVEL", "debug")
	t.Setenv("FILTERMERGE_STORE_BACKEND", "bolt")

	err := execute("serve", "--dry-run", "-c", path, "--objects.backend", "inmem", "--store.backend", "etcd")
	require.EqualError(t, err, "dry run")

	cfg := cmd.Server.Config
	// Config file.
	assert.Equal(t, "localhost:9999", cfg.Bind)
	assert.Equal(t, "kafka", cfg.Transport.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, pipeline.MergeDispatchRace, cfg.Pipeline.MergeDispatch)
	// Environment beats config file.
	assert.Equal(t, "debug", cfg.LogLevel)
	// Flags beat environment.
	assert.Equal(t, "inmem", cfg.Objects.Backend)
	assert.Equal(t, "etcd", cfg.Store.Backend)
	// Defaults.
	assert.Equal(t, "results", cfg.ResultContainer)
}

func TestServeConfigInvalidOption(t *testing.T) {
	path := writeConfig(t, `
bind = "localhost:9999"
bogus = 1
`)
	err := execute("serve", "--dry-run", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid option in configuration file: bogus")
}

func TestGenerateConfig(t *testing.T) {
	out := &bytes.Buffer{}
	rc := cmd.NewRootCommand(strings.NewReader(""), out, io.Discard)
	rc.SetArgs([]string{"generate-config"})
	require.NoError(t, rc.Execute())
	assert.Contains(t, out.String(), "merge-dispatch")

	// The generated file is accepted as a config file.
	path := writeConfig(t, out.String())
	require.EqualError(t, execute("serve", "--dry-run", "-c", path), "dry run")
	assert.Equal(t, "localhost:8080", cmd.Server.Config.Bind)
}
