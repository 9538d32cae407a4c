// Copyright 2021 Molecula Corp. All rights reserved.
package server_test

import (
	"testing"

	"github.com/molecula/filtermerge/pipeline"
	"github.com/molecula/filtermerge/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		assert.NoError(t, server.NewConfig().Validate())
	})

	t.Run("Parse", func(t *testing.T) {
		c, err := server.ParseConfig(`
bind = "0.0.0.0:9000"
log-level = "debug"

[store]
backend = "etcd"

[store.etcd]
endpoints = ["http://etcd:2379"]

[transport]
backend = "kafka"
consume = true

[transport.kafka]
brokers = ["kafka:9092"]
topic = "invocations"

[pipeline]
merge-dispatch = "race"
`)
		require.NoError(t, err)
		require.NoError(t, c.Validate())
		assert.Equal(t, "0.0.0.0:9000", c.Bind)
		assert.Equal(t, server.StoreEtcd, c.Store.Backend)
		assert.Equal(t, []string{"http://etcd:2379"}, c.Store.Etcd.Endpoints)
		assert.Equal(t, []string{"kafka:9092"}, c.Transport.Kafka.Brokers)
		assert.Equal(t, pipeline.MergeDispatchRace, c.Pipeline.MergeDispatch)
		// Unset options keep their defaults.
		assert.Equal(t, "results", c.ResultContainer)
		assert.Equal(t, "/filtermerge", c.Store.Etcd.Prefix)
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []func(c *server.Config){
			func(c *server.Config) { c.LogLevel = "loud" },
			func(c *server.Config) { c.Objects.Backend = "gcs" },
			func(c *server.Config) { c.Transport.Backend = "nats" },
			func(c *server.Config) { c.Pipeline.MergeDispatch = "first" },
			func(c *server.Config) { c.ResultContainer = "" },
			func(c *server.Config) { c.Transport.Backend = server.TransportHTTP },
			func(c *server.Config) { c.Transport.Consume = true },
		}
		for i, mod := range tests {
			c := server.NewConfig()
			mod(c)
			assert.Error(t, c.Validate(), "case %d", i)
		}
	})
}
