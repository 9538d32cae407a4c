// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"io"

	"github.com/molecula/filtermerge/ctl"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/server"
	"github.com/spf13/cobra"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the driver and the worker endpoint.",
		Long: `serve accepts queries on /query, reports their progress on /query/{id},
and runs invocations received on /invoke/{stage}.

With the local transport, every stage runs in this process. With a queue
transport and --transport.consume, this process also consumes invocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := Server.Start(); err != nil {
				return considerUsageError(cmd, errors.Wrap(err, "running server"))
			}
			return errors.Wrap(Server.Wait(), "waiting on server")
		},
	}

	// Attach flags to the command.
	ctl.BuildServerFlags(serveCmd, Server)

	return serveCmd
}

func newConsumeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	consumer := server.NewCommand(stdin, stdout, stderr)
	consumer.Consume = true
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Run a worker consuming invocations from a queue.",
		Long: `consume runs a worker which receives invocations from the sqs or kafka
transport and runs them. It serves no HTTP endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := consumer.Start(); err != nil {
				return considerUsageError(cmd, errors.Wrap(err, "running consumer"))
			}
			return errors.Wrap(consumer.Wait(), "waiting on consumer")
		},
	}

	ctl.BuildServerFlags(consumeCmd, consumer)

	return consumeCmd
}
