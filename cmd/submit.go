// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/molecula/filtermerge/ctl"
	"github.com/molecula/filtermerge/logger"
	"github.com/spf13/cobra"
)

func newSubmitCommand(stdout, stderr io.Writer) *cobra.Command {
	submit := ctl.NewSubmitCommand(stdout, logger.NewStandardLogger(stderr))
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a query.",
		Long: `submit submits a query and prints its request id. With --wait it then
polls the request until it is done and prints its status.`,
		Example: `  filtermerge submit --format parquet_simple --input data/part-0.parquet \
    --filter "matrix['CD4'] > 0 & matrix['qc'] > .6" --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return submit.Run(ctx)
		},
	}

	flags := submitCmd.Flags()
	flags.StringVar(&submit.Host, "host", submit.Host, "Address of the driver.")
	flags.StringVar(&submit.Format, "format", submit.Format, "Format of the inputs.")
	flags.StringSliceVarP(&submit.Inputs, "input", "i", submit.Inputs, "Input as container/path. May be repeated.")
	flags.StringVarP(&submit.Filter, "filter", "f", submit.Filter, "Filter expression.")
	flags.BoolVar(&submit.Wait, "wait", submit.Wait, "Wait for the request to finish.")
	flags.DurationVar(&submit.Interval, "interval", submit.Interval, "Status polling interval.")
	flags.DurationVar(&submit.Timeout, "timeout", submit.Timeout, "Give up waiting after this long. Zero waits forever.")

	return submitCmd
}

func newStatusCommand(stdout, stderr io.Writer) *cobra.Command {
	status := ctl.NewStatusCommand(stdout, logger.NewStandardLogger(stderr))
	statusCmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Print the status of a request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status.ID = args[0]
			return status.Run(context.Background())
		},
	}

	statusCmd.Flags().StringVar(&status.Host, "host", status.Host, "Address of the driver.")

	return statusCmd
}
