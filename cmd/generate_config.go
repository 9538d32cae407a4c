// Copyright 2021 Molecula Corp. All rights reserved.
package cmd

import (
	"context"
	"io"

	"github.com/molecula/filtermerge/ctl"
	"github.com/spf13/cobra"
)

func newGenerateConfigCommand(stdout io.Writer) *cobra.Command {
	generateConf := ctl.NewGenerateConfigCommand(stdout)
	confCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateConf.Run(context.Background())
		},
	}

	return confCmd
}
