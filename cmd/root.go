// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package cmd contains the filtermerge command line.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/molecula/filtermerge"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FILTERMERGE"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "filtermerge",
		Short: "filtermerge filters large columnar inputs in parallel and merges the survivors.",
		Long: `filtermerge filters large columnar inputs in parallel and merges the survivors.

A query names a format, a set of input objects and a filter expression. The
driver partitions each input into chunks, filter workers evaluate the
expression over each chunk, and a merge worker concatenates the surviving rows
into one result object.

` + filtermerge.VersionInfo() + "\n",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setAllConfig(viper.New(), cmd.Flags()); err != nil {
				return err
			}

			// Subcommands stop here with --dry-run, once config is applied.
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("problem getting dry-run flag: %v", err)
			}
			if dryRun && cmd.Parent() != nil {
				return fmt.Errorf("dry run")
			}
			return nil
		},
	}
	rc.PersistentFlags().Bool("dry-run", false, "stop before executing")
	_ = rc.PersistentFlags().MarkHidden("dry-run")
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServeCommand(stdin, stdout, stderr))
	rc.AddCommand(newConsumeCommand(stdin, stdout, stderr))
	rc.AddCommand(newSubmitCommand(stdout, stderr))
	rc.AddCommand(newStatusCommand(stdout, stderr))
	rc.AddCommand(newGenerateConfigCommand(stdout))

	rc.SetOutput(stderr)
	return rc
}

// setAllConfig treats flags as the definition of every configuration key
// and its default, and sets each flag from, in order of precedence: the
// command line, an environment variable, the config file named by
// --config. Flags hold pointers into the server Config, so setting them
// sets the Config.
//
// The environment variable of a key is envPrefix, an underscore, and the
// key upper-cased with dots and dashes replaced by underscores, e.g.
// FILTERMERGE_STORE_BACKEND for store.backend.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		if err := readConfigFile(v, path, flags); err != nil {
			return err
		}
	}

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		// A flag given on the command line already holds its value, and
		// setting a slice flag again would append to it.
		if err != nil || f.Changed {
			return
		}
		err = f.Value.Set(configValue(v, f))
	})
	return err
}

// readConfigFile merges the toml file at path into v. Keys which do not name
// a flag are rejected.
func readConfigFile(v *viper.Viper, path string, flags *pflag.FlagSet) error {
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading configuration file '%s': %v", path, err)
	}
	for _, key := range v.AllKeys() {
		if flags.Lookup(key) == nil {
			return fmt.Errorf("invalid option in configuration file: %v", key)
		}
	}
	return nil
}

// configValue returns the value viper resolved for f, in the string form
// f.Value.Set accepts. A toml array arrives as a slice, so it is joined.
func configValue(v *viper.Viper, f *pflag.Flag) string {
	if f.Value.Type() == "stringSlice" {
		return strings.Join(v.GetStringSlice(f.Name), ",")
	}
	return v.GetString(f.Name)
}

// considerUsageError prints the command's usage along with err when err was
// caused by the invocation rather than by running it.
func considerUsageError(cmd *cobra.Command, err error) error {
	if err != nil && strings.Contains(err.Error(), "validating config") {
		fmt.Fprintln(cmd.OutOrStderr(), cmd.UsageString())
	}
	return err
}
