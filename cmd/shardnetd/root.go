package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/shardnet/client"
)

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "shardnetd",
		Short:         "Run a sharded gateway client",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newGatewayCmd(opts))
	return cmd
}

// load reads the configuration named by --config plus SHARDNET_* variables.
func (o *rootOptions) load() (*client.Config, error) {
	cfg, err := client.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
