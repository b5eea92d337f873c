package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/shardnet/client"
)

func newGatewayCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Show the gateway discovery result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}

			c, err := client.New(cfg, client.WithLogger(zerolog.Nop()))
			if err != nil {
				return err
			}
			defer c.Close()

			gw, err := c.GatewayBot(cmd.Context())
			if err != nil {
				return err
			}
			renderGateway(cmd.OutOrStdout(), gw)
			return nil
		},
	}
}

// renderGateway prints the discovery result and the launch plan.
func renderGateway(w io.Writer, gw *client.GatewayBot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Field", "Value"})

	limit := gw.SessionStartLimit
	t.AppendRows([]table.Row{
		{"URL", gw.URL},
		{"Shards", gw.Shards},
		{"Max concurrency", limit.MaxConcurrency},
		{"Sessions", fmt.Sprintf("%d/%d remaining", limit.Remaining, limit.Total)},
		{"Reset after", (time.Duration(limit.ResetAfter) * time.Millisecond).String()},
		{"Launch batches", batches(gw.Shards, limit.MaxConcurrency)},
	})
	t.Render()
}

func batches(shards, maxConcurrency int) int {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return (shards + maxConcurrency - 1) / maxConcurrency
}
