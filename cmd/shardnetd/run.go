package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/client"
	"github.com/luciancaetano/shardnet/internal/logging"
	"github.com/luciancaetano/shardnet/internal/status"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every shard and log received events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = statusAddr
			}

			log, err := logging.New(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			if err != nil {
				return err
			}

			c, err := client.New(cfg, client.WithLogger(log.Zerolog()))
			if err != nil {
				return err
			}

			c.OnAny(func(ctx context.Context, ev shardnet.Event) error {
				log.Info().
					Int("shard", ev.Shard).
					Int64("seq", ev.Sequence).
					Str("event", ev.Name).
					Int("bytes", len(ev.Data)).
					Msg("event")
				return nil
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				srv := status.New(c, c.Registry(), log)
				go func() {
					if err := srv.Serve(ctx, cfg.Metrics.Addr); err != nil {
						log.Error().Err(err).Msg("status server failed")
					}
				}()
			}

			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /healthz, /shards and /metrics on this address")
	return cmd
}
