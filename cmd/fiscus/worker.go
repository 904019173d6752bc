package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var consumer string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a queue worker consuming enqueued investigations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if consumer != "" {
				cfg.Queue.Consumer = consumer
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return worker.Run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&consumer, "name", "", "consumer name within the group (default worker-<random>)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
