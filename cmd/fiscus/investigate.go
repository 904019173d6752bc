package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// investigateCMD runs a single investigation in-process and prints the
// report as JSON. No postgres or redis required; memory stays in-process
// and the report is not persisted.
func investigateCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "investigate [query...]",
		Short: "Run one investigation locally and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			provider, err := sources.New(cfg.Sources)
			if err != nil {
				return err
			}
			episodic := memory.NewEpisodic(cfg.Memory.Episodic.TTL)
			semantic, err := memory.NewSemantic(cfg.Memory.Semantic.Capacity)
			if err != nil {
				return err
			}
			workers := detect.NewRegistry(cfg.Detect)
			dispatcher := dispatch.NewDispatcher(dispatch.NewPool(cfg.Workers.MaxConcurrent), cfg.Workers)
			router := investigation.NewRouter(cfg.Investigation, semantic, cfg.Memory.Semantic.SearchTopK)
			planner := investigation.NewPlanner(workers, semantic, cfg.Memory.Semantic.SearchTopK)
			orch := investigation.NewOrchestrator(cfg.Investigation, router, planner, dispatcher, provider, episodic, semantic, nil)
			svc := investigation.NewService(orch, nil)

			inv, err := svc.RunSync(ctx, "", investigation.Query{Text: query})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(inv, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
