package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/ingest"
	srv "github.com/sina-abbasi/ragline/internal/server"
	"github.com/sina-abbasi/ragline/internal/store"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var force bool
	var dryRun bool
	var ids []string

	var run = &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			if err := srv.Migrate("file://migrations", dsn, "up", 0); err != nil {
				// a fully migrated database reports no change, which is fine
				fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			}

			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			// One-shot process: no metrics endpoint to scrape, so no meter.
			orch, _, err := srv.BuildPipeline(cfg, st, nil)
			if err != nil {
				return err
			}

			res, err := orch.Run(ctx, ingest.RunOptions{
				ForceReprocess: force,
				DocumentIDs:    ids,
				DryRun:         dryRun,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if res.Status != ingest.RunCompleted {
				return fmt.Errorf("run finished with status %s", res.Status)
			}
			return nil
		},
	}
	run.Flags().BoolVar(&force, "force", false, "reingest every document regardless of content hash")
	run.Flags().BoolVar(&dryRun, "dry-run", false, "classify documents without writing anything")
	run.Flags().StringSliceVar(&ids, "ids", nil, "restrict the run to these document ids")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
