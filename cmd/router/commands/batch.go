package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amankumarsingh77/comfyui-router/internal/worker"
)

func newBatchCommand(configFile *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every video in the input directory, one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.close()

			proc, err := a.processor(ctx)
			if err != nil {
				a.logger.Errorf("setup: %v", err)
				return err
			}
			res, err := worker.NewWorker(a.cfg, a.logger, proc).RunBatch(ctx, limit)
			cmd.Printf("%d inputs: %d succeeded, %d failed, %d skipped\n", res.Total, res.Succeeded, res.Failed, res.Skipped)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d inputs failed", res.Failed, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "process at most N inputs (0 for all)")

	return cmd
}
