package commands

import (
	"github.com/spf13/cobra"
)

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <video>",
		Short: "Process a single video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			rec, err := proc.Process(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s -> %s (workflow %s, run %s)\n", rec.InputPath, rec.DeliveryPath, rec.Workflow, rec.RunID)
			return nil
		},
	}
}
